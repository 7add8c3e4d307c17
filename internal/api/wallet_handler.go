package api

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Ivaniiiii/ChessInBse/internal/ledger"
	"github.com/Ivaniiiii/ChessInBse/internal/models"
)

// WalletHandler 钱包处理器，余额均由流水推导
type WalletHandler struct {
	ledger *ledger.Service
	logger *zap.Logger
}

// NewWalletHandler 创建钱包处理器
func NewWalletHandler(ledger *ledger.Service, logger *zap.Logger) *WalletHandler {
	return &WalletHandler{
		ledger: ledger,
		logger: logger,
	}
}

// BalanceResponse 余额响应
type BalanceResponse struct {
	Currency models.Currency `json:"currency"`
	Balance  int64           `json:"balance"`
}

// DepositRequest 支付网关到账通知，correlation_id 为外部支付单号，重复提交只入账一次
type DepositRequest struct {
	UserID        uint   `json:"user_id" binding:"required"`
	Amount        int64  `json:"amount" binding:"required,gt=0"`
	Currency      string `json:"currency" binding:"required"`
	CorrelationID string `json:"correlation_id" binding:"required,max=128"`
}

// DepositResponse 充值响应
type DepositResponse struct {
	Transaction *models.Transaction `json:"transaction"`
	Created     bool                `json:"created"`
	Balance     int64               `json:"balance"`
}

// WithdrawRequest 提现请求
type WithdrawRequest struct {
	Amount        int64  `json:"amount" binding:"required,gt=0"`
	Currency      string `json:"currency" binding:"required"`
	CorrelationID string `json:"correlation_id" binding:"omitempty,max=128"`
}

// GetBalance 获取单币种余额
// @Summary 获取余额
// @Tags Wallet
// @Security Bearer
// @Param currency query string false "币种，默认 internal_points"
// @Success 200 {object} BalanceResponse
// @Router /api/v1/wallet/balance [get]
func (h *WalletHandler) GetBalance(c *gin.Context) {
	currency, err := models.ParseCurrency(c.DefaultQuery("currency", string(models.CurrencyInternalPoints)))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	balance, err := h.ledger.GetBalance(c.Request.Context(), currentUser(c), currency)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	respondOK(c, BalanceResponse{Currency: currency, Balance: balance})
}

// GetBalances 获取全部币种余额
func (h *WalletHandler) GetBalances(c *gin.Context) {
	balances, err := h.ledger.Balances(c.Request.Context(), currentUser(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	respondOK(c, balances)
}

// GetTransactions 分页查询流水
// @Summary 查询流水
// @Tags Wallet
// @Security Bearer
// @Router /api/v1/wallet/transactions [get]
func (h *WalletHandler) GetTransactions(c *gin.Context) {
	var currency models.Currency
	if raw := c.Query("currency"); raw != "" {
		parsed, err := models.ParseCurrency(raw)
		if err != nil {
			respondError(c, h.logger, err)
			return
		}
		currency = parsed
	}

	p := pagination(c)
	entries, err := h.ledger.ListTransactions(c.Request.Context(), currentUser(c), currency, p)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	respondList(c, entries, p)
}

// Deposit 为指定用户入账，仅管理员（支付网关运维）可调用
// @Summary 充值入账
// @Tags Admin
// @Security Bearer
// @Param request body DepositRequest true "到账信息"
// @Success 201 {object} DepositResponse
// @Failure 403 {object} errors.ErrorResponse
// @Router /api/v1/admin/wallet/deposit [post]
func (h *WalletHandler) Deposit(c *gin.Context) {
	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	currency, err := models.ParseCurrency(req.Currency)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	userID := req.UserID
	entry, created, err := h.ledger.Deposit(c.Request.Context(), userID, req.Amount, currency, req.CorrelationID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	balance, err := h.ledger.GetBalance(c.Request.Context(), userID, currency)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	resp := DepositResponse{Transaction: entry, Created: created, Balance: balance}
	if created {
		h.logger.Info("充值成功",
			zap.Uint("user_id", userID),
			zap.Uint("operator", currentUser(c)),
			zap.Int64("amount", req.Amount),
			zap.String("currency", string(currency)))
		respondCreated(c, resp)
		return
	}
	respondOK(c, resp)
}

// Withdraw 提现
// @Summary 提现
// @Tags Wallet
// @Security Bearer
// @Param request body WithdrawRequest true "提现信息"
// @Router /api/v1/wallet/withdraw [post]
func (h *WalletHandler) Withdraw(c *gin.Context) {
	var req WithdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	currency, err := models.ParseCurrency(req.Currency)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	userID := currentUser(c)
	entry, err := h.ledger.Withdraw(c.Request.Context(), userID, req.Amount, currency, req.CorrelationID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	balance, err := h.ledger.GetBalance(c.Request.Context(), userID, currency)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	respondCreated(c, DepositResponse{Transaction: entry, Created: true, Balance: balance})
}
