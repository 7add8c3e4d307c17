package api

import (
	"context"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/Ivaniiiii/ChessInBse/internal/errors"
	"github.com/Ivaniiiii/ChessInBse/internal/game"
	"github.com/Ivaniiiii/ChessInBse/internal/ledger"
	"github.com/Ivaniiiii/ChessInBse/internal/models"
	"github.com/Ivaniiiii/ChessInBse/internal/service"
)

// SettlementAdmin 结算运维操作，由settlement.Reconciler实现
type SettlementAdmin interface {
	ListPending(ctx context.Context) ([]*models.PendingDeclaration, error)
	ListAttention(ctx context.Context) ([]*models.Game, error)
	Requeue(ctx context.Context, gameID uint) error
}

// AdminHandler 管理员处理器
type AdminHandler struct {
	// settlement 为nil表示未启用外部结算
	settlement  SettlementAdmin
	games       *game.GameService
	ledger      *ledger.Service
	userService service.UserService
	logger      *zap.Logger
}

// NewAdminHandler 创建管理员处理器
func NewAdminHandler(settlement SettlementAdmin, games *game.GameService, ledger *ledger.Service, userService service.UserService, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		settlement:  settlement,
		games:       games,
		ledger:      ledger,
		userService: userService,
		logger:      logger,
	}
}

// UpdateUserStatusRequest 修改用户状态请求
type UpdateUserStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

// ListPendingSettlements 待重试的结算声明
// @Summary 待重试结算
// @Tags Admin
// @Security Bearer
// @Router /api/v1/admin/settlements/pending [get]
func (h *AdminHandler) ListPendingSettlements(c *gin.Context) {
	if h.settlement == nil {
		respondOK(c, []*models.PendingDeclaration{})
		return
	}

	pending, err := h.settlement.ListPending(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	respondOK(c, pending)
}

// ListAttentionGames 需要人工处理的对局
// @Summary 需人工处理的对局
// @Tags Admin
// @Security Bearer
// @Router /api/v1/admin/games/attention [get]
func (h *AdminHandler) ListAttentionGames(c *gin.Context) {
	views := make([]*game.GameView, 0)
	if h.settlement == nil {
		respondOK(c, views)
		return
	}

	games, err := h.settlement.ListAttention(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	for _, g := range games {
		views = append(views, h.games.View(g, nil))
	}
	respondOK(c, views)
}

// RequeueGame 重新处理attention状态的对局
// @Summary 重新入队结算
// @Tags Admin
// @Security Bearer
// @Failure 409 {object} errors.ErrorResponse
// @Router /api/v1/admin/games/{id}/requeue [post]
func (h *AdminHandler) RequeueGame(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if h.settlement == nil {
		respondError(c, h.logger, apperrors.New(apperrors.ErrGameConflict, "外部结算未启用"))
		return
	}

	if err := h.settlement.Requeue(c.Request.Context(), id); err != nil {
		respondError(c, h.logger, err)
		return
	}

	g, err := h.games.GetGame(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	h.logger.Info("结算已重新入队", zap.Uint("game_id", id), zap.Uint("operator", currentUser(c)))
	respondOK(c, h.games.View(g, nil))
}

// UpdateUserStatus 冻结、封禁或恢复用户
func (h *AdminHandler) UpdateUserStatus(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	var req UpdateUserStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	if err := h.userService.UpdateUserStatus(c.Request.Context(), id, req.Status); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(200, SuccessResponse{Success: true, Message: "用户状态已更新"})
}

// AuditUser 校验用户钱包快照与流水推导余额一致
func (h *AdminHandler) AuditUser(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	if err := h.ledger.Audit(c.Request.Context(), id); err != nil {
		respondError(c, h.logger, err)
		return
	}
	balances, err := h.ledger.Balances(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	respondOK(c, gin.H{"user_id": id, "consistent": true, "balances": balances})
}
