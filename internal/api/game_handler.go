package api

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Ivaniiiii/ChessInBse/internal/game"
	"github.com/Ivaniiiii/ChessInBse/internal/models"
)

// GameHandler 对局处理器
type GameHandler struct {
	games  *game.GameService
	logger *zap.Logger
}

// NewGameHandler 创建对局处理器
func NewGameHandler(games *game.GameService, logger *zap.Logger) *GameHandler {
	return &GameHandler{
		games:  games,
		logger: logger,
	}
}

// CreateGameRequest 创建对局请求。外部币种需携带已上链的托管交易哈希
type CreateGameRequest struct {
	Stake        int64  `json:"stake" binding:"required"`
	Currency     string `json:"currency" binding:"required"`
	EscrowTxHash string `json:"escrow_tx_hash"`
}

// JoinGameRequest 加入对局请求
type JoinGameRequest struct {
	EscrowTxHash string `json:"escrow_tx_hash"`
}

// MoveResponse 落子响应
type MoveResponse struct {
	Game *game.GameView `json:"game"`
	Move *models.Move   `json:"move"`
}

// CreateGame 创建对局并锁定押注
// @Summary 创建对局
// @Tags Game
// @Security Bearer
// @Param request body CreateGameRequest true "押注信息"
// @Success 201 {object} game.GameView
// @Failure 400 {object} errors.ErrorResponse
// @Router /api/v1/games [post]
func (h *GameHandler) CreateGame(c *gin.Context) {
	var req CreateGameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	g, err := h.games.CreateGame(c.Request.Context(), currentUser(c), req.Stake, models.Currency(req.Currency), req.EscrowTxHash)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	respondCreated(c, h.games.View(g, nil))
}

// ListGames 等待加入的对局
// @Summary 对局大厅
// @Tags Game
// @Security Bearer
// @Router /api/v1/games [get]
func (h *GameHandler) ListGames(c *gin.Context) {
	p := pagination(c)
	games, err := h.games.ListOpenGames(c.Request.Context(), p)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	views := make([]*game.GameView, 0, len(games))
	for _, g := range games {
		views = append(views, h.games.View(g, nil))
	}
	respondList(c, views, p)
}

// GetGame 对局详情，附带最后一步
func (h *GameHandler) GetGame(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	g, err := h.games.GetGame(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	moves, err := h.games.ListMoves(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	var last *models.Move
	if len(moves) > 0 {
		last = moves[len(moves)-1]
	}
	respondOK(c, h.games.View(g, last))
}

// ListMoves 对局着法记录
func (h *GameHandler) ListMoves(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	moves, err := h.games.ListMoves(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	respondOK(c, moves)
}

// JoinGame 加入对局
// @Summary 加入对局
// @Tags Game
// @Security Bearer
// @Failure 409 {object} errors.ErrorResponse
// @Router /api/v1/games/{id}/join [post]
func (h *GameHandler) JoinGame(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	var req JoinGameRequest
	// 请求体可以为空
	_ = c.ShouldBindJSON(&req)

	g, err := h.games.JoinGame(c.Request.Context(), id, currentUser(c), req.EscrowTxHash)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	respondOK(c, h.games.View(g, nil))
}

// MakeMove 落子
// @Summary 落子
// @Tags Game
// @Security Bearer
// @Param request body game.MoveInput true "着法"
// @Success 200 {object} MoveResponse
// @Failure 403 {object} errors.ErrorResponse
// @Failure 422 {object} errors.ErrorResponse
// @Router /api/v1/games/{id}/moves [post]
func (h *GameHandler) MakeMove(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	var in game.MoveInput
	if err := c.ShouldBindJSON(&in); err != nil {
		bindError(c, err)
		return
	}

	g, move, err := h.games.MakeMove(c.Request.Context(), id, currentUser(c), in)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	respondOK(c, MoveResponse{Game: h.games.View(g, move), Move: move})
}

// CancelGame 取消对局
func (h *GameHandler) CancelGame(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	g, err := h.games.CancelGame(c.Request.Context(), id, currentUser(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	respondOK(c, h.games.View(g, nil))
}

// ForceFinish 超时对局强制结束，双方退款
func (h *GameHandler) ForceFinish(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	g, err := h.games.ForceFinish(c.Request.Context(), id, currentUser(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	respondOK(c, h.games.View(g, nil))
}
