package websocket

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Ivaniiiii/ChessInBse/internal/config"
	apperrors "github.com/Ivaniiiii/ChessInBse/internal/errors"
	"github.com/Ivaniiiii/ChessInBse/internal/game"
	"github.com/Ivaniiiii/ChessInBse/internal/middleware"
	"github.com/Ivaniiiii/ChessInBse/internal/models"
	"github.com/Ivaniiiii/ChessInBse/internal/service"
)

// Games 网关用到的对局操作，由game.GameService实现
type Games interface {
	GetGame(ctx context.Context, gameID uint) (*models.Game, error)
	MakeMove(ctx context.Context, gameID, moverID uint, in game.MoveInput) (*models.Game, *models.Move, error)
	View(g *models.Game, lastMove *models.Move) *game.GameView
}

// TokenValidator 令牌校验，由service.AuthService实现
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*service.TokenClaims, error)
}

// GameHandler 对局WebSocket处理器
type GameHandler struct {
	hub      *Hub
	games    Games
	auth     TokenValidator
	cfg      config.WebSocketConfig
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewGameHandler 创建处理器并挂到Hub上
func NewGameHandler(hub *Hub, games Games, auth TokenValidator, cfg config.WebSocketConfig, logger *zap.Logger) *GameHandler {
	h := &GameHandler{
		hub:   hub,
		games: games,
		auth:  auth,
		cfg:   cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:    cfg.ReadBufferSize,
			WriteBufferSize:   cfg.WriteBufferSize,
			EnableCompression: cfg.EnableCompression,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: logger,
	}
	hub.SetHandler(h)
	return h
}

// ServeWS 认证后升级连接，读循环在当前请求协程内运行
func (h *GameHandler) ServeWS(c *gin.Context) {
	token := middleware.ExtractToken(c)
	if token == "" {
		respondError(c, apperrors.New(apperrors.ErrAuthentication, "缺少认证令牌"))
		return
	}
	claims, err := h.auth.ValidateToken(c.Request.Context(), token)
	if err != nil {
		respondError(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("WebSocket升级失败",
			zap.Uint("user_id", claims.UserID),
			zap.Error(err))
		return
	}

	client := NewClient(h.hub, conn, claims.UserID, h.cfg)
	if err := h.hub.Register(client); err != nil {
		conn.Close()
		return
	}

	go client.WritePump()
	client.ReadPump(c.Request.Context())
}

// HandleClientMessage 处理客户端消息
func (h *GameHandler) HandleClientMessage(ctx context.Context, c *Client, data []byte) {
	msg, err := DecodeMessage(data)
	if err != nil {
		c.SendError(0, "消息格式错误: "+err.Error())
		return
	}

	switch msg.Type {
	case MessageTypeJoinRoom:
		h.handleJoinRoom(ctx, c, msg)

	case MessageTypeLeaveRoom:
		h.hub.LeaveRoom(c, msg.GameID)

	case MessageTypeMove:
		h.handleMove(ctx, c, msg)

	case MessageTypePong:
		h.logger.Debug("收到pong", zap.String("client_id", c.ID))

	default:
		h.logger.Warn("收到不支持的消息类型",
			zap.String("client_id", c.ID),
			zap.String("type", msg.Type))
		c.SendError(msg.GameID, "不支持的消息类型: "+msg.Type)
	}
}

// handleJoinRoom 加入房间并立即回送当前状态
func (h *GameHandler) handleJoinRoom(ctx context.Context, c *Client, msg *Message) {
	g, err := h.games.GetGame(ctx, msg.GameID)
	if err != nil {
		c.SendError(msg.GameID, describe(err))
		return
	}

	h.hub.JoinRoom(c, g.ID)
	if err := c.SendMessage(MessageTypeGameState, g.ID, h.games.View(g, nil)); err != nil {
		h.logger.Warn("发送对局状态失败", zap.String("client_id", c.ID), zap.Error(err))
	}
}

// handleMove 落子，成功后由对局服务推送给整个房间
func (h *GameHandler) handleMove(ctx context.Context, c *Client, msg *Message) {
	var in game.MoveInput
	if len(msg.Data) == 0 || json.Unmarshal(msg.Data, &in) != nil || in.From == "" || in.To == "" {
		c.SendError(msg.GameID, "着法格式错误")
		return
	}

	g, err := h.games.GetGame(ctx, msg.GameID)
	if err != nil {
		c.SendError(msg.GameID, describe(err))
		return
	}

	// 落子方自动进入房间，以便收到本次推送
	h.hub.JoinRoom(c, g.ID)

	if _, _, err := h.games.MakeMove(ctx, msg.GameID, c.UserID, in); err != nil {
		h.logger.Debug("WebSocket落子失败",
			zap.Uint("game_id", msg.GameID),
			zap.Uint("user_id", c.UserID),
			zap.Error(err))
		c.SendError(msg.GameID, describe(err))
	}
}

func describe(err error) string {
	if appErr, ok := apperrors.As(err); ok {
		if appErr.Details != "" {
			return appErr.Message + ": " + appErr.Details
		}
		return appErr.Message
	}
	return err.Error()
}

func respondError(c *gin.Context, err error) {
	appErr, ok := apperrors.As(err)
	if !ok {
		appErr = apperrors.Wrap(err, apperrors.ErrUnknown)
	}
	c.AbortWithStatusJSON(appErr.HTTPStatus(), apperrors.NewErrorResponse(appErr, middleware.RequestID(c)))
}
