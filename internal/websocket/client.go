package websocket

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Ivaniiiii/ChessInBse/internal/config"
	"github.com/Ivaniiiii/ChessInBse/internal/logger"
)

// Client WebSocket客户端
type Client struct {
	ID     string
	UserID uint

	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	// rooms 由Hub的锁保护
	rooms map[uint]struct{}

	writeWait      time.Duration
	pongWait       time.Duration
	pingPeriod     time.Duration
	maxMessageSize int64
}

// NewClient 创建新客户端
func NewClient(hub *Hub, conn *websocket.Conn, userID uint, cfg config.WebSocketConfig) *Client {
	c := &Client{
		ID:             uuid.New().String(),
		UserID:         userID,
		hub:            hub,
		conn:           conn,
		send:           make(chan []byte, 256),
		rooms:          make(map[uint]struct{}),
		writeWait:      cfg.WriteTimeout,
		pongWait:       cfg.PongTimeout,
		pingPeriod:     cfg.PingInterval,
		maxMessageSize: cfg.MaxMessageSize,
	}
	if c.writeWait <= 0 {
		c.writeWait = 10 * time.Second
	}
	if c.pongWait <= 0 {
		c.pongWait = 60 * time.Second
	}
	// ping周期必须小于pongWait
	if c.pingPeriod <= 0 || c.pingPeriod >= c.pongWait {
		c.pingPeriod = (c.pongWait * 9) / 10
	}
	if c.maxMessageSize <= 0 {
		c.maxMessageSize = 8192
	}
	return c
}

// ReadPump 读取消息，直到连接断开
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error("WebSocket读取错误",
					zap.String("client_id", c.ID),
					zap.Error(err))
			}
			return
		}

		logger.LogWebSocketMessage(c.hub.logger, "receive", "raw", len(message))
		if c.hub.handler != nil {
			c.hub.handler.HandleClientMessage(ctx, c, message)
		}
	}
}

// WritePump 写入消息，每条消息一帧
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if !ok {
				// Hub关闭了通道
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SendMessage 发送消息给客户端
func (c *Client) SendMessage(msgType string, gameID uint, data interface{}) error {
	msg, err := NewMessage(msgType, gameID, data)
	if err != nil {
		return err
	}
	return c.hub.SendToClient(c, msg)
}

// SendError 发送错误消息
func (c *Client) SendError(gameID uint, description string) {
	if err := c.SendMessage(MessageTypeError, gameID, ErrorPayload{Error: description}); err != nil {
		c.hub.logger.Debug("发送错误消息失败", zap.String("client_id", c.ID), zap.Error(err))
	}
}
