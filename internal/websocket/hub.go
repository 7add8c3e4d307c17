// Package websocket 实时对局推送。客户端按对局加入房间，任何对局变化都会推送给房间内所有连接
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/Ivaniiiii/ChessInBse/internal/game"
	"github.com/Ivaniiiii/ChessInBse/internal/logger"
	"github.com/Ivaniiiii/ChessInBse/internal/metrics"
)

// MessageHandler 客户端消息处理器
type MessageHandler interface {
	HandleClientMessage(ctx context.Context, c *Client, data []byte)
}

// Hub WebSocket连接管理中心
type Hub struct {
	// clients与rooms共用一把锁，关闭发送通道也在锁内完成
	mu      sync.RWMutex
	clients map[string]*Client
	rooms   map[uint]map[string]*Client

	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	handler MessageHandler
	logger  *zap.Logger
}

var _ game.Notifier = (*Hub)(nil)

// NewHub 创建Hub
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		rooms:      make(map[uint]map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// SetHandler 设置消息处理器
func (h *Hub) SetHandler(handler MessageHandler) {
	h.handler = handler
}

// Run 运行Hub，ctx结束时关闭全部连接
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)

	for {
		select {
		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case <-ctx.Done():
			h.closeAll()
			h.logger.Info("WebSocket连接中心已停止")
			return nil
		}
	}
}

// Register 注册客户端
func (h *Hub) Register(client *Client) error {
	select {
	case h.register <- client:
		return nil
	case <-h.done:
		return ErrHubStopped
	}
}

// Unregister 注销客户端
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	h.clients[client.ID] = client
	h.mu.Unlock()

	metrics.WSConnections.Inc()
	h.logger.Info("WebSocket客户端连接",
		zap.String("client_id", client.ID),
		zap.Uint("user_id", client.UserID))
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client.ID]; !ok {
		h.mu.Unlock()
		return
	}
	h.removeLocked(client)
	h.mu.Unlock()

	metrics.WSConnections.Dec()
	h.logger.Info("WebSocket客户端断开",
		zap.String("client_id", client.ID),
		zap.Uint("user_id", client.UserID))
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	n := len(h.clients)
	for _, client := range h.clients {
		h.removeLocked(client)
	}
	h.mu.Unlock()

	metrics.WSConnections.Sub(float64(n))
}

// removeLocked 调用方需持有写锁
func (h *Hub) removeLocked(client *Client) {
	delete(h.clients, client.ID)
	for gameID := range client.rooms {
		if members := h.rooms[gameID]; members != nil {
			delete(members, client.ID)
			if len(members) == 0 {
				delete(h.rooms, gameID)
			}
		}
	}
	client.rooms = nil
	close(client.send)
}

// JoinRoom 加入对局房间
func (h *Hub) JoinRoom(client *Client, gameID uint) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	members := h.rooms[gameID]
	if members == nil {
		members = make(map[string]*Client)
		h.rooms[gameID] = members
	}
	members[client.ID] = client
	client.rooms[gameID] = struct{}{}
}

// LeaveRoom 离开对局房间
func (h *Hub) LeaveRoom(client *Client, gameID uint) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if members := h.rooms[gameID]; members != nil {
		delete(members, client.ID)
		if len(members) == 0 {
			delete(h.rooms, gameID)
		}
	}
	if client.rooms != nil {
		delete(client.rooms, gameID)
	}
}

// RoomSize 房间内连接数
func (h *Hub) RoomSize(gameID uint) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[gameID])
}

// GetOnlineCount 获取在线连接数
func (h *Hub) GetOnlineCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// NotifyGame 向对局房间推送最新状态
func (h *Hub) NotifyGame(view *game.GameView) {
	msg, err := NewMessage(MessageTypeGameState, view.ID, view)
	if err != nil {
		h.logger.Error("序列化对局状态失败", zap.Uint("game_id", view.ID), zap.Error(err))
		return
	}
	h.SendToRoom(view.ID, msg)
}

// SendToRoom 发送消息给房间内所有客户端，返回送达数量
func (h *Hub) SendToRoom(gameID uint, message *Message) int {
	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("序列化消息失败", zap.Error(err))
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := 0
	for _, client := range h.rooms[gameID] {
		select {
		case client.send <- data:
			sent++
		default:
			h.logger.Warn("客户端发送缓冲区满",
				zap.String("client_id", client.ID),
				zap.Uint("game_id", gameID))
		}
	}

	logger.LogWebSocketMessage(h.logger, "send", message.Type, gameID)
	return sent
}

// SendToClient 发送消息给指定客户端
func (h *Hub) SendToClient(client *Client, message *Message) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.clients[client.ID] != client {
		return ErrClientNotFound
	}

	select {
	case client.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}
