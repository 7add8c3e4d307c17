package websocket

import (
	"encoding/json"
	"errors"
	"time"
)

// 错误定义
var (
	ErrClientNotFound = errors.New("客户端未找到")
	ErrSendBufferFull = errors.New("发送缓冲区已满")
	ErrHubStopped     = errors.New("连接中心已停止")
)

// 消息类型
const (
	// 客户端 -> 服务端
	MessageTypeJoinRoom  = "join_room"
	MessageTypeLeaveRoom = "leave_room"
	MessageTypeMove      = "move"
	MessageTypePong      = "pong"

	// 服务端 -> 客户端
	MessageTypeGameState = "game_state"
	MessageTypeError     = "error"
)

// Message WebSocket消息，收发共用
type Message struct {
	Type      string          `json:"type"`
	GameID    uint            `json:"game_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// ErrorPayload 错误消息内容
type ErrorPayload struct {
	Error string `json:"error"`
}

// NewMessage 构造带数据的出站消息
func NewMessage(msgType string, gameID uint, data interface{}) (*Message, error) {
	msg := &Message{
		Type:      msgType,
		GameID:    gameID,
		Timestamp: time.Now().Unix(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		msg.Data = raw
	}
	return msg, nil
}

// DecodeMessage 解析入站消息
func DecodeMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.Type == "" {
		return nil, errors.New("消息类型不能为空")
	}
	return &msg, nil
}
