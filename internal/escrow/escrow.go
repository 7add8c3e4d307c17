// Package escrow 外部托管账本的合约接口
package escrow

import (
	"context"
	"errors"
	"strings"
	"time"
)

// DrawSentinel 和局时声明的获胜地址
const DrawSentinel = "0x0000000000000000000000000000000000000000"

// Status 托管状态
type Status string

const (
	StatusWaitingForPlayer Status = "waiting_for_player"
	StatusInProgress       Status = "in_progress"
	StatusFinished         Status = "finished"
	StatusCancelled        Status = "cancelled"
)

// EventKind 通知类型
type EventKind string

const (
	EventCreated   EventKind = "created"
	EventJoined    EventKind = "joined"
	EventFinished  EventKind = "finished"
	EventCancelled EventKind = "cancelled"
)

var (
	// ErrNoEscrow 托管记录不存在
	ErrNoEscrow = errors.New("托管记录不存在")
	// ErrUnknownTx 交易不存在
	ErrUnknownTx = errors.New("交易不存在")
)

// Record 托管记录
type Record struct {
	ID        string
	Player1   string
	Player2   string
	Stake     int64
	Status    Status
	Winner    string
	CreatedAt time.Time
	// SettleTxHash 结束该托管的声明交易
	SettleTxHash string
}

// IsParticipant 地址是否为参与者(不区分大小写)
func (r *Record) IsParticipant(addr string) bool {
	addr = strings.ToLower(addr)
	return addr != "" && (addr == strings.ToLower(r.Player1) || addr == strings.ToLower(r.Player2))
}

// Receipt 交易回执
type Receipt struct {
	TxHash      string
	BlockNumber uint64
	Reverted    bool
	Reason      string
}

// Event 托管事件通知
type Event struct {
	Kind        EventKind
	EscrowID    string
	TxHash      string
	BlockNumber uint64
	Address     string
	Amount      int64
}

// Ledger 托管账本客户端
type Ledger interface {
	// CreateEscrow 创建托管并存入押注
	CreateEscrow(ctx context.Context, id, from string, value int64) (string, error)
	// JoinEscrow 加入托管，金额必须等于押注
	JoinEscrow(ctx context.Context, id, from string, value int64) (string, error)
	// DeclareWinner 仅预言机可调用，winner为参与者或DrawSentinel
	DeclareWinner(ctx context.Context, id, from, winner string) (string, error)
	// CancelEscrow 发起人或预言机在等待阶段取消
	CancelEscrow(ctx context.Context, id, from string) (string, error)
	// GetEscrow 读取托管状态，不存在时返回ErrNoEscrow
	GetEscrow(ctx context.Context, id string) (*Record, error)
	// WaitForReceipt 等待交易达到指定确认数
	WaitForReceipt(ctx context.Context, txHash string, confirmations int) (*Receipt, error)
	// Subscribe 订阅事件
	Subscribe() <-chan Event
}
