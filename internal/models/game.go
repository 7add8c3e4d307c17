package models

import (
	"time"
)

// 对局状态
const (
	GameStatusWaiting    = "waiting_for_player"
	GameStatusInProgress = "in_progress"
	GameStatusFinished   = "finished"
	GameStatusCancelled  = "cancelled"
)

// 对局结果原因
const (
	ResultCheckmate            = "checkmate"
	ResultStalemate            = "stalemate"
	ResultInsufficientMaterial = "insufficient_material"
	ResultFivefoldRepetition   = "fivefold_repetition"
	ResultSeventyFiveMoveRule  = "seventy_five_move_rule"
	ResultDrawByRule           = "draw"
	ResultTimeout              = "timeout"
	ResultCancelled            = "cancelled"
)

// 链上结算状态
const (
	SettlementNone      = "none"
	SettlementPending   = "pending"
	SettlementSettled   = "settled"
	SettlementAttention = "attention"
)

// Game 对局表，押注金额与币种创建后不可变
type Game struct {
	BaseModel
	CreatorID      uint       `gorm:"not null;index" json:"creator_id"`
	JoinerID       *uint      `gorm:"index" json:"joiner_id,omitempty"`
	Stake          int64      `gorm:"not null" json:"stake"`
	Currency       Currency   `gorm:"size:32;not null" json:"currency"`
	Position       string     `gorm:"size:128;not null" json:"position"` // FEN
	Status         string     `gorm:"size:32;not null;index" json:"status"`
	Result         string     `gorm:"size:32" json:"result,omitempty"`
	WinnerID       *uint      `json:"winner_id,omitempty"`
	MoveCount      int        `gorm:"default:0" json:"move_count"`
	LastActivityAt time.Time  `gorm:"index" json:"last_activity_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`

	// 外部托管
	ExternalGameID   *string `gorm:"uniqueIndex;size:64" json:"external_game_id,omitempty"`
	CreatorWallet    string  `gorm:"size:64" json:"creator_wallet,omitempty"`
	JoinerWallet     string  `gorm:"size:64" json:"joiner_wallet,omitempty"`
	CreateTxHash     string  `gorm:"size:80" json:"create_tx_hash,omitempty"`
	JoinTxHash       string  `gorm:"size:80" json:"join_tx_hash,omitempty"`
	DeclareTxHash    string  `gorm:"size:80" json:"declare_tx_hash,omitempty"`
	SettlementStatus string  `gorm:"size:20;default:'none';index" json:"settlement_status"`
	AttentionReason  string  `gorm:"size:500" json:"attention_reason,omitempty"`
}

// IsTerminal 对局是否已结束
func (g *Game) IsTerminal() bool {
	return g.Status == GameStatusFinished || g.Status == GameStatusCancelled
}

// IsParticipant 是否为对局参与者
func (g *Game) IsParticipant(userID uint) bool {
	return g.CreatorID == userID || (g.JoinerID != nil && *g.JoinerID == userID)
}

// Players 返回参与者ID
func (g *Game) Players() []uint {
	if g.JoinerID == nil {
		return []uint{g.CreatorID}
	}
	return []uint{g.CreatorID, *g.JoinerID}
}

// ExternalID 外部对局ID，未分配时为空串
func (g *Game) ExternalID() string {
	if g.ExternalGameID == nil {
		return ""
	}
	return *g.ExternalGameID
}

// WalletOf 返回玩家的链上地址
func (g *Game) WalletOf(userID uint) string {
	if userID == g.CreatorID {
		return g.CreatorWallet
	}
	if g.JoinerID != nil && *g.JoinerID == userID {
		return g.JoinerWallet
	}
	return ""
}
