package models

// 流水类型
const (
	TxKindLock       = "lock"
	TxKindRelease    = "release"
	TxKindWin        = "win"
	TxKindCommission = "commission"
	TxKindDeposit    = "deposit"
	TxKindWithdraw   = "withdraw"
)

// 流水状态
const (
	// TxStatusCompleted 计入余额
	TxStatusCompleted = "completed"
	// TxStatusReleased 仅用于审计的中性记录，不计入余额
	TxStatusReleased = "released"
)

// Transaction 账本流水表，只追加，不修改不删除
type Transaction struct {
	BaseModel
	UserID      uint     `gorm:"not null;index:idx_tx_user_currency" json:"user_id"`
	Kind        string   `gorm:"size:20;not null;index" json:"kind"`
	Amount      int64    `gorm:"not null" json:"amount"` // 有符号金额，最小单位
	Currency    Currency `gorm:"size:32;not null;index:idx_tx_user_currency" json:"currency"`
	GameID      *uint    `gorm:"index" json:"game_id,omitempty"`
	Status      string   `gorm:"size:20;not null;default:'completed'" json:"status"`
	ExternalRef *string  `gorm:"uniqueIndex;size:128" json:"external_ref,omitempty"` // 外部关联号，用于充值去重
	Description string   `gorm:"size:255" json:"description"`
}

// Counts 是否计入余额
func (t *Transaction) Counts() bool {
	return t.Status == TxStatusCompleted
}
