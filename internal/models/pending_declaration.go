package models

import (
	"time"
)

// PendingDeclaration 待重试的链上胜负声明，成功或重试耗尽后删除
type PendingDeclaration struct {
	BaseModel
	GameID         uint       `gorm:"uniqueIndex;not null" json:"game_id"`
	ExternalGameID string     `gorm:"size:64;not null" json:"external_game_id"`
	WinnerWallet   string     `gorm:"size:64;not null" json:"winner_wallet"` // 平局时为零地址
	Attempts       int        `gorm:"default:0" json:"attempts"`
	LastAttemptAt  *time.Time `json:"last_attempt_at,omitempty"`
	LastError      string     `gorm:"size:1000" json:"last_error,omitempty"`
}
