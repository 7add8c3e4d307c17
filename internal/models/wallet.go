package models

import (
	apperrors "github.com/Ivaniiiii/ChessInBse/internal/errors"
)

// Wallet 用户余额快照，每个用户一行，每个币种一列。
// 权威余额始终是已完成流水之和，快照在同一数据库事务内随流水更新。
type Wallet struct {
	BaseModel
	UserID           uint  `gorm:"uniqueIndex;not null" json:"user_id"`
	InternalPoints   int64 `gorm:"default:0" json:"internal_points"`
	PlatformCredits  int64 `gorm:"default:0" json:"platform_credits"`
	Stablecoin       int64 `gorm:"default:0" json:"stablecoin"`
	NativeChainToken int64 `gorm:"default:0" json:"native_chain_token"`
	Fiat             int64 `gorm:"default:0" json:"fiat"`
}

// Balance 读取快照中的币种余额
func (w *Wallet) Balance(c Currency) (int64, error) {
	entry, ok := currencyTable[c]
	if !ok {
		return 0, apperrors.Newf(apperrors.ErrUnknownCurrency, "币种: %q", string(c))
	}
	return *entry.balance(w), nil
}

// Balances 全部币种余额
func (w *Wallet) Balances() map[Currency]int64 {
	out := make(map[Currency]int64, len(currencyTable))
	for c, entry := range currencyTable {
		out[c] = *entry.balance(w)
	}
	return out
}
