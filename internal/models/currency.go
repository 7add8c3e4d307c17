package models

import (
	"sort"

	apperrors "github.com/Ivaniiiii/ChessInBse/internal/errors"
)

// Currency 押注币种
type Currency string

// 支持的币种
const (
	CurrencyInternalPoints   Currency = "internal_points"
	CurrencyPlatformCredits  Currency = "platform_credits"
	CurrencyStablecoin       Currency = "stablecoin"
	CurrencyNativeChainToken Currency = "native_chain_token"
	CurrencyFiat             Currency = "fiat"
)

// currencyEntry 币种在钱包快照中的落点以及结算方式
type currencyEntry struct {
	column   string
	balance  func(w *Wallet) *int64
	external bool
}

// currencyTable 币种到钱包快照列的穷举映射，新增币种必须在这里登记
var currencyTable = map[Currency]currencyEntry{
	CurrencyInternalPoints: {
		column:  "internal_points",
		balance: func(w *Wallet) *int64 { return &w.InternalPoints },
	},
	CurrencyPlatformCredits: {
		column:  "platform_credits",
		balance: func(w *Wallet) *int64 { return &w.PlatformCredits },
	},
	CurrencyStablecoin: {
		column:   "stablecoin",
		balance:  func(w *Wallet) *int64 { return &w.Stablecoin },
		external: true,
	},
	CurrencyNativeChainToken: {
		column:   "native_chain_token",
		balance:  func(w *Wallet) *int64 { return &w.NativeChainToken },
		external: true,
	},
	CurrencyFiat: {
		column:  "fiat",
		balance: func(w *Wallet) *int64 { return &w.Fiat },
	},
}

// ParseCurrency 解析币种，未登记的币种返回ErrUnknownCurrency
func ParseCurrency(s string) (Currency, error) {
	c := Currency(s)
	if _, ok := currencyTable[c]; !ok {
		return "", apperrors.Newf(apperrors.ErrUnknownCurrency, "币种: %q", s)
	}
	return c, nil
}

// Valid 是否为已登记币种
func (c Currency) Valid() bool {
	_, ok := currencyTable[c]
	return ok
}

// SettlesExternally 是否通过外部托管合约结算
func (c Currency) SettlesExternally() bool {
	return currencyTable[c].external
}

// Column 钱包快照中的列名
func (c Currency) Column() (string, error) {
	entry, ok := currencyTable[c]
	if !ok {
		return "", apperrors.Newf(apperrors.ErrUnknownCurrency, "币种: %q", string(c))
	}
	return entry.column, nil
}

// AllCurrencies 按字典序返回全部币种
func AllCurrencies() []Currency {
	out := make([]Currency, 0, len(currencyTable))
	for c := range currencyTable {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
