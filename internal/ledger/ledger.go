// Package ledger 多币种押注账本。
//
// 余额始终由已完成流水推导，钱包快照只是缓存，二者不一致视为不变量被破坏。
// 调用方需先通过LockUsers取得进程内锁，再开启数据库事务。
package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Ivaniiiii/ChessInBse/internal/config"
	apperrors "github.com/Ivaniiiii/ChessInBse/internal/errors"
	"github.com/Ivaniiiii/ChessInBse/internal/logger"
	"github.com/Ivaniiiii/ChessInBse/internal/metrics"
	"github.com/Ivaniiiii/ChessInBse/internal/models"
	"github.com/Ivaniiiii/ChessInBse/internal/repository"
	"github.com/Ivaniiiii/ChessInBse/internal/utils"
)

// 不变量名称
const (
	InvariantNegativeBalance  = "non_negative_balance"
	InvariantSnapshotMismatch = "snapshot_matches_derived"
	InvariantGameExposure     = "zero_game_exposure"
)

// Service 账本服务
type Service struct {
	repos      *repository.Manager
	rate       decimal.Decimal
	platformID uint
	locks      *utils.KeyedMutex
	logger     *zap.Logger
}

// NewService 创建账本服务，平台账户必须已由迁移创建
func NewService(ctx context.Context, repos *repository.Manager, cfg config.LedgerConfig, log *zap.Logger) (*Service, error) {
	rate, err := cfg.Rate()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrConfigValidate, "抽成比例无法解析")
	}

	platform, err := repos.User().FindByUsername(ctx, cfg.PlatformAccount)
	if err != nil {
		return nil, apperrors.Newf(apperrors.ErrConfigLoad, "平台账户不存在: %s", cfg.PlatformAccount).WithCause(err)
	}

	return &Service{
		repos:      repos,
		rate:       rate,
		platformID: platform.ID,
		locks:      utils.NewKeyedMutex(),
		logger:     log,
	}, nil
}

// PlatformID 平台账户ID
func (s *Service) PlatformID() uint {
	return s.platformID
}

// Commission 计算彩池抽成: floor(pot × rate)
func (s *Service) Commission(pot int64) int64 {
	return decimal.NewFromInt(pot).Mul(s.rate).Floor().IntPart()
}

// LockUsers 按(用户,币种)加进程内锁，键排序后依次获取
func (s *Service) LockUsers(currency models.Currency, userIDs ...uint) func() {
	keys := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		keys = append(keys, fmt.Sprintf("user:%d:%s", id, currency))
	}
	return s.locks.LockMany(keys...)
}

// GetBalance 推导余额
func (s *Service) GetBalance(ctx context.Context, userID uint, currency models.Currency) (int64, error) {
	if !currency.Valid() {
		return 0, apperrors.Newf(apperrors.ErrUnknownCurrency, "币种: %q", string(currency))
	}
	if _, err := s.repos.User().FindByID(ctx, userID); err != nil {
		return 0, err
	}
	return s.repos.Ledger().SumCompleted(ctx, userID, currency)
}

// Balances 全部币种的推导余额
func (s *Service) Balances(ctx context.Context, userID uint) (map[models.Currency]int64, error) {
	if _, err := s.repos.User().FindByID(ctx, userID); err != nil {
		return nil, err
	}
	out := make(map[models.Currency]int64)
	for _, c := range models.AllCurrencies() {
		bal, err := s.repos.Ledger().SumCompleted(ctx, userID, c)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrDatabaseQuery, "查询余额失败")
		}
		out[c] = bal
	}
	return out, nil
}

// Available 事务内读取余额：锁定钱包行并校验快照与推导值一致
func (s *Service) Available(tx *repository.Transaction, userID uint, currency models.Currency) (int64, error) {
	ctx := tx.Context()
	if !currency.Valid() {
		return 0, apperrors.Newf(apperrors.ErrUnknownCurrency, "币种: %q", string(currency))
	}

	wallet, err := tx.Wallet().LockForUpdate(ctx, userID)
	if err != nil {
		return 0, err
	}
	derived, err := tx.Ledger().SumCompleted(ctx, userID, currency)
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrDatabaseQuery, "查询余额失败")
	}
	snapshot, err := wallet.Balance(currency)
	if err != nil {
		return 0, err
	}

	if derived != snapshot {
		return 0, s.violation(InvariantSnapshotMismatch,
			fmt.Sprintf("快照与流水不一致: user=%d currency=%s snapshot=%d derived=%d", userID, currency, snapshot, derived),
			zap.Uint("user_id", userID))
	}
	if derived < 0 {
		return 0, s.violation(InvariantNegativeBalance,
			fmt.Sprintf("余额为负: user=%d currency=%s balance=%d", userID, currency, derived),
			zap.Uint("user_id", userID))
	}
	return derived, nil
}

// LockBet 冻结押注，不重复校验余额
func (s *Service) LockBet(tx *repository.Transaction, userID uint, amount int64, currency models.Currency, gameID uint) error {
	if amount <= 0 {
		return apperrors.New(apperrors.ErrInvalidParam, "押注必须为正数")
	}
	return s.append(tx, &models.Transaction{
		UserID:      userID,
		Kind:        models.TxKindLock,
		Amount:      -amount,
		Currency:    currency,
		GameID:      &gameID,
		Description: "冻结押注",
	})
}

// ReleaseAndDistribute 结算对局：有胜者时派彩并抽成，平局时退回押注。
// 写入后对局敞口必须为0，否则返回ErrInvariantViolation由调用方回滚。
func (s *Service) ReleaseAndDistribute(tx *repository.Transaction, game *models.Game, winnerID *uint) error {
	if game.JoinerID == nil {
		return apperrors.Newf(apperrors.ErrGameConflict, "对局 %d 没有对手，无法结算", game.ID)
	}
	if winnerID != nil && !game.IsParticipant(*winnerID) {
		return apperrors.Newf(apperrors.ErrInvalidParam, "胜者 %d 不是对局参与者", *winnerID)
	}

	releaseStatus := models.TxStatusCompleted
	if winnerID != nil {
		releaseStatus = models.TxStatusReleased
	}

	for _, player := range game.Players() {
		err := s.append(tx, &models.Transaction{
			UserID:      player,
			Kind:        models.TxKindRelease,
			Amount:      game.Stake,
			Currency:    game.Currency,
			GameID:      &game.ID,
			Status:      releaseStatus,
			Description: "释放押注",
		})
		if err != nil {
			return err
		}
	}

	if winnerID != nil {
		pot := game.Stake * 2
		commission := s.Commission(pot)

		err := s.append(tx, &models.Transaction{
			UserID:      *winnerID,
			Kind:        models.TxKindWin,
			Amount:      pot - commission,
			Currency:    game.Currency,
			GameID:      &game.ID,
			Description: "对局获胜",
		})
		if err != nil {
			return err
		}

		if commission > 0 {
			err = s.append(tx, &models.Transaction{
				UserID:      s.platformID,
				Kind:        models.TxKindCommission,
				Amount:      commission,
				Currency:    game.Currency,
				GameID:      &game.ID,
				Description: "平台抽成",
			})
			if err != nil {
				return err
			}
		}
	}

	return s.checkExposure(tx, game.ID)
}

// Refund 退回押注，用于取消与超时
func (s *Service) Refund(tx *repository.Transaction, gameID uint, players []uint, stake int64, currency models.Currency) error {
	for _, player := range players {
		err := s.append(tx, &models.Transaction{
			UserID:      player,
			Kind:        models.TxKindRelease,
			Amount:      stake,
			Currency:    currency,
			GameID:      &gameID,
			Description: "退回押注",
		})
		if err != nil {
			return err
		}
	}
	return s.checkExposure(tx, gameID)
}

// Deposit 充值，同一外部关联号只记录一次。第二个返回值表示是否为新记录
func (s *Service) Deposit(ctx context.Context, userID uint, amount int64, currency models.Currency, correlationID string) (*models.Transaction, bool, error) {
	if correlationID == "" {
		return nil, false, apperrors.New(apperrors.ErrInvalidParam, "缺少外部关联号")
	}
	if amount <= 0 {
		return nil, false, apperrors.New(apperrors.ErrInvalidParam, "充值金额必须为正数")
	}
	if !currency.Valid() {
		return nil, false, apperrors.Newf(apperrors.ErrUnknownCurrency, "币种: %q", string(currency))
	}

	if existing, err := s.repos.Ledger().FindByExternalRef(ctx, correlationID); err == nil {
		return existing, false, nil
	} else if !repository.IsNotFound(err) {
		return nil, false, apperrors.Wrap(err, apperrors.ErrDatabaseQuery, "查询充值记录失败")
	}

	unlock := s.LockUsers(currency, userID)
	defer unlock()

	var entry *models.Transaction
	var duplicate *models.Transaction
	err := s.repos.WithTransaction(ctx, func(tx *repository.Transaction) error {
		if existing, err := tx.Ledger().FindByExternalRef(ctx, correlationID); err == nil {
			duplicate = existing
			return nil
		}
		if _, err := s.Available(tx, userID, currency); err != nil {
			return err
		}

		ref := correlationID
		entry = &models.Transaction{
			UserID:      userID,
			Kind:        models.TxKindDeposit,
			Amount:      amount,
			Currency:    currency,
			ExternalRef: &ref,
			Description: "充值",
		}
		return s.append(tx, entry)
	})
	if duplicate != nil {
		return duplicate, false, nil
	}
	if err != nil {
		// 其他用户并发写入了同一关联号，唯一索引兜底
		if existing, findErr := s.repos.Ledger().FindByExternalRef(ctx, correlationID); findErr == nil {
			return existing, false, nil
		}
		return nil, false, err
	}
	return entry, true, nil
}

// Withdraw 提现，余额不足时返回ErrInsufficientFunds
func (s *Service) Withdraw(ctx context.Context, userID uint, amount int64, currency models.Currency, correlationID string) (*models.Transaction, error) {
	if amount <= 0 {
		return nil, apperrors.New(apperrors.ErrInvalidParam, "提现金额必须为正数")
	}
	if !currency.Valid() {
		return nil, apperrors.Newf(apperrors.ErrUnknownCurrency, "币种: %q", string(currency))
	}

	unlock := s.LockUsers(currency, userID)
	defer unlock()

	var entry *models.Transaction
	err := s.repos.WithTransaction(ctx, func(tx *repository.Transaction) error {
		if correlationID != "" {
			if _, err := tx.Ledger().FindByExternalRef(ctx, correlationID); err == nil {
				return apperrors.Newf(apperrors.ErrAlreadyExists, "关联号已使用: %s", correlationID)
			}
		}

		balance, err := s.Available(tx, userID, currency)
		if err != nil {
			return err
		}
		if balance < amount {
			return apperrors.Newf(apperrors.ErrInsufficientFunds, "可用 %d，需要 %d", balance, amount)
		}

		entry = &models.Transaction{
			UserID:      userID,
			Kind:        models.TxKindWithdraw,
			Amount:      -amount,
			Currency:    currency,
			Description: "提现",
		}
		if correlationID != "" {
			ref := correlationID
			entry.ExternalRef = &ref
		}
		return s.append(tx, entry)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// ListTransactions 分页查询用户流水，currency为空时返回全部币种
func (s *Service) ListTransactions(ctx context.Context, userID uint, currency models.Currency, pagination *repository.Pagination) ([]*models.Transaction, error) {
	if currency != "" && !currency.Valid() {
		return nil, apperrors.Newf(apperrors.ErrUnknownCurrency, "币种: %q", string(currency))
	}
	return s.repos.Ledger().FindByUserID(ctx, userID, currency, pagination)
}

// GameExposure 对局已完成流水之和
func (s *Service) GameExposure(ctx context.Context, gameID uint) (int64, error) {
	return s.repos.Ledger().SumGameCompleted(ctx, gameID)
}

// Audit 校验用户所有币种的快照与推导余额
func (s *Service) Audit(ctx context.Context, userID uint) error {
	wallet, err := s.repos.Wallet().FindByUserID(ctx, userID)
	if err != nil {
		return err
	}
	for c, snapshot := range wallet.Balances() {
		derived, err := s.repos.Ledger().SumCompleted(ctx, userID, c)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrDatabaseQuery, "查询余额失败")
		}
		if derived != snapshot {
			return s.violation(InvariantSnapshotMismatch,
				fmt.Sprintf("快照与流水不一致: user=%d currency=%s snapshot=%d derived=%d", userID, c, snapshot, derived),
				zap.Uint("user_id", userID))
		}
	}
	return nil
}

// append 追加流水，计入余额的流水同步更新快照
func (s *Service) append(tx *repository.Transaction, entry *models.Transaction) error {
	ctx := tx.Context()
	if !entry.Currency.Valid() {
		return apperrors.Newf(apperrors.ErrUnknownCurrency, "币种: %q", string(entry.Currency))
	}
	if entry.Status == "" {
		entry.Status = models.TxStatusCompleted
	}

	if err := tx.Ledger().Create(ctx, entry); err != nil {
		return apperrors.Wrap(err, apperrors.ErrDatabaseInsert, "写入流水失败")
	}
	if entry.Counts() {
		if err := tx.Wallet().AddBalance(ctx, entry.UserID, entry.Currency, entry.Amount); err != nil {
			return err
		}
	}

	metrics.LedgerEntriesTotal.WithLabelValues(entry.Kind, string(entry.Currency)).Inc()
	logger.LogLedgerEntry(s.logger, entry.Kind, entry.UserID, entry.Amount, string(entry.Currency), entry.GameID)
	return nil
}

func (s *Service) checkExposure(tx *repository.Transaction, gameID uint) error {
	exposure, err := tx.Ledger().SumGameCompleted(tx.Context(), gameID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrDatabaseQuery, "查询对局敞口失败")
	}
	if exposure != 0 {
		return s.violation(InvariantGameExposure,
			fmt.Sprintf("对局 %d 结算后敞口为 %d", gameID, exposure),
			zap.Uint("game_id", gameID))
	}
	return nil
}

func (s *Service) violation(invariant, msg string, fields ...zap.Field) error {
	err := apperrors.New(apperrors.ErrInvariantViolation, msg)
	metrics.InvariantViolations.WithLabelValues(invariant).Inc()
	logger.LogInvariantViolation(s.logger, invariant, err, fields...)
	return err
}
