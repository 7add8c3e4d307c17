// Package settlement 将内部结算结果同步到外部托管账本
package settlement

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/Ivaniiiii/ChessInBse/internal/config"
	apperrors "github.com/Ivaniiiii/ChessInBse/internal/errors"
	"github.com/Ivaniiiii/ChessInBse/internal/escrow"
	"github.com/Ivaniiiii/ChessInBse/internal/metrics"
	"github.com/Ivaniiiii/ChessInBse/internal/models"
	"github.com/Ivaniiiii/ChessInBse/internal/repository"
)

// Reconciler 结算协调器，所有托管写操作串行执行
type Reconciler struct {
	ledger escrow.Ledger
	repos  *repository.Manager
	cfg    config.SettlementConfig
	sem    *semaphore.Weighted
	logger *zap.Logger
}

// NewReconciler 创建结算协调器
func NewReconciler(ledger escrow.Ledger, repos *repository.Manager, cfg config.SettlementConfig, log *zap.Logger) *Reconciler {
	if cfg.Confirmations < 1 {
		cfg.Confirmations = 1
	}
	return &Reconciler{
		ledger: ledger,
		repos:  repos,
		cfg:    cfg,
		sem:    semaphore.NewWeighted(1),
		logger: log,
	}
}

// WinnerWallet 对局在托管账本上的胜者地址，无胜者时为DrawSentinel
func WinnerWallet(game *models.Game) string {
	if game.WinnerID == nil {
		return escrow.DrawSentinel
	}
	return game.WalletOf(*game.WinnerID)
}

// DeclareWinner 向托管账本声明结果并等待确认，成功后记录交易哈希
func (r *Reconciler) DeclareWinner(ctx context.Context, gameID uint, externalID, winner string) (string, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCanceled, "等待托管写入许可被取消")
	}
	defer r.sem.Release(1)

	log := r.logger.With(
		zap.Uint("game_id", gameID),
		zap.String("external_game_id", externalID),
		zap.String("winner", winner),
	)

	rec, err := r.ledger.GetEscrow(ctx, externalID)
	if err != nil {
		if errors.Is(err, escrow.ErrNoEscrow) {
			metrics.SettlementDeclarations.WithLabelValues("not_ready").Inc()
			return "", apperrors.Newf(apperrors.ErrEscrowNotReady, "托管 %s 尚未创建", externalID)
		}
		metrics.SettlementDeclarations.WithLabelValues("failure").Inc()
		return "", apperrors.Wrap(err, apperrors.ErrExternalLedger, "读取托管状态失败")
	}
	if rec.Status != escrow.StatusInProgress {
		metrics.SettlementDeclarations.WithLabelValues("conflict").Inc()
		return "", apperrors.Newf(apperrors.ErrEscrowConflict, "托管 %s 当前状态为 %s", externalID, rec.Status)
	}
	if !strings.EqualFold(winner, escrow.DrawSentinel) && !rec.IsParticipant(winner) {
		metrics.SettlementDeclarations.WithLabelValues("invalid_winner").Inc()
		return "", apperrors.Newf(apperrors.ErrInvalidWinner, "%s 不是托管 %s 的参与者", winner, externalID)
	}

	hash, err := r.submitAndWait(ctx, func(ctx context.Context) (string, error) {
		return r.ledger.DeclareWinner(ctx, externalID, r.cfg.OracleAddress, winner)
	})
	if err != nil {
		metrics.SettlementDeclarations.WithLabelValues("failure").Inc()
		log.Warn("链上声明失败", zap.Error(err))
		return "", err
	}

	err = r.repos.Game().UpdateSettlement(ctx, gameID, map[string]interface{}{
		"declare_tx_hash":   hash,
		"settlement_status": models.SettlementSettled,
		"attention_reason":  "",
	})
	if err != nil {
		// 链上已确认，本地记录失败只能人工处理
		log.Error("链上声明已确认但记录失败", zap.String("tx_hash", hash), zap.Error(err))
		return hash, apperrors.Wrap(err, apperrors.ErrDatabaseUpdate, "记录声明交易失败")
	}

	metrics.SettlementDeclarations.WithLabelValues("success").Inc()
	log.Info("链上声明已确认", zap.String("tx_hash", hash))
	return hash, nil
}

// CancelEscrow 取消等待中的托管，托管不存在时什么也不做
func (r *Reconciler) CancelEscrow(ctx context.Context, gameID uint, externalID string) (string, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCanceled, "等待托管写入许可被取消")
	}
	defer r.sem.Release(1)

	rec, err := r.ledger.GetEscrow(ctx, externalID)
	if err != nil {
		if errors.Is(err, escrow.ErrNoEscrow) {
			return "", nil
		}
		return "", apperrors.Wrap(err, apperrors.ErrExternalLedger, "读取托管状态失败")
	}
	if rec.Status != escrow.StatusWaitingForPlayer {
		return "", apperrors.Newf(apperrors.ErrEscrowConflict, "托管 %s 当前状态为 %s，无法取消", externalID, rec.Status)
	}

	hash, err := r.submitAndWait(ctx, func(ctx context.Context) (string, error) {
		return r.ledger.CancelEscrow(ctx, externalID, r.cfg.OracleAddress)
	})
	if err != nil {
		return "", err
	}

	err = r.repos.Game().UpdateSettlement(ctx, gameID, map[string]interface{}{
		"declare_tx_hash":   hash,
		"settlement_status": models.SettlementSettled,
		"attention_reason":  "",
	})
	if err != nil {
		return hash, apperrors.Wrap(err, apperrors.ErrDatabaseUpdate, "记录取消交易失败")
	}

	r.logger.Info("托管已取消", zap.Uint("game_id", gameID), zap.String("tx_hash", hash))
	return hash, nil
}

// Enqueue 写入待重试队列并标记对局为pending
func (r *Reconciler) Enqueue(ctx context.Context, gameID uint, externalID, winner string, cause error) error {
	now := time.Now()
	p := &models.PendingDeclaration{
		GameID:         gameID,
		ExternalGameID: externalID,
		WinnerWallet:   winner,
		Attempts:       1,
		LastAttemptAt:  &now,
	}
	if cause != nil {
		p.LastError = truncate(cause.Error(), 1000)
	}

	err := r.repos.WithTransaction(ctx, func(tx *repository.Transaction) error {
		if err := tx.PendingDeclaration().Enqueue(ctx, p); err != nil {
			return err
		}
		return tx.Game().UpdateSettlement(ctx, gameID, map[string]interface{}{
			"settlement_status": models.SettlementPending,
			"attention_reason":  "",
		})
	})
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrDatabaseInsert, "写入待重试声明失败")
	}

	r.refreshPendingGauge(ctx)
	r.logger.Warn("链上声明进入重试队列",
		zap.Uint("game_id", gameID),
		zap.String("external_game_id", externalID),
		zap.Error(cause))
	return nil
}

// Requeue 运维操作：重新处理attention状态的对局
func (r *Reconciler) Requeue(ctx context.Context, gameID uint) error {
	game, err := r.repos.Game().FindByID(ctx, gameID)
	if err != nil {
		return err
	}
	if game.SettlementStatus != models.SettlementAttention {
		return apperrors.Newf(apperrors.ErrGameConflict, "对局 %d 结算状态为 %s，无需重新处理", gameID, game.SettlementStatus)
	}

	switch game.Status {
	case models.GameStatusCancelled:
		if _, err := r.CancelEscrow(ctx, game.ID, game.ExternalID()); err != nil {
			r.MarkAttention(ctx, game.ID, err)
			return err
		}
		return nil
	case models.GameStatusFinished:
		return r.Enqueue(ctx, game.ID, game.ExternalID(), WinnerWallet(game), errors.New("运维重新入队"))
	default:
		return apperrors.Newf(apperrors.ErrGameConflict, "对局 %d 尚未结束", gameID)
	}
}

// MarkAttention 标记对局需要人工处理
func (r *Reconciler) MarkAttention(ctx context.Context, gameID uint, cause error) {
	reason := "未知原因"
	if cause != nil {
		reason = truncate(cause.Error(), 500)
	}
	err := r.repos.Game().UpdateSettlement(ctx, gameID, map[string]interface{}{
		"settlement_status": models.SettlementAttention,
		"attention_reason":  reason,
	})
	metrics.SettlementAttention.Inc()
	r.logger.Error("结算需要人工处理",
		zap.Uint("game_id", gameID),
		zap.String("reason", reason),
		zap.NamedError("update_error", err))
}

// ListPending 待重试声明
func (r *Reconciler) ListPending(ctx context.Context) ([]*models.PendingDeclaration, error) {
	return r.repos.PendingDeclaration().ListAll(ctx)
}

// ListAttention 需要人工处理的对局
func (r *Reconciler) ListAttention(ctx context.Context) ([]*models.Game, error) {
	return r.repos.Game().FindBySettlementStatus(ctx, models.SettlementAttention)
}

// adoptFinished 托管已按同一结果结束时，直接认定为已结算
func (r *Reconciler) adoptFinished(ctx context.Context, gameID uint, externalID, winner string) bool {
	rec, err := r.ledger.GetEscrow(ctx, externalID)
	if err != nil || rec.Status != escrow.StatusFinished || !strings.EqualFold(rec.Winner, winner) {
		return false
	}
	updates := map[string]interface{}{
		"settlement_status": models.SettlementSettled,
		"attention_reason":  "",
	}
	if rec.SettleTxHash != "" {
		updates["declare_tx_hash"] = rec.SettleTxHash
	}
	err = r.repos.Game().UpdateSettlement(ctx, gameID, updates)
	return err == nil
}

func (r *Reconciler) submitAndWait(ctx context.Context, submit func(context.Context) (string, error)) (string, error) {
	hash, err := submit(ctx)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrExternalLedger, "提交托管交易失败")
	}

	waitCtx := ctx
	if r.cfg.ConfirmTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, r.cfg.ConfirmTimeout)
		defer cancel()
	}

	receipt, err := r.ledger.WaitForReceipt(waitCtx, hash, r.cfg.Confirmations)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", apperrors.Newf(apperrors.ErrConfirmationTimeout, "交易 %s 在 %s 内未确认", hash, r.cfg.ConfirmTimeout)
		}
		return "", apperrors.Wrapf(err, apperrors.ErrExternalLedger, "等待交易 %s 回执失败", hash)
	}
	if receipt.Reverted {
		return "", apperrors.Newf(apperrors.ErrTxReverted, "交易 %s 被回滚: %s", hash, receipt.Reason)
	}
	return hash, nil
}

func (r *Reconciler) refreshPendingGauge(ctx context.Context) {
	if n, err := r.repos.PendingDeclaration().Count(ctx); err == nil {
		metrics.SettlementPending.Set(float64(n))
	}
}

func truncate(s string, max int) string {
	if rs := []rune(s); len(rs) > max {
		return string(rs[:max])
	}
	return s
}
