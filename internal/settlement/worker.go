package settlement

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Ivaniiiii/ChessInBse/internal/config"
	apperrors "github.com/Ivaniiiii/ChessInBse/internal/errors"
	"github.com/Ivaniiiii/ChessInBse/internal/escrow"
	"github.com/Ivaniiiii/ChessInBse/internal/metrics"
	"github.com/Ivaniiiii/ChessInBse/internal/models"
	"github.com/Ivaniiiii/ChessInBse/internal/repository"
)

const retryBatchSize = 100

// RetryWorker 轮询待重试队列并重新声明
type RetryWorker struct {
	rec    *Reconciler
	repos  *repository.Manager
	cfg    config.SettlementConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewRetryWorker 创建重试任务
func NewRetryWorker(rec *Reconciler, repos *repository.Manager, cfg config.SettlementConfig, log *zap.Logger) *RetryWorker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &RetryWorker{
		rec:    rec,
		repos:  repos,
		cfg:    cfg,
		logger: log,
		now:    time.Now,
	}
}

// Run 按poll_interval轮询，直到ctx结束
func (w *RetryWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	w.logger.Info("结算重试任务启动",
		zap.Duration("poll_interval", w.cfg.PollInterval),
		zap.Duration("retry_delay", w.cfg.RetryDelay),
		zap.Int("max_attempts", w.cfg.MaxAttempts))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("结算重试任务停止")
			return nil
		case <-ticker.C:
			if _, err := w.RunOnce(ctx); err != nil {
				w.logger.Error("处理待重试声明失败", zap.Error(err))
			}
		}
	}
}

// RunOnce 处理一轮到期记录，返回成功数量
func (w *RetryWorker) RunOnce(ctx context.Context) (int, error) {
	due, err := w.repos.PendingDeclaration().ListDue(ctx, w.now().Add(-w.cfg.RetryDelay), retryBatchSize)
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrDatabaseQuery, "查询待重试声明失败")
	}

	settled := 0
	for _, p := range due {
		if ctx.Err() != nil {
			break
		}
		if w.process(ctx, p) {
			settled++
		}
	}

	w.rec.refreshPendingGauge(ctx)
	return settled, nil
}

func (w *RetryWorker) process(ctx context.Context, p *models.PendingDeclaration) bool {
	log := w.logger.With(
		zap.Uint("game_id", p.GameID),
		zap.String("external_game_id", p.ExternalGameID),
		zap.Int("attempts", p.Attempts))

	_, err := w.rec.DeclareWinner(ctx, p.GameID, p.ExternalGameID, p.WinnerWallet)
	if err == nil {
		w.remove(ctx, p)
		log.Info("重试声明成功")
		return true
	}

	// 之前的尝试可能已上链但未等到确认
	if apperrors.Is(err, apperrors.ErrEscrowConflict) && w.rec.adoptFinished(ctx, p.GameID, p.ExternalGameID, p.WinnerWallet) {
		w.remove(ctx, p)
		log.Info("托管已按相同结果结束，视为结算完成")
		return true
	}

	// 停机中断不计入重试次数
	if ctx.Err() != nil {
		return false
	}

	if !apperrors.IsRetryable(err) {
		w.escalate(ctx, p, err)
		return false
	}

	if recErr := w.repos.PendingDeclaration().RecordFailure(ctx, p.ID, w.now(), err.Error()); recErr != nil {
		log.Error("记录重试失败出错", zap.Error(recErr))
		return false
	}
	if p.Attempts+1 >= w.cfg.MaxAttempts {
		w.escalate(ctx, p, err)
		return false
	}

	log.Warn("重试声明失败，稍后再试", zap.Error(err))
	return false
}

func (w *RetryWorker) remove(ctx context.Context, p *models.PendingDeclaration) {
	if err := w.repos.PendingDeclaration().Delete(ctx, p.ID); err != nil {
		w.logger.Error("删除待重试声明失败", zap.Uint("game_id", p.GameID), zap.Error(err))
	}
}

func (w *RetryWorker) escalate(ctx context.Context, p *models.PendingDeclaration, cause error) {
	w.remove(ctx, p)
	w.rec.MarkAttention(ctx, p.GameID, cause)
}

// EventListener 消费托管账本事件
type EventListener struct {
	ledger escrow.Ledger
	repos  *repository.Manager
	logger *zap.Logger
}

// NewEventListener 创建事件监听
func NewEventListener(ledger escrow.Ledger, repos *repository.Manager, log *zap.Logger) *EventListener {
	return &EventListener{ledger: ledger, repos: repos, logger: log}
}

// Run 读取事件直到订阅关闭或ctx结束
func (l *EventListener) Run(ctx context.Context) error {
	events := l.ledger.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			l.handle(ctx, ev)
		}
	}
}

func (l *EventListener) handle(ctx context.Context, ev escrow.Event) {
	metrics.EscrowEvents.WithLabelValues(string(ev.Kind)).Inc()

	fields := []zap.Field{
		zap.String("kind", string(ev.Kind)),
		zap.String("escrow_id", ev.EscrowID),
		zap.String("tx_hash", ev.TxHash),
		zap.Uint64("block", ev.BlockNumber),
		zap.String("address", ev.Address),
		zap.Int64("amount", ev.Amount),
	}

	game, err := l.repos.Game().FindByExternalID(ctx, ev.EscrowID)
	if err != nil {
		l.logger.Warn("收到未知对局的托管事件", fields...)
		return
	}
	fields = append(fields, zap.Uint("game_id", game.ID), zap.String("settlement_status", game.SettlementStatus))
	l.logger.Info("托管事件", fields...)
}
