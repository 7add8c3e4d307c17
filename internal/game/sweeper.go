package game

import (
	"context"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/Ivaniiiii/ChessInBse/internal/errors"
	"github.com/Ivaniiiii/ChessInBse/internal/models"
)

const sweepBatchSize = 100

// Sweeper 超时清理任务：取消加入超时的对局，强制结束长时间无活动的对局
type Sweeper struct {
	svc      *GameService
	interval time.Duration
	logger   *zap.Logger
}

// NewSweeper 创建清理任务
func NewSweeper(svc *GameService, logger *zap.Logger) *Sweeper {
	interval := svc.cfg.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{
		svc:      svc,
		interval: interval,
		logger:   logger,
	}
}

// Run 启动清理循环，直到ctx结束
func (sw *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			sw.logger.Info("停止对局清理任务")
			return nil
		case <-ticker.C:
			sw.SweepOnce(ctx)
		}
	}
}

// SweepOnce 执行一轮清理，返回取消与强制结束的数量
func (sw *Sweeper) SweepOnce(ctx context.Context) (cancelled, finished int) {
	now := sw.svc.now()

	if timeout := sw.svc.cfg.JoinTimeout; timeout > 0 {
		games, err := sw.svc.repos.Game().FindByStatusBefore(ctx, models.GameStatusWaiting, now.Add(-timeout), sweepBatchSize)
		if err != nil {
			sw.logger.Error("查询超时等待对局失败", zap.Error(err))
		}
		for _, g := range games {
			if ctx.Err() != nil {
				return
			}
			if _, err := sw.svc.CancelGame(ctx, g.ID, SystemRequester); err != nil {
				sw.logSkip("取消超时对局失败", g, err)
				continue
			}
			cancelled++
		}
	}

	if timeout := sw.svc.cfg.GameTimeout; timeout > 0 {
		games, err := sw.svc.repos.Game().FindByStatusBefore(ctx, models.GameStatusInProgress, now.Add(-timeout), sweepBatchSize)
		if err != nil {
			sw.logger.Error("查询超时进行中对局失败", zap.Error(err))
		}
		for _, g := range games {
			if ctx.Err() != nil {
				return
			}
			if _, err := sw.svc.ForceFinish(ctx, g.ID, SystemRequester); err != nil {
				sw.logSkip("强制结束超时对局失败", g, err)
				continue
			}
			finished++
		}
	}

	if cancelled > 0 || finished > 0 {
		sw.logger.Info("清理超时对局",
			zap.Int("cancelled", cancelled),
			zap.Int("force_finished", finished))
	}
	return
}

// logSkip 查询与加锁之间对局可能已被玩家操作，这类冲突只记调试日志
func (sw *Sweeper) logSkip(msg string, g *models.Game, err error) {
	switch apperrors.GetCode(err) {
	case apperrors.ErrGameConflict, apperrors.ErrGameNotExpired:
		sw.logger.Debug(msg, zap.Uint("game_id", g.ID), zap.Error(err))
	default:
		sw.logger.Error(msg, zap.Uint("game_id", g.ID), zap.Error(err))
	}
}
