package database

import (
	"context"
	"errors"
	"os"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	apperrors "github.com/Ivaniiiii/ChessInBse/internal/errors"
)

const (
	lockSuffix     = ".migration.lock"
	lockStaleAfter = 5 * time.Minute
	lockRetry      = 500 * time.Millisecond
)

// fileLock 同一个sqlite文件的迁移互斥锁，多个服务进程共享数据目录时使用
type fileLock struct {
	path string
	file *os.File
	log  *zap.Logger
}

// acquireFileLock 以独占方式创建锁文件，直到成功、ctx结束或等待超时。
// 超过lockStaleAfter未更新的锁视为上一个进程崩溃遗留，会被移除
func acquireFileLock(ctx context.Context, dbFile string, wait time.Duration, log *zap.Logger) (*fileLock, error) {
	path := dbFile + lockSuffix
	deadline := time.Now().Add(wait)

	for attempt := 1; ; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
		if err == nil {
			log.Debug("获取迁移锁成功", zap.String("lock", path))
			return &fileLock{path: path, file: f, log: log}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, apperrors.Wrap(err, apperrors.ErrDatabaseConnect, "创建迁移锁失败")
		}

		if info, statErr := os.Stat(path); statErr == nil && time.Since(info.ModTime()) > lockStaleAfter {
			log.Warn("迁移锁已过期，移除后重试", zap.String("lock", path))
			_ = os.Remove(path)
			continue
		}

		if time.Now().After(deadline) {
			return nil, apperrors.Newf(apperrors.ErrDatabaseConnect, "等待迁移锁超时: %s", path)
		}

		log.Debug("等待迁移锁", zap.String("lock", path), zap.Int("attempt", attempt))
		select {
		case <-ctx.Done():
			return nil, apperrors.Wrap(ctx.Err(), apperrors.ErrCanceled, "等待迁移锁被取消")
		case <-time.After(lockRetry):
		}
	}
}

// Release 释放锁，可重复调用
func (l *fileLock) Release() {
	if l == nil || l.file == nil {
		return
	}
	_ = l.file.Close()
	_ = os.Remove(l.path)
	l.file = nil
	l.log.Debug("释放迁移锁", zap.String("lock", l.path))
}

// sqliteFile 返回sqlite主库文件路径。非sqlite或内存库返回空串
func sqliteFile(db *gorm.DB) string {
	if db == nil || db.Dialector.Name() != "sqlite" {
		return ""
	}
	sqlDB, err := db.DB()
	if err != nil {
		return ""
	}

	var (
		seq        int
		name, file string
	)
	if err := sqlDB.QueryRow("PRAGMA database_list").Scan(&seq, &name, &file); err != nil {
		return ""
	}
	return file
}
