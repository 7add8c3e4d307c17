package database

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Ivaniiiii/ChessInBse/internal/logger"
	"github.com/Ivaniiiii/ChessInBse/internal/models"
)

// Models 需要迁移的模型
func Models() []interface{} {
	return []interface{}{
		&models.User{},
		&models.Wallet{},
		&models.Game{},
		&models.Move{},
		&models.Transaction{},
		&models.PendingDeclaration{},
	}
}

// AutoMigrate 自动迁移全局数据库并初始化平台账户
func AutoMigrate(platformAccount string) error {
	if DB == nil {
		return fmt.Errorf("数据库未初始化")
	}
	log := logger.WithModule("database")

	// 多个进程共用同一个sqlite文件时串行迁移
	if file := sqliteFile(DB); file != "" {
		lock, err := acquireFileLock(context.Background(), file, 30*time.Second, log)
		if err != nil {
			log.Error("无法获取迁移锁", zap.Error(err))
			return err
		}
		defer lock.Release()
	}

	return Migrate(DB, platformAccount, log)
}

// Migrate 在指定连接上迁移表结构、创建索引并写入默认数据
func Migrate(db *gorm.DB, platformAccount string, log *zap.Logger) error {
	log.Info("开始数据库迁移...")

	for _, model := range Models() {
		if err := db.AutoMigrate(model); err != nil {
			log.Error("迁移失败",
				zap.String("model", fmt.Sprintf("%T", model)),
				zap.Error(err),
			)
			return err
		}
	}

	createIndexes(db, log)

	if err := initDefaultData(db, platformAccount, log); err != nil {
		return err
	}

	log.Info("数据库迁移完成")
	return nil
}

// createIndexes 创建模型标签之外的查询索引
func createIndexes(db *gorm.DB, log *zap.Logger) {
	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_transactions_game_status ON transactions(game_id, status)",
		"CREATE INDEX IF NOT EXISTS idx_transactions_created_at ON transactions(created_at)",
		"CREATE INDEX IF NOT EXISTS idx_games_status_activity ON games(status, last_activity_at)",
		"CREATE INDEX IF NOT EXISTS idx_pending_declarations_last_attempt ON pending_declarations(last_attempt_at)",
	}
	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			log.Warn("创建索引失败", zap.String("index", idx), zap.Error(err))
		}
	}
}

// initDefaultData 写入平台抽成账户及其钱包
func initDefaultData(db *gorm.DB, platformAccount string, log *zap.Logger) error {
	var count int64
	if err := db.Model(&models.User{}).Where("username = ?", platformAccount).Count(&count).Error; err != nil {
		return fmt.Errorf("查询平台账户失败: %w", err)
	}
	if count > 0 {
		return nil
	}

	return db.Transaction(func(tx *gorm.DB) error {
		platform := &models.User{
			Username:     platformAccount,
			PasswordHash: "!",
			Role:         models.RolePlatform,
		}
		if err := tx.Create(platform).Error; err != nil {
			return fmt.Errorf("创建平台账户失败: %w", err)
		}
		if err := tx.Create(&models.Wallet{UserID: platform.ID}).Error; err != nil {
			return fmt.Errorf("创建平台钱包失败: %w", err)
		}
		log.Info("平台账户已创建", zap.String("username", platformAccount), zap.Uint("user_id", platform.ID))
		return nil
	})
}

// DropAllTables 删除所有表（仅用于测试环境）
func DropAllTables(db *gorm.DB) error {
	for _, model := range Models() {
		if err := db.Migrator().DropTable(model); err != nil {
			return err
		}
	}
	return nil
}
