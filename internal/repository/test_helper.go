package repository

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Ivaniiiii/ChessInBse/internal/database"
	"github.com/Ivaniiiii/ChessInBse/internal/models"
)

// TestPlatformAccount 测试库中平台账户的用户名
const TestPlatformAccount = "platform"

// SetupTestDB 创建已迁移的内存数据库
func SetupTestDB() *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		panic(err)
	}

	// 内存库每个连接都是独立的数据库，只能保留一个连接
	sqlDB, err := db.DB()
	if err != nil {
		panic(err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := database.Migrate(db, TestPlatformAccount, zap.NewNop()); err != nil {
		panic(err)
	}

	return db
}

// CleanupTestDB 清理测试数据库
func CleanupTestDB(db *gorm.DB) {
	sqlDB, _ := db.DB()
	if sqlDB != nil {
		sqlDB.Close()
	}
}

// CreateTestUser 创建带空钱包的测试用户，wallet为空时不绑定地址
func CreateTestUser(db *gorm.DB, username, wallet string) *models.User {
	user := &models.User{
		Username:     username,
		PasswordHash: "test",
	}
	if wallet != "" {
		addr := strings.ToLower(wallet)
		user.WalletAddress = &addr
	}
	ctx := context.Background()
	if err := NewUserRepository(db).Create(ctx, user); err != nil {
		panic(err)
	}
	if err := NewWalletRepository(db).Create(ctx, &models.Wallet{UserID: user.ID}); err != nil {
		panic(err)
	}
	return user
}
