package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Ivaniiiii/ChessInBse/internal/models"
)

func TestMigrate_SeedsPlatformAccountOnce(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	require.NoError(t, Migrate(db, "house", zap.NewNop()))
	require.NoError(t, Migrate(db, "house", zap.NewNop()))

	var users []models.User
	require.NoError(t, db.Where("username = ?", "house").Find(&users).Error)
	require.Len(t, users, 1)
	assert.Equal(t, models.RolePlatform, users[0].Role)
	assert.False(t, users[0].CanLogin())

	var wallets int64
	require.NoError(t, db.Model(&models.Wallet{}).Where("user_id = ?", users[0].ID).Count(&wallets).Error)
	assert.Equal(t, int64(1), wallets)
}

func TestEnsureSQLiteDir(t *testing.T) {
	assert.NoError(t, ensureSQLiteDir(":memory:"))
	assert.NoError(t, ensureSQLiteDir("file::memory:?cache=shared"))

	dir := t.TempDir()
	assert.NoError(t, ensureSQLiteDir(dir+"/nested/db.sqlite"))
	assert.DirExists(t, dir+"/nested")
}
