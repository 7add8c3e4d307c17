package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Ivaniiiii/ChessInBse/internal/models"
)

// PendingDeclarationRepository 待重试声明仓储接口
type PendingDeclarationRepository interface {
	BaseRepository
	// Enqueue 插入待重试记录，同一对局已存在时保留原记录
	Enqueue(ctx context.Context, p *models.PendingDeclaration) error
	FindByGameID(ctx context.Context, gameID uint) (*models.PendingDeclaration, error)
	ListAll(ctx context.Context) ([]*models.PendingDeclaration, error)
	ListDue(ctx context.Context, before time.Time, limit int) ([]*models.PendingDeclaration, error)
	RecordFailure(ctx context.Context, id uint, at time.Time, errMsg string) error
	Delete(ctx context.Context, id uint) error
	Count(ctx context.Context) (int64, error)
}

// pendingDeclarationRepo 待重试声明仓储实现
type pendingDeclarationRepo struct {
	*BaseRepo
}

// NewPendingDeclarationRepository 创建待重试声明仓储
func NewPendingDeclarationRepository(db *gorm.DB) PendingDeclarationRepository {
	return &pendingDeclarationRepo{
		BaseRepo: &BaseRepo{db: db},
	}
}

// Enqueue 插入待重试记录
func (r *pendingDeclarationRepo) Enqueue(ctx context.Context, p *models.PendingDeclaration) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "game_id"}}, DoNothing: true}).
		Create(p).Error
}

// FindByGameID 根据对局查找
func (r *pendingDeclarationRepo) FindByGameID(ctx context.Context, gameID uint) (*models.PendingDeclaration, error) {
	var p models.PendingDeclaration
	if err := r.db.WithContext(ctx).Where("game_id = ?", gameID).First(&p).Error; err != nil {
		return nil, notFound(err, "待重试声明不存在")
	}
	return &p, nil
}

// ListAll 全部待重试记录
func (r *pendingDeclarationRepo) ListAll(ctx context.Context) ([]*models.PendingDeclaration, error) {
	var list []*models.PendingDeclaration
	err := r.db.WithContext(ctx).Order("id ASC").Find(&list).Error
	return list, err
}

// ListDue 从未尝试或上次尝试早于before的记录
func (r *pendingDeclarationRepo) ListDue(ctx context.Context, before time.Time, limit int) ([]*models.PendingDeclaration, error) {
	var list []*models.PendingDeclaration
	err := r.db.WithContext(ctx).
		Where("last_attempt_at IS NULL OR last_attempt_at <= ?", before).
		Order("id ASC").
		Limit(limit).
		Find(&list).Error
	return list, err
}

// RecordFailure 记录一次失败的尝试
func (r *pendingDeclarationRepo) RecordFailure(ctx context.Context, id uint, at time.Time, errMsg string) error {
	if r := []rune(errMsg); len(r) > 500 {
		errMsg = string(r[:500])
	}
	return r.db.WithContext(ctx).
		Model(&models.PendingDeclaration{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"attempts":        gorm.Expr("attempts + 1"),
			"last_attempt_at": at,
			"last_error":      errMsg,
		}).Error
}

// Delete 删除记录
func (r *pendingDeclarationRepo) Delete(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Delete(&models.PendingDeclaration{}, id).Error
}

// Count 待重试记录数
func (r *pendingDeclarationRepo) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.PendingDeclaration{}).Count(&count).Error
	return count, err
}

// WithTx 使用事务
func (r *pendingDeclarationRepo) WithTx(tx *gorm.DB) BaseRepository {
	return &pendingDeclarationRepo{
		BaseRepo: &BaseRepo{db: tx},
	}
}
