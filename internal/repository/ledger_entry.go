package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/Ivaniiiii/ChessInBse/internal/models"
)

// LedgerEntryRepository 账本流水仓储接口，只追加不修改
type LedgerEntryRepository interface {
	BaseRepository
	Create(ctx context.Context, entry *models.Transaction) error
	FindByExternalRef(ctx context.Context, ref string) (*models.Transaction, error)
	SumCompleted(ctx context.Context, userID uint, currency models.Currency) (int64, error)
	SumGameCompleted(ctx context.Context, gameID uint) (int64, error)
	SumGameByKind(ctx context.Context, gameID uint, kind string) (int64, error)
	CountGameByKind(ctx context.Context, gameID uint, kind string) (int64, error)
	FindByGameID(ctx context.Context, gameID uint) ([]*models.Transaction, error)
	FindByUserID(ctx context.Context, userID uint, currency models.Currency, pagination *Pagination) ([]*models.Transaction, error)
}

// ledgerEntryRepo 流水仓储实现
type ledgerEntryRepo struct {
	*BaseRepo
}

// NewLedgerEntryRepository 创建流水仓储
func NewLedgerEntryRepository(db *gorm.DB) LedgerEntryRepository {
	return &ledgerEntryRepo{
		BaseRepo: &BaseRepo{db: db},
	}
}

// Create 追加流水
func (r *ledgerEntryRepo) Create(ctx context.Context, entry *models.Transaction) error {
	if entry.Status == "" {
		entry.Status = models.TxStatusCompleted
	}
	return r.db.WithContext(ctx).Create(entry).Error
}

// FindByExternalRef 根据外部关联号查找
func (r *ledgerEntryRepo) FindByExternalRef(ctx context.Context, ref string) (*models.Transaction, error) {
	var entry models.Transaction
	if err := r.db.WithContext(ctx).Where("external_ref = ?", ref).First(&entry).Error; err != nil {
		return nil, notFound(err, "流水不存在")
	}
	return &entry, nil
}

// SumCompleted 用户在某币种下已完成流水之和，即推导余额
func (r *ledgerEntryRepo) SumCompleted(ctx context.Context, userID uint, currency models.Currency) (int64, error) {
	var sum int64
	err := r.db.WithContext(ctx).
		Model(&models.Transaction{}).
		Where("user_id = ? AND currency = ? AND status = ?", userID, currency, models.TxStatusCompleted).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&sum).Error
	return sum, err
}

// SumGameCompleted 对局敞口：该对局已完成流水之和
func (r *ledgerEntryRepo) SumGameCompleted(ctx context.Context, gameID uint) (int64, error) {
	var sum int64
	err := r.db.WithContext(ctx).
		Model(&models.Transaction{}).
		Where("game_id = ? AND status = ?", gameID, models.TxStatusCompleted).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&sum).Error
	return sum, err
}

// SumGameByKind 对局内某类流水金额之和（不区分状态）
func (r *ledgerEntryRepo) SumGameByKind(ctx context.Context, gameID uint, kind string) (int64, error) {
	var sum int64
	err := r.db.WithContext(ctx).
		Model(&models.Transaction{}).
		Where("game_id = ? AND kind = ?", gameID, kind).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&sum).Error
	return sum, err
}

// CountGameByKind 对局内某类流水条数
func (r *ledgerEntryRepo) CountGameByKind(ctx context.Context, gameID uint, kind string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Transaction{}).
		Where("game_id = ? AND kind = ?", gameID, kind).
		Count(&count).Error
	return count, err
}

// FindByGameID 对局的全部流水
func (r *ledgerEntryRepo) FindByGameID(ctx context.Context, gameID uint) ([]*models.Transaction, error) {
	var entries []*models.Transaction
	err := r.db.WithContext(ctx).
		Where("game_id = ?", gameID).
		Order("id ASC").
		Find(&entries).Error
	return entries, err
}

// FindByUserID 查找用户的流水，currency为空时不过滤币种
func (r *ledgerEntryRepo) FindByUserID(ctx context.Context, userID uint, currency models.Currency, pagination *Pagination) ([]*models.Transaction, error) {
	var entries []*models.Transaction
	query := func() *gorm.DB {
		q := r.db.WithContext(ctx).Model(&models.Transaction{}).Where("user_id = ?", userID)
		if currency != "" {
			q = q.Where("currency = ?", currency)
		}
		return q
	}

	var total int64
	if err := query().Count(&total).Error; err != nil {
		return nil, err
	}
	pagination.Total = total

	err := query().
		Scopes(Paginate(pagination)).
		Order("id DESC").
		Find(&entries).Error

	return entries, err
}

// WithTx 使用事务
func (r *ledgerEntryRepo) WithTx(tx *gorm.DB) BaseRepository {
	return &ledgerEntryRepo{
		BaseRepo: &BaseRepo{db: tx},
	}
}
