package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Ivaniiiii/ChessInBse/internal/models"
)

// GameRepository 对局仓储接口
type GameRepository interface {
	BaseRepository
	Create(ctx context.Context, game *models.Game) error
	Update(ctx context.Context, game *models.Game) error
	FindByID(ctx context.Context, id uint) (*models.Game, error)
	FindByExternalID(ctx context.Context, externalID string) (*models.Game, error)
	LockForUpdate(ctx context.Context, id uint) (*models.Game, error)
	ListOpen(ctx context.Context, pagination *Pagination) ([]*models.Game, error)
	FindByStatusBefore(ctx context.Context, status string, before time.Time, limit int) ([]*models.Game, error)
	FindBySettlementStatus(ctx context.Context, settlementStatus string) ([]*models.Game, error)
	UpdateSettlement(ctx context.Context, id uint, updates map[string]interface{}) error
}

// gameRepo 对局仓储实现
type gameRepo struct {
	*BaseRepo
}

// NewGameRepository 创建对局仓储
func NewGameRepository(db *gorm.DB) GameRepository {
	return &gameRepo{
		BaseRepo: &BaseRepo{db: db},
	}
}

// Create 创建对局
func (r *gameRepo) Create(ctx context.Context, game *models.Game) error {
	return r.db.WithContext(ctx).Create(game).Error
}

// Update 更新对局
func (r *gameRepo) Update(ctx context.Context, game *models.Game) error {
	return r.db.WithContext(ctx).Save(game).Error
}

// FindByID 根据ID查找对局
func (r *gameRepo) FindByID(ctx context.Context, id uint) (*models.Game, error) {
	var game models.Game
	if err := r.db.WithContext(ctx).First(&game, id).Error; err != nil {
		return nil, notFound(err, "对局不存在")
	}
	return &game, nil
}

// FindByExternalID 根据外部对局ID查找
func (r *gameRepo) FindByExternalID(ctx context.Context, externalID string) (*models.Game, error) {
	var game models.Game
	if err := r.db.WithContext(ctx).Where("external_game_id = ?", externalID).First(&game).Error; err != nil {
		return nil, notFound(err, "对局不存在")
	}
	return &game, nil
}

// LockForUpdate 锁定对局行
func (r *gameRepo) LockForUpdate(ctx context.Context, id uint) (*models.Game, error) {
	var game models.Game
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&game, id).Error
	if err != nil {
		return nil, notFound(err, "对局不存在")
	}
	return &game, nil
}

// ListOpen 等待加入的对局
func (r *gameRepo) ListOpen(ctx context.Context, pagination *Pagination) ([]*models.Game, error) {
	var games []*models.Game

	var total int64
	if err := r.db.WithContext(ctx).Model(&models.Game{}).
		Where("status = ?", models.GameStatusWaiting).
		Count(&total).Error; err != nil {
		return nil, err
	}
	pagination.Total = total

	err := r.db.WithContext(ctx).
		Where("status = ?", models.GameStatusWaiting).
		Scopes(Paginate(pagination)).
		Order("created_at DESC").
		Find(&games).Error

	return games, err
}

// FindByStatusBefore 指定状态且最后活动早于before的对局，用于超时清理
func (r *gameRepo) FindByStatusBefore(ctx context.Context, status string, before time.Time, limit int) ([]*models.Game, error) {
	var games []*models.Game
	err := r.db.WithContext(ctx).
		Where("status = ? AND last_activity_at < ?", status, before).
		Order("last_activity_at ASC").
		Limit(limit).
		Find(&games).Error
	return games, err
}

// FindBySettlementStatus 按结算状态查找
func (r *gameRepo) FindBySettlementStatus(ctx context.Context, settlementStatus string) ([]*models.Game, error) {
	var games []*models.Game
	err := r.db.WithContext(ctx).
		Where("settlement_status = ?", settlementStatus).
		Order("updated_at DESC").
		Find(&games).Error
	return games, err
}

// UpdateSettlement 只更新结算相关字段
func (r *gameRepo) UpdateSettlement(ctx context.Context, id uint, updates map[string]interface{}) error {
	result := r.db.WithContext(ctx).
		Model(&models.Game{}).
		Where("id = ?", id).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return notFound(gorm.ErrRecordNotFound, "对局不存在")
	}
	return nil
}

// WithTx 使用事务
func (r *gameRepo) WithTx(tx *gorm.DB) BaseRepository {
	return &gameRepo{
		BaseRepo: &BaseRepo{db: tx},
	}
}

// MoveRepository 着法仓储接口
type MoveRepository interface {
	BaseRepository
	Create(ctx context.Context, move *models.Move) error
	FindByGameID(ctx context.Context, gameID uint) ([]*models.Move, error)
	LastSeq(ctx context.Context, gameID uint) (int, error)
}

// moveRepo 着法仓储实现
type moveRepo struct {
	*BaseRepo
}

// NewMoveRepository 创建着法仓储
func NewMoveRepository(db *gorm.DB) MoveRepository {
	return &moveRepo{
		BaseRepo: &BaseRepo{db: db},
	}
}

// Create 记录着法
func (r *moveRepo) Create(ctx context.Context, move *models.Move) error {
	return r.db.WithContext(ctx).Create(move).Error
}

// FindByGameID 按序号返回对局全部着法
func (r *moveRepo) FindByGameID(ctx context.Context, gameID uint) ([]*models.Move, error) {
	var moves []*models.Move
	err := r.db.WithContext(ctx).
		Where("game_id = ?", gameID).
		Order("seq ASC").
		Find(&moves).Error
	return moves, err
}

// LastSeq 对局当前最大序号，没有着法时为0
func (r *moveRepo) LastSeq(ctx context.Context, gameID uint) (int, error) {
	var seq int
	err := r.db.WithContext(ctx).
		Model(&models.Move{}).
		Where("game_id = ?", gameID).
		Select("COALESCE(MAX(seq), 0)").
		Scan(&seq).Error
	return seq, err
}

// WithTx 使用事务
func (r *moveRepo) WithTx(tx *gorm.DB) BaseRepository {
	return &moveRepo{
		BaseRepo: &BaseRepo{db: tx},
	}
}
