package repository

import (
	"context"
	"database/sql"
	"fmt"

	"gorm.io/gorm"
)

// TransactionManager 事务管理器接口
type TransactionManager interface {
	// Begin 开始事务
	Begin(ctx context.Context) (*Transaction, error)
	// BeginWithOptions 使用选项开始事务
	BeginWithOptions(ctx context.Context, opts *TxOptions) (*Transaction, error)
	// WithTransaction 在事务中执行函数
	WithTransaction(ctx context.Context, fn func(tx *Transaction) error) error
	// WithTransactionOptions 使用选项在事务中执行函数
	WithTransactionOptions(ctx context.Context, opts *TxOptions, fn func(tx *Transaction) error) error
}

// TxOptions 事务选项
type TxOptions struct {
	// Isolation 事务隔离级别
	Isolation sql.IsolationLevel
	// ReadOnly 是否只读事务
	ReadOnly bool
}

// Transaction 事务包装器，事务内只能使用这里返回的仓储
type Transaction struct {
	tx         *gorm.DB
	ctx        context.Context
	committed  bool
	rolledback bool

	user    UserRepository
	wallet  WalletRepository
	ledger  LedgerEntryRepository
	game    GameRepository
	move    MoveRepository
	pending PendingDeclarationRepository
}

// txManager 事务管理器实现
type txManager struct {
	db *gorm.DB
}

// NewTransactionManager 创建事务管理器
func NewTransactionManager(db *gorm.DB) TransactionManager {
	return &txManager{db: db}
}

// Begin 开始事务
func (m *txManager) Begin(ctx context.Context) (*Transaction, error) {
	return m.BeginWithOptions(ctx, nil)
}

// BeginWithOptions 使用选项开始事务
func (m *txManager) BeginWithOptions(ctx context.Context, opts *TxOptions) (*Transaction, error) {
	var sqlOpts []*sql.TxOptions
	// sqlite驱动不支持设置隔离级别
	if opts != nil && m.db.Dialector.Name() != "sqlite" {
		sqlOpts = append(sqlOpts, &sql.TxOptions{Isolation: opts.Isolation, ReadOnly: opts.ReadOnly})
	}

	tx := m.db.WithContext(ctx).Begin(sqlOpts...)
	if tx.Error != nil {
		return nil, fmt.Errorf("开始事务失败: %w", tx.Error)
	}

	return &Transaction{
		tx:  tx,
		ctx: ctx,
	}, nil
}

// WithTransaction 在事务中执行函数
func (m *txManager) WithTransaction(ctx context.Context, fn func(tx *Transaction) error) error {
	return m.WithTransactionOptions(ctx, nil, fn)
}

// WithTransactionOptions 使用选项在事务中执行函数，fn返回错误或panic时回滚
func (m *txManager) WithTransactionOptions(ctx context.Context, opts *TxOptions, fn func(tx *Transaction) error) error {
	tx, err := m.BeginWithOptions(ctx, opts)
	if err != nil {
		return err
	}

	defer func() {
		if !tx.committed && !tx.rolledback {
			tx.Rollback()
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

// Commit 提交事务
func (t *Transaction) Commit() error {
	if t.committed {
		return fmt.Errorf("事务已提交")
	}
	if t.rolledback {
		return fmt.Errorf("事务已回滚")
	}

	if err := t.tx.Commit().Error; err != nil {
		return fmt.Errorf("提交事务失败: %w", err)
	}

	t.committed = true
	return nil
}

// Rollback 回滚事务
func (t *Transaction) Rollback() error {
	if t.committed {
		return fmt.Errorf("事务已提交，无法回滚")
	}
	if t.rolledback {
		return fmt.Errorf("事务已回滚")
	}

	if err := t.tx.Rollback().Error; err != nil {
		return err
	}

	t.rolledback = true
	return nil
}

// Context 事务的上下文
func (t *Transaction) Context() context.Context {
	return t.ctx
}

// GetDB 获取事务中的数据库实例
func (t *Transaction) GetDB() *gorm.DB {
	return t.tx
}

// User 获取事务中的用户仓储
func (t *Transaction) User() UserRepository {
	if t.user == nil {
		t.user = &userRepo{BaseRepo: &BaseRepo{db: t.tx}}
	}
	return t.user
}

// Wallet 获取事务中的钱包仓储
func (t *Transaction) Wallet() WalletRepository {
	if t.wallet == nil {
		t.wallet = &walletRepo{BaseRepo: &BaseRepo{db: t.tx}}
	}
	return t.wallet
}

// Ledger 获取事务中的流水仓储
func (t *Transaction) Ledger() LedgerEntryRepository {
	if t.ledger == nil {
		t.ledger = &ledgerEntryRepo{BaseRepo: &BaseRepo{db: t.tx}}
	}
	return t.ledger
}

// Game 获取事务中的对局仓储
func (t *Transaction) Game() GameRepository {
	if t.game == nil {
		t.game = &gameRepo{BaseRepo: &BaseRepo{db: t.tx}}
	}
	return t.game
}

// Move 获取事务中的着法仓储
func (t *Transaction) Move() MoveRepository {
	if t.move == nil {
		t.move = &moveRepo{BaseRepo: &BaseRepo{db: t.tx}}
	}
	return t.move
}

// PendingDeclaration 获取事务中的待重试声明仓储
func (t *Transaction) PendingDeclaration() PendingDeclarationRepository {
	if t.pending == nil {
		t.pending = &pendingDeclarationRepo{BaseRepo: &BaseRepo{db: t.tx}}
	}
	return t.pending
}

// SavePoint 创建保存点
func (t *Transaction) SavePoint(name string) error {
	return t.tx.SavePoint(name).Error
}

// RollbackToSavePoint 回滚到保存点
func (t *Transaction) RollbackToSavePoint(name string) error {
	return t.tx.RollbackTo(name).Error
}
