package repository

import (
	"context"
	"sync"

	"gorm.io/gorm"
)

// Manager 仓储管理器，提供所有仓储的统一访问接口
type Manager struct {
	db *gorm.DB

	txManager TransactionManager

	// 仓储实例（懒加载）
	userOnce sync.Once
	user     UserRepository

	walletOnce sync.Once
	wallet     WalletRepository

	ledgerOnce sync.Once
	ledger     LedgerEntryRepository

	gameOnce sync.Once
	game     GameRepository

	moveOnce sync.Once
	move     MoveRepository

	pendingOnce sync.Once
	pending     PendingDeclarationRepository
}

// NewManager 创建仓储管理器
func NewManager(db *gorm.DB) *Manager {
	return &Manager{
		db:        db,
		txManager: NewTransactionManager(db),
	}
}

// GetDB 获取数据库实例
func (m *Manager) GetDB() *gorm.DB {
	return m.db
}

// Transaction 获取事务管理器
func (m *Manager) Transaction() TransactionManager {
	return m.txManager
}

// User 获取用户仓储
func (m *Manager) User() UserRepository {
	m.userOnce.Do(func() {
		m.user = NewUserRepository(m.db)
	})
	return m.user
}

// Wallet 获取钱包仓储
func (m *Manager) Wallet() WalletRepository {
	m.walletOnce.Do(func() {
		m.wallet = NewWalletRepository(m.db)
	})
	return m.wallet
}

// Ledger 获取流水仓储
func (m *Manager) Ledger() LedgerEntryRepository {
	m.ledgerOnce.Do(func() {
		m.ledger = NewLedgerEntryRepository(m.db)
	})
	return m.ledger
}

// Game 获取对局仓储
func (m *Manager) Game() GameRepository {
	m.gameOnce.Do(func() {
		m.game = NewGameRepository(m.db)
	})
	return m.game
}

// Move 获取着法仓储
func (m *Manager) Move() MoveRepository {
	m.moveOnce.Do(func() {
		m.move = NewMoveRepository(m.db)
	})
	return m.move
}

// PendingDeclaration 获取待重试声明仓储
func (m *Manager) PendingDeclaration() PendingDeclarationRepository {
	m.pendingOnce.Do(func() {
		m.pending = NewPendingDeclarationRepository(m.db)
	})
	return m.pending
}

// WithTransaction 在事务中执行操作
func (m *Manager) WithTransaction(ctx context.Context, fn func(tx *Transaction) error) error {
	return m.txManager.WithTransaction(ctx, fn)
}

// WithReadOnlyTransaction 在只读事务中执行操作
func (m *Manager) WithReadOnlyTransaction(ctx context.Context, fn func(tx *Transaction) error) error {
	return m.txManager.WithTransactionOptions(ctx, &TxOptions{ReadOnly: true}, fn)
}
