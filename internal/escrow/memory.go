package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrSubmissionFailed 注入的提交失败
var ErrSubmissionFailed = errors.New("交易提交失败")

type txKind int

const (
	txCreate txKind = iota
	txJoin
	txDeclare
	txCancel
)

type pendingTx struct {
	hash   string
	kind   txKind
	id     string
	from   string
	value  int64
	winner string
	revert bool
}

// MemoryConfig 内存链配置
type MemoryConfig struct {
	Oracle        string
	BlockInterval time.Duration
	// AutoMine 每笔交易立即出块
	AutoMine bool
}

// MemoryLedger 单进程内存链，实现Ledger接口
type MemoryLedger struct {
	cfg    MemoryConfig
	logger *zap.Logger

	mu        sync.Mutex
	height    uint64
	mempool   []*pendingTx
	receipts  map[string]*Receipt
	escrows   map[string]*Record
	balances  map[string]int64
	locked    int64
	payouts   int
	newBlock  chan struct{}
	subs      []chan Event
	closed    bool
	failNext  int
	revertNxt int
}

// NewMemoryLedger 创建内存链
func NewMemoryLedger(cfg MemoryConfig, logger *zap.Logger) *MemoryLedger {
	if cfg.BlockInterval <= 0 {
		cfg.BlockInterval = 2 * time.Second
	}
	return &MemoryLedger{
		cfg:      cfg,
		logger:   logger,
		receipts: make(map[string]*Receipt),
		escrows:  make(map[string]*Record),
		balances: make(map[string]int64),
		newBlock: make(chan struct{}),
	}
}

// Run 按区块间隔出块，直到ctx结束
func (m *MemoryLedger) Run(ctx context.Context) error {
	if m.cfg.AutoMine {
		<-ctx.Done()
		m.Close()
		return nil
	}

	ticker := time.NewTicker(m.cfg.BlockInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.Close()
			return nil
		case <-ticker.C:
			m.Mine()
		}
	}
}

// Close 关闭所有订阅
func (m *MemoryLedger) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for _, ch := range m.subs {
		close(ch)
	}
	m.subs = nil
}

// Fund 给地址充值
func (m *MemoryLedger) Fund(addr string, amount int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[strings.ToLower(addr)] += amount
}

// BalanceOf 地址余额
func (m *MemoryLedger) BalanceOf(addr string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[strings.ToLower(addr)]
}

// Locked 合约中托管的总额
func (m *MemoryLedger) Locked() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked
}

// Payouts 已执行的结算次数
func (m *MemoryLedger) Payouts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.payouts
}

// Height 当前区块高度
func (m *MemoryLedger) Height() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.height
}

// FailNextDeclarations 接下来n次声明提交直接失败
func (m *MemoryLedger) FailNextDeclarations(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
}

// RevertNextDeclarations 接下来n次声明上链后回滚
func (m *MemoryLedger) RevertNextDeclarations(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revertNxt = n
}

// Subscribe 订阅事件
func (m *MemoryLedger) Subscribe() <-chan Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan Event, 64)
	if m.closed {
		close(ch)
		return ch
	}
	m.subs = append(m.subs, ch)
	return ch
}

// CreateEscrow 创建托管
func (m *MemoryLedger) CreateEscrow(ctx context.Context, id, from string, value int64) (string, error) {
	return m.submit(ctx, &pendingTx{kind: txCreate, id: id, from: from, value: value})
}

// JoinEscrow 加入托管
func (m *MemoryLedger) JoinEscrow(ctx context.Context, id, from string, value int64) (string, error) {
	return m.submit(ctx, &pendingTx{kind: txJoin, id: id, from: from, value: value})
}

// DeclareWinner 声明胜者
func (m *MemoryLedger) DeclareWinner(ctx context.Context, id, from, winner string) (string, error) {
	return m.submit(ctx, &pendingTx{kind: txDeclare, id: id, from: from, winner: winner})
}

// CancelEscrow 取消托管
func (m *MemoryLedger) CancelEscrow(ctx context.Context, id, from string) (string, error) {
	return m.submit(ctx, &pendingTx{kind: txCancel, id: id, from: from})
}

// GetEscrow 读取托管
func (m *MemoryLedger) GetEscrow(ctx context.Context, id string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.escrows[id]
	if !ok {
		return nil, ErrNoEscrow
	}
	cp := *rec
	return &cp, nil
}

// WaitForReceipt 等待回执达到确认数
func (m *MemoryLedger) WaitForReceipt(ctx context.Context, txHash string, confirmations int) (*Receipt, error) {
	if confirmations < 1 {
		confirmations = 1
	}
	for {
		m.mu.Lock()
		receipt, mined := m.receipts[txHash]
		_, queued := m.findPending(txHash)
		if !mined && !queued {
			m.mu.Unlock()
			return nil, ErrUnknownTx
		}
		if mined && m.height-receipt.BlockNumber+1 >= uint64(confirmations) {
			cp := *receipt
			m.mu.Unlock()
			return &cp, nil
		}
		wait := m.newBlock
		m.mu.Unlock()

		if m.cfg.AutoMine {
			m.Mine()
			continue
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

// Mine 打包内存池中的交易并出块
func (m *MemoryLedger) Mine() {
	m.mu.Lock()
	m.height++
	block := m.height
	txs := m.mempool
	m.mempool = nil

	var events []Event
	for _, tx := range txs {
		receipt := &Receipt{TxHash: tx.hash, BlockNumber: block}
		ev, err := m.execute(tx)
		if err != nil {
			receipt.Reverted = true
			receipt.Reason = err.Error()
			m.logger.Debug("交易回滚",
				zap.String("tx_hash", tx.hash),
				zap.String("escrow_id", tx.id),
				zap.Error(err))
		} else {
			ev.TxHash = tx.hash
			ev.BlockNumber = block
			events = append(events, *ev)
		}
		m.receipts[tx.hash] = receipt
	}

	close(m.newBlock)
	m.newBlock = make(chan struct{})

	for _, ev := range events {
		for _, ch := range m.subs {
			select {
			case ch <- ev:
			default:
				m.logger.Warn("事件订阅缓冲已满，丢弃事件",
					zap.String("kind", string(ev.Kind)),
					zap.String("escrow_id", ev.EscrowID))
			}
		}
	}
	m.mu.Unlock()
}

func (m *MemoryLedger) submit(ctx context.Context, tx *pendingTx) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	if tx.kind == txDeclare {
		if m.failNext > 0 {
			m.failNext--
			m.mu.Unlock()
			return "", ErrSubmissionFailed
		}
		if m.revertNxt > 0 {
			m.revertNxt--
			tx.revert = true
		}
	}
	tx.from = strings.ToLower(tx.from)
	tx.winner = strings.ToLower(tx.winner)
	tx.hash = newTxHash()
	m.mempool = append(m.mempool, tx)
	m.mu.Unlock()

	if m.cfg.AutoMine {
		m.Mine()
	}
	return tx.hash, nil
}

func (m *MemoryLedger) findPending(hash string) (*pendingTx, bool) {
	for _, tx := range m.mempool {
		if tx.hash == hash {
			return tx, true
		}
	}
	return nil, false
}

// execute 在持锁状态下执行交易，失败时不修改任何状态
func (m *MemoryLedger) execute(tx *pendingTx) (*Event, error) {
	if tx.revert {
		return nil, errors.New("执行被回滚")
	}

	switch tx.kind {
	case txCreate:
		if _, exists := m.escrows[tx.id]; exists {
			return nil, fmt.Errorf("托管 %s 已存在", tx.id)
		}
		if tx.value <= 0 {
			return nil, errors.New("押注必须为正数")
		}
		if m.balances[tx.from] < tx.value {
			return nil, errors.New("余额不足")
		}
		m.balances[tx.from] -= tx.value
		m.locked += tx.value
		m.escrows[tx.id] = &Record{
			ID:        tx.id,
			Player1:   tx.from,
			Stake:     tx.value,
			Status:    StatusWaitingForPlayer,
			CreatedAt: time.Now(),
		}
		return &Event{Kind: EventCreated, EscrowID: tx.id, Address: tx.from, Amount: tx.value}, nil

	case txJoin:
		rec, ok := m.escrows[tx.id]
		if !ok {
			return nil, ErrNoEscrow
		}
		if rec.Status != StatusWaitingForPlayer {
			return nil, fmt.Errorf("无法加入，当前状态 %s", rec.Status)
		}
		if tx.from == rec.Player1 {
			return nil, errors.New("不能加入自己创建的托管")
		}
		if tx.value != rec.Stake {
			return nil, errors.New("金额与押注不一致")
		}
		if m.balances[tx.from] < tx.value {
			return nil, errors.New("余额不足")
		}
		m.balances[tx.from] -= tx.value
		m.locked += tx.value
		rec.Player2 = tx.from
		rec.Status = StatusInProgress
		return &Event{Kind: EventJoined, EscrowID: tx.id, Address: tx.from, Amount: tx.value}, nil

	case txDeclare:
		rec, ok := m.escrows[tx.id]
		if !ok {
			return nil, ErrNoEscrow
		}
		if tx.from != strings.ToLower(m.cfg.Oracle) {
			return nil, errors.New("仅预言机可声明结果")
		}
		if rec.Status != StatusInProgress {
			return nil, fmt.Errorf("无法声明，当前状态 %s", rec.Status)
		}
		pot := rec.Stake * 2
		switch {
		case tx.winner == DrawSentinel:
			m.balances[rec.Player1] += rec.Stake
			m.balances[rec.Player2] += rec.Stake
		case rec.IsParticipant(tx.winner):
			m.balances[tx.winner] += pot
		default:
			return nil, errors.New("获胜地址不是参与者")
		}
		m.locked -= pot
		m.payouts++
		rec.Status = StatusFinished
		rec.Winner = tx.winner
		rec.SettleTxHash = tx.hash
		return &Event{Kind: EventFinished, EscrowID: tx.id, Address: tx.winner, Amount: pot}, nil

	case txCancel:
		rec, ok := m.escrows[tx.id]
		if !ok {
			return nil, ErrNoEscrow
		}
		if tx.from != rec.Player1 && tx.from != strings.ToLower(m.cfg.Oracle) {
			return nil, errors.New("无权取消")
		}
		if rec.Status != StatusWaitingForPlayer {
			return nil, fmt.Errorf("无法取消，当前状态 %s", rec.Status)
		}
		m.balances[rec.Player1] += rec.Stake
		m.locked -= rec.Stake
		rec.Status = StatusCancelled
		return &Event{Kind: EventCancelled, EscrowID: tx.id, Address: tx.from, Amount: rec.Stake}, nil
	}

	return nil, errors.New("未知交易类型")
}

func newTxHash() string {
	a, b := uuid.New(), uuid.New()
	return fmt.Sprintf("0x%x%x", a[:], b[:])
}
