package game

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Ivaniiiii/ChessInBse/internal/config"
	apperrors "github.com/Ivaniiiii/ChessInBse/internal/errors"
	"github.com/Ivaniiiii/ChessInBse/internal/escrow"
	"github.com/Ivaniiiii/ChessInBse/internal/ledger"
	"github.com/Ivaniiiii/ChessInBse/internal/models"
	"github.com/Ivaniiiii/ChessInBse/internal/repository"
	"github.com/Ivaniiiii/ChessInBse/internal/settlement"
)

const (
	oracle    = "0x00000000000000000000000000000000000000a1"
	aliceAddr = "0x000000000000000000000000000000000000a11c"
	bobAddr   = "0x0000000000000000000000000000000000000b0b"
	carolAddr = "0x00000000000000000000000000000000000ca201"
)

// 学者杀: e4 e5 Bc4 Nc6 Qh5 Nf6 Qxf7#
var scholarsMate = []struct {
	white bool
	from  string
	to    string
}{
	{true, "e2", "e4"},
	{false, "e7", "e5"},
	{true, "f1", "c4"},
	{false, "b8", "c6"},
	{true, "d1", "h5"},
	{false, "g8", "f6"},
	{true, "h5", "f7"},
}

type recordingNotifier struct {
	mu    sync.Mutex
	views []*GameView
}

func (n *recordingNotifier) NotifyGame(view *GameView) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.views = append(n.views, view)
}

func (n *recordingNotifier) last() *GameView {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.views) == 0 {
		return nil
	}
	return n.views[len(n.views)-1]
}

// blockingSettler 声明前等待放行
type blockingSettler struct {
	Settler
	entered chan struct{}
	release chan struct{}
}

func (b *blockingSettler) DeclareWinner(ctx context.Context, gameID uint, externalID, winner string) (string, error) {
	close(b.entered)
	<-b.release
	return b.Settler.DeclareWinner(ctx, gameID, externalID, winner)
}

type GameServiceTestSuite struct {
	suite.Suite
	ctx      context.Context
	db       *gorm.DB
	repos    *repository.Manager
	ledger   *ledger.Service
	chain    *escrow.MemoryLedger
	worker   *settlement.RetryWorker
	notifier *recordingNotifier
	svc      *GameService
	clock    time.Time
	alice    *models.User
	bob      *models.User
	carol    *models.User
}

func (s *GameServiceTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.db = repository.SetupTestDB()
	s.repos = repository.NewManager(s.db)

	ls, err := ledger.NewService(s.ctx, s.repos, config.LedgerConfig{
		CommissionRate:  "0.05",
		PlatformAccount: repository.TestPlatformAccount,
	}, zap.NewNop())
	s.Require().NoError(err)
	s.ledger = ls

	s.chain = escrow.NewMemoryLedger(escrow.MemoryConfig{Oracle: oracle, AutoMine: true}, zap.NewNop())
	settleCfg := config.SettlementConfig{
		Enabled:        true,
		OracleAddress:  oracle,
		Confirmations:  1,
		ConfirmTimeout: time.Second,
		MaxAttempts:    5,
		PollInterval:   10 * time.Millisecond,
	}
	rec := settlement.NewReconciler(s.chain, s.repos, settleCfg, zap.NewNop())
	s.worker = settlement.NewRetryWorker(rec, s.repos, settleCfg, zap.NewNop())

	s.notifier = &recordingNotifier{}
	s.svc = NewGameService(&GameServiceConfig{
		Repos:    s.repos,
		Ledger:   s.ledger,
		Settler:  rec,
		Notifier: s.notifier,
		Game: config.GameConfig{
			JoinTimeout:   10 * time.Minute,
			GameTimeout:   30 * time.Minute,
			SweepInterval: 10 * time.Millisecond,
		},
		Logger: zap.NewNop(),
	})
	s.clock = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.svc.now = func() time.Time { return s.clock }

	s.alice = repository.CreateTestUser(s.db, "alice", aliceAddr)
	s.bob = repository.CreateTestUser(s.db, "bob", bobAddr)
	s.carol = repository.CreateTestUser(s.db, "carol", carolAddr)
	s.deposit(s.alice.ID, 100, models.CurrencyInternalPoints)
	s.deposit(s.bob.ID, 50, models.CurrencyInternalPoints)
	s.deposit(s.carol.ID, 50, models.CurrencyInternalPoints)
}

func (s *GameServiceTestSuite) TearDownTest() {
	repository.CleanupTestDB(s.db)
}

func (s *GameServiceTestSuite) deposit(userID uint, amount int64, currency models.Currency) {
	_, _, err := s.ledger.Deposit(s.ctx, userID, amount, currency, fmt.Sprintf("seed-%d-%s-%d", userID, currency, amount))
	s.Require().NoError(err)
}

func (s *GameServiceTestSuite) balance(userID uint, currency models.Currency) int64 {
	bal, err := s.ledger.GetBalance(s.ctx, userID, currency)
	s.Require().NoError(err)
	return bal
}

func (s *GameServiceTestSuite) joinedGame(stake int64, currency models.Currency) *models.Game {
	game, err := s.svc.CreateGame(s.ctx, s.alice.ID, stake, currency, "")
	s.Require().NoError(err)
	game, err = s.svc.JoinGame(s.ctx, game.ID, s.bob.ID, "")
	s.Require().NoError(err)
	return game
}

func (s *GameServiceTestSuite) playScholarsMate(game *models.Game) *models.Game {
	for _, m := range scholarsMate {
		mover := s.bob.ID
		if m.white {
			mover = s.alice.ID
		}
		g, _, err := s.svc.MakeMove(s.ctx, game.ID, mover, MoveInput{From: m.from, To: m.to})
		s.Require().NoError(err, "%s%s", m.from, m.to)
		game = g
	}
	return game
}

// mineEscrow 在链上执行一笔交易并等待确认
func (s *GameServiceTestSuite) mineEscrow(submit func() (string, error)) {
	hash, err := submit()
	s.Require().NoError(err)
	r, err := s.chain.WaitForReceipt(s.ctx, hash, 1)
	s.Require().NoError(err)
	s.Require().False(r.Reverted, r.Reason)
}

func (s *GameServiceTestSuite) TestCreateGame() {
	game, err := s.svc.CreateGame(s.ctx, s.alice.ID, 10, models.CurrencyInternalPoints, "")
	s.Require().NoError(err)

	s.Equal(models.GameStatusWaiting, game.Status)
	s.Equal(s.svc.engine.StartingPosition(), game.Position)
	s.Nil(game.ExternalGameID)
	s.Equal(int64(90), s.balance(s.alice.ID, models.CurrencyInternalPoints))

	locks, err := s.repos.Ledger().CountGameByKind(s.ctx, game.ID, models.TxKindLock)
	s.Require().NoError(err)
	s.Equal(int64(1), locks)

	view := s.notifier.last()
	s.Require().NotNil(view)
	s.Equal("white", view.SideToMove)
	s.Equal([]Event{EventCancel, EventJoin}, view.ValidEvents)
}

func (s *GameServiceTestSuite) TestCreateGameValidation() {
	_, err := s.svc.CreateGame(s.ctx, s.alice.ID, 10, models.Currency("doubloons"), "")
	s.True(apperrors.Is(err, apperrors.ErrUnknownCurrency))

	_, err = s.svc.CreateGame(s.ctx, s.alice.ID, 0, models.CurrencyInternalPoints, "")
	s.True(apperrors.Is(err, apperrors.ErrInvalidParam))

	_, err = s.svc.CreateGame(s.ctx, s.alice.ID, 101, models.CurrencyInternalPoints, "")
	s.True(apperrors.Is(err, apperrors.ErrInsufficientFunds))

	_, err = s.svc.CreateGame(s.ctx, 9999, 10, models.CurrencyInternalPoints, "")
	s.True(apperrors.Is(err, apperrors.ErrNotFound))

	dave := repository.CreateTestUser(s.db, "dave", "")
	_, err = s.svc.CreateGame(s.ctx, dave.ID, 10, models.CurrencyStablecoin, "")
	s.True(apperrors.Is(err, apperrors.ErrInvalidParam))

	s.Equal(int64(100), s.balance(s.alice.ID, models.CurrencyInternalPoints))
}

func (s *GameServiceTestSuite) TestExternalCurrencyRequiresSettler() {
	svc := NewGameService(&GameServiceConfig{Repos: s.repos, Ledger: s.ledger, Logger: zap.NewNop()})
	_, err := svc.CreateGame(s.ctx, s.alice.ID, 10, models.CurrencyStablecoin, "")
	s.True(apperrors.Is(err, apperrors.ErrInvalidParam))
}

func (s *GameServiceTestSuite) TestJoinGame() {
	game := s.joinedGame(10, models.CurrencyInternalPoints)

	s.Equal(models.GameStatusInProgress, game.Status)
	s.Require().NotNil(game.JoinerID)
	s.Equal(s.bob.ID, *game.JoinerID)
	s.Equal(int64(90), s.balance(s.alice.ID, models.CurrencyInternalPoints))
	s.Equal(int64(40), s.balance(s.bob.ID, models.CurrencyInternalPoints))

	locked, err := s.repos.Ledger().SumGameByKind(s.ctx, game.ID, models.TxKindLock)
	s.Require().NoError(err)
	s.Equal(int64(-20), locked)
}

func (s *GameServiceTestSuite) TestJoinInProgressConflicts() {
	game := s.joinedGame(10, models.CurrencyInternalPoints)

	_, err := s.svc.JoinGame(s.ctx, game.ID, s.carol.ID, "")
	s.True(apperrors.Is(err, apperrors.ErrGameConflict))
	s.Equal(int64(50), s.balance(s.carol.ID, models.CurrencyInternalPoints))
	s.Equal(int64(40), s.balance(s.bob.ID, models.CurrencyInternalPoints))
}

func (s *GameServiceTestSuite) TestJoinRejections() {
	_, err := s.svc.JoinGame(s.ctx, 9999, s.bob.ID, "")
	s.True(apperrors.Is(err, apperrors.ErrNotFound))

	game, err := s.svc.CreateGame(s.ctx, s.alice.ID, 60, models.CurrencyInternalPoints, "")
	s.Require().NoError(err)

	_, err = s.svc.JoinGame(s.ctx, game.ID, s.alice.ID, "")
	s.True(apperrors.Is(err, apperrors.ErrSelfJoin))

	_, err = s.svc.JoinGame(s.ctx, game.ID, s.bob.ID, "")
	s.True(apperrors.Is(err, apperrors.ErrInsufficientFunds))

	reloaded, err := s.svc.GetGame(s.ctx, game.ID)
	s.Require().NoError(err)
	s.Equal(models.GameStatusWaiting, reloaded.Status)
	s.Nil(reloaded.JoinerID)
	s.Equal(int64(50), s.balance(s.bob.ID, models.CurrencyInternalPoints))
}

func (s *GameServiceTestSuite) TestConcurrentJoinsAdmitOne() {
	game, err := s.svc.CreateGame(s.ctx, s.alice.ID, 10, models.CurrencyInternalPoints, "")
	s.Require().NoError(err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		joined    int
		conflicts int
	)
	for _, u := range []*models.User{s.bob, s.carol, s.bob, s.carol} {
		wg.Add(1)
		go func(userID uint) {
			defer wg.Done()
			_, err := s.svc.JoinGame(s.ctx, game.ID, userID, "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				joined++
			case apperrors.Is(err, apperrors.ErrGameConflict):
				conflicts++
			}
		}(u.ID)
	}
	wg.Wait()

	s.Equal(1, joined)
	s.Equal(3, conflicts)
	spent := 100 - s.balance(s.bob.ID, models.CurrencyInternalPoints) - s.balance(s.carol.ID, models.CurrencyInternalPoints)
	s.Equal(int64(10), spent)
}

// 100/50，押注10，创建者学者杀获胜
func (s *GameServiceTestSuite) TestScholarsMateScenario() {
	game := s.joinedGame(10, models.CurrencyInternalPoints)
	s.Equal(int64(90), s.balance(s.alice.ID, models.CurrencyInternalPoints))
	s.Equal(int64(40), s.balance(s.bob.ID, models.CurrencyInternalPoints))

	game = s.playScholarsMate(game)

	s.Equal(models.GameStatusFinished, game.Status)
	s.Equal(models.ResultCheckmate, game.Result)
	s.Require().NotNil(game.WinnerID)
	s.Equal(s.alice.ID, *game.WinnerID)
	s.NotNil(game.FinishedAt)
	s.Equal(models.SettlementNone, game.SettlementStatus)

	commission := s.ledger.Commission(20)
	s.Equal(int64(1), commission)
	s.Equal(90+(20-commission), s.balance(s.alice.ID, models.CurrencyInternalPoints))
	s.Equal(int64(40), s.balance(s.bob.ID, models.CurrencyInternalPoints))
	s.Equal(commission, s.balance(s.ledger.PlatformID(), models.CurrencyInternalPoints))

	exposure, err := s.ledger.GameExposure(s.ctx, game.ID)
	s.Require().NoError(err)
	s.Zero(exposure)

	moves, err := s.svc.ListMoves(s.ctx, game.ID)
	s.Require().NoError(err)
	s.Require().Len(moves, len(scholarsMate))
	for i, m := range moves {
		s.Equal(i+1, m.Seq)
	}
	s.Equal("Qxf7#", moves[len(moves)-1].SAN)

	view := s.notifier.last()
	s.Require().NotNil(view.LastMove)
	s.Equal("Qxf7#", view.LastMove.SAN)
	s.Empty(view.SideToMove)
	s.Empty(view.ValidEvents)

	_, _, err = s.svc.MakeMove(s.ctx, game.ID, s.bob.ID, MoveInput{From: "a7", To: "a6"})
	s.True(apperrors.Is(err, apperrors.ErrGameConflict))
}

func (s *GameServiceTestSuite) TestMoveRejections() {
	game := s.joinedGame(10, models.CurrencyInternalPoints)

	_, _, err := s.svc.MakeMove(s.ctx, game.ID, s.bob.ID, MoveInput{From: "e7", To: "e5"})
	s.True(apperrors.Is(err, apperrors.ErrNotYourTurn))

	_, _, err = s.svc.MakeMove(s.ctx, game.ID, s.carol.ID, MoveInput{From: "e2", To: "e4"})
	s.True(apperrors.Is(err, apperrors.ErrPermissionDenied))

	_, _, err = s.svc.MakeMove(s.ctx, game.ID, s.alice.ID, MoveInput{From: "e2", To: "e5"})
	s.True(apperrors.Is(err, apperrors.ErrInvalidMove))

	reloaded, err := s.svc.GetGame(s.ctx, game.ID)
	s.Require().NoError(err)
	s.Equal(game.Position, reloaded.Position)
	s.Zero(reloaded.MoveCount)

	moves, err := s.svc.ListMoves(s.ctx, game.ID)
	s.Require().NoError(err)
	s.Empty(moves)

	waiting, err := s.svc.CreateGame(s.ctx, s.carol.ID, 5, models.CurrencyInternalPoints, "")
	s.Require().NoError(err)
	_, _, err = s.svc.MakeMove(s.ctx, waiting.ID, s.carol.ID, MoveInput{From: "e2", To: "e4"})
	s.True(apperrors.Is(err, apperrors.ErrGameConflict))
}

func (s *GameServiceTestSuite) TestConcurrentMovesKeepSequence() {
	game := s.joinedGame(10, models.CurrencyInternalPoints)

	attempts := []struct {
		mover uint
		in    MoveInput
	}{
		{s.alice.ID, MoveInput{From: "e2", To: "e4"}},
		{s.alice.ID, MoveInput{From: "d2", To: "d4"}},
		{s.bob.ID, MoveInput{From: "e7", To: "e5"}},
		{s.bob.ID, MoveInput{From: "d7", To: "d5"}},
		{s.alice.ID, MoveInput{From: "g1", To: "f3"}},
		{s.bob.ID, MoveInput{From: "g8", To: "f6"}},
		{s.alice.ID, MoveInput{From: "b1", To: "c3"}},
		{s.bob.ID, MoveInput{From: "b8", To: "c6"}},
	}

	var wg sync.WaitGroup
	for round := 0; round < 3; round++ {
		for _, a := range attempts {
			wg.Add(1)
			go func(mover uint, in MoveInput) {
				defer wg.Done()
				_, _, _ = s.svc.MakeMove(s.ctx, game.ID, mover, in)
			}(a.mover, a.in)
		}
	}
	wg.Wait()

	moves, err := s.svc.ListMoves(s.ctx, game.ID)
	s.Require().NoError(err)
	s.Require().NotEmpty(moves)
	for i, m := range moves {
		s.Equal(i+1, m.Seq)
	}

	reloaded, err := s.svc.GetGame(s.ctx, game.ID)
	s.Require().NoError(err)
	s.Equal(len(moves), reloaded.MoveCount)
	s.Equal(moves[len(moves)-1].PositionAfter, reloaded.Position)
}

func (s *GameServiceTestSuite) TestCancelGame() {
	game, err := s.svc.CreateGame(s.ctx, s.alice.ID, 10, models.CurrencyInternalPoints, "")
	s.Require().NoError(err)

	_, err = s.svc.CancelGame(s.ctx, game.ID, s.bob.ID)
	s.True(apperrors.Is(err, apperrors.ErrGameNotExpired))

	game, err = s.svc.CancelGame(s.ctx, game.ID, s.alice.ID)
	s.Require().NoError(err)
	s.Equal(models.GameStatusCancelled, game.Status)
	s.Equal(models.ResultCancelled, game.Result)
	s.Equal(int64(100), s.balance(s.alice.ID, models.CurrencyInternalPoints))

	exposure, err := s.ledger.GameExposure(s.ctx, game.ID)
	s.Require().NoError(err)
	s.Zero(exposure)

	_, err = s.svc.CancelGame(s.ctx, game.ID, s.alice.ID)
	s.True(apperrors.Is(err, apperrors.ErrGameConflict))
}

func (s *GameServiceTestSuite) TestCancelAfterJoinTimeout() {
	game, err := s.svc.CreateGame(s.ctx, s.alice.ID, 10, models.CurrencyInternalPoints, "")
	s.Require().NoError(err)

	s.clock = s.clock.Add(11 * time.Minute)
	game, err = s.svc.CancelGame(s.ctx, game.ID, s.bob.ID)
	s.Require().NoError(err)
	s.Equal(models.GameStatusCancelled, game.Status)
	s.Equal(int64(100), s.balance(s.alice.ID, models.CurrencyInternalPoints))
}

func (s *GameServiceTestSuite) TestCancelInProgressConflicts() {
	game := s.joinedGame(10, models.CurrencyInternalPoints)
	_, err := s.svc.CancelGame(s.ctx, game.ID, s.alice.ID)
	s.True(apperrors.Is(err, apperrors.ErrGameConflict))
}

func (s *GameServiceTestSuite) TestForceFinish() {
	game := s.joinedGame(10, models.CurrencyInternalPoints)
	_, _, err := s.svc.MakeMove(s.ctx, game.ID, s.alice.ID, MoveInput{From: "e2", To: "e4"})
	s.Require().NoError(err)

	_, err = s.svc.ForceFinish(s.ctx, game.ID, s.alice.ID)
	s.True(apperrors.Is(err, apperrors.ErrGameNotExpired))

	s.clock = s.clock.Add(31 * time.Minute)
	game, err = s.svc.ForceFinish(s.ctx, game.ID, s.alice.ID)
	s.Require().NoError(err)
	s.Equal(models.GameStatusFinished, game.Status)
	s.Equal(models.ResultTimeout, game.Result)
	s.Nil(game.WinnerID)

	s.Equal(int64(100), s.balance(s.alice.ID, models.CurrencyInternalPoints))
	s.Equal(int64(50), s.balance(s.bob.ID, models.CurrencyInternalPoints))
	s.Zero(s.balance(s.ledger.PlatformID(), models.CurrencyInternalPoints))

	_, err = s.svc.ForceFinish(s.ctx, game.ID, s.alice.ID)
	s.True(apperrors.Is(err, apperrors.ErrGameConflict))

	waiting, err := s.svc.CreateGame(s.ctx, s.carol.ID, 5, models.CurrencyInternalPoints, "")
	s.Require().NoError(err)
	_, err = s.svc.ForceFinish(s.ctx, waiting.ID, s.carol.ID)
	s.True(apperrors.Is(err, apperrors.ErrGameConflict))
}

// 外部币种：链上声明失败两次后由重试任务完成，只派彩一次
func (s *GameServiceTestSuite) TestExternalSettlementRetriedUntilConfirmed() {
	s.deposit(s.alice.ID, 100, models.CurrencyStablecoin)
	s.deposit(s.bob.ID, 100, models.CurrencyStablecoin)
	s.chain.Fund(aliceAddr, 100)
	s.chain.Fund(bobAddr, 100)

	game, err := s.svc.CreateGame(s.ctx, s.alice.ID, 10, models.CurrencyStablecoin, "0xcreate")
	s.Require().NoError(err)
	s.Require().NotNil(game.ExternalGameID)
	s.Equal(aliceAddr, game.CreatorWallet)
	ext := game.ExternalID()

	s.mineEscrow(func() (string, error) { return s.chain.CreateEscrow(s.ctx, ext, aliceAddr, 10) })
	game, err = s.svc.JoinGame(s.ctx, game.ID, s.bob.ID, "0xjoin")
	s.Require().NoError(err)
	s.Equal(bobAddr, game.JoinerWallet)
	s.mineEscrow(func() (string, error) { return s.chain.JoinEscrow(s.ctx, ext, bobAddr, 10) })

	s.chain.FailNextDeclarations(2)
	game = s.playScholarsMate(game)

	// 对局本身已结束，结算进入重试队列
	s.Equal(models.GameStatusFinished, game.Status)
	s.Equal(models.SettlementPending, game.SettlementStatus)
	s.Empty(game.DeclareTxHash)
	s.Equal(int64(90+19), s.balance(s.alice.ID, models.CurrencyStablecoin))

	n, err := s.worker.RunOnce(s.ctx)
	s.Require().NoError(err)
	s.Zero(n)
	game, err = s.svc.GetGame(s.ctx, game.ID)
	s.Require().NoError(err)
	s.Empty(game.DeclareTxHash)

	n, err = s.worker.RunOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, n)

	game, err = s.svc.GetGame(s.ctx, game.ID)
	s.Require().NoError(err)
	s.NotEmpty(game.DeclareTxHash)
	s.Equal(models.SettlementSettled, game.SettlementStatus)

	wins, err := s.repos.Ledger().CountGameByKind(s.ctx, game.ID, models.TxKindWin)
	s.Require().NoError(err)
	s.Equal(int64(1), wins)
	s.Equal(1, s.chain.Payouts())
	s.Equal(int64(110), s.chain.BalanceOf(aliceAddr))
	s.Equal(int64(90), s.chain.BalanceOf(bobAddr))

	rec, err := s.chain.GetEscrow(s.ctx, ext)
	s.Require().NoError(err)
	s.Equal(escrow.StatusFinished, rec.Status)
}

// 链上声明进行中时，胜者的其他账本操作不被阻塞
func (s *GameServiceTestSuite) TestDeclarationDoesNotHoldUserLocks() {
	s.deposit(s.alice.ID, 100, models.CurrencyStablecoin)
	s.deposit(s.bob.ID, 100, models.CurrencyStablecoin)
	s.chain.Fund(aliceAddr, 100)
	s.chain.Fund(bobAddr, 100)

	blocking := &blockingSettler{Settler: s.svc.settler, entered: make(chan struct{}), release: make(chan struct{})}
	s.svc.settler = blocking

	game, err := s.svc.CreateGame(s.ctx, s.alice.ID, 10, models.CurrencyStablecoin, "")
	s.Require().NoError(err)
	ext := game.ExternalID()
	s.mineEscrow(func() (string, error) { return s.chain.CreateEscrow(s.ctx, ext, aliceAddr, 10) })
	game, err = s.svc.JoinGame(s.ctx, game.ID, s.bob.ID, "")
	s.Require().NoError(err)
	s.mineEscrow(func() (string, error) { return s.chain.JoinEscrow(s.ctx, ext, bobAddr, 10) })

	for _, m := range scholarsMate[:len(scholarsMate)-1] {
		mover := s.bob.ID
		if m.white {
			mover = s.alice.ID
		}
		_, _, err := s.svc.MakeMove(s.ctx, game.ID, mover, MoveInput{From: m.from, To: m.to})
		s.Require().NoError(err)
	}

	mated := make(chan *models.Game, 1)
	go func() {
		g, _, err := s.svc.MakeMove(s.ctx, game.ID, s.alice.ID, MoveInput{From: "h5", To: "f7"})
		if err != nil {
			mated <- nil
			return
		}
		mated <- g
	}()

	select {
	case <-blocking.entered:
	case <-time.After(5 * time.Second):
		s.FailNow("声明未开始")
	}

	done := make(chan error, 1)
	go func() {
		if _, _, err := s.ledger.Deposit(s.ctx, s.alice.ID, 5, models.CurrencyStablecoin, "during-declare"); err != nil {
			done <- err
			return
		}
		_, err := s.svc.CreateGame(s.ctx, s.alice.ID, 5, models.CurrencyStablecoin, "")
		done <- err
	}()

	select {
	case err := <-done:
		s.NoError(err)
	case <-time.After(2 * time.Second):
		s.Fail("声明期间账本操作被阻塞")
	}

	close(blocking.release)
	g := <-mated
	s.Require().NotNil(g)
	s.Equal(models.SettlementSettled, g.SettlementStatus)
	s.Equal(int64(90+19+5-5), s.balance(s.alice.ID, models.CurrencyStablecoin))
}

func (s *GameServiceTestSuite) TestExternalSettlementImmediate() {
	s.deposit(s.alice.ID, 100, models.CurrencyNativeChainToken)
	s.deposit(s.bob.ID, 100, models.CurrencyNativeChainToken)
	s.chain.Fund(aliceAddr, 100)
	s.chain.Fund(bobAddr, 100)

	game, err := s.svc.CreateGame(s.ctx, s.alice.ID, 10, models.CurrencyNativeChainToken, "")
	s.Require().NoError(err)
	ext := game.ExternalID()
	s.mineEscrow(func() (string, error) { return s.chain.CreateEscrow(s.ctx, ext, aliceAddr, 10) })
	game, err = s.svc.JoinGame(s.ctx, game.ID, s.bob.ID, "")
	s.Require().NoError(err)
	s.mineEscrow(func() (string, error) { return s.chain.JoinEscrow(s.ctx, ext, bobAddr, 10) })

	game = s.playScholarsMate(game)
	s.Equal(models.SettlementSettled, game.SettlementStatus)
	s.NotEmpty(game.DeclareTxHash)
	s.Equal(game.DeclareTxHash, s.notifier.last().DeclareTxHash)

	count, err := s.repos.PendingDeclaration().Count(s.ctx)
	s.Require().NoError(err)
	s.Zero(count)
}

func (s *GameServiceTestSuite) TestExternalForceFinishDeclaresDraw() {
	s.deposit(s.alice.ID, 100, models.CurrencyStablecoin)
	s.deposit(s.bob.ID, 100, models.CurrencyStablecoin)
	s.chain.Fund(aliceAddr, 100)
	s.chain.Fund(bobAddr, 100)

	game, err := s.svc.CreateGame(s.ctx, s.alice.ID, 10, models.CurrencyStablecoin, "")
	s.Require().NoError(err)
	ext := game.ExternalID()
	s.mineEscrow(func() (string, error) { return s.chain.CreateEscrow(s.ctx, ext, aliceAddr, 10) })
	_, err = s.svc.JoinGame(s.ctx, game.ID, s.bob.ID, "")
	s.Require().NoError(err)
	s.mineEscrow(func() (string, error) { return s.chain.JoinEscrow(s.ctx, ext, bobAddr, 10) })

	s.clock = s.clock.Add(time.Hour)
	game, err = s.svc.ForceFinish(s.ctx, game.ID, SystemRequester)
	s.Require().NoError(err)
	s.Equal(models.SettlementSettled, game.SettlementStatus)

	rec, err := s.chain.GetEscrow(s.ctx, ext)
	s.Require().NoError(err)
	s.Equal(escrow.DrawSentinel, rec.Winner)
	s.Equal(int64(100), s.chain.BalanceOf(aliceAddr))
	s.Equal(int64(100), s.chain.BalanceOf(bobAddr))
}

func (s *GameServiceTestSuite) TestExternalCancelRefundsEscrow() {
	s.deposit(s.alice.ID, 100, models.CurrencyStablecoin)
	s.chain.Fund(aliceAddr, 100)

	game, err := s.svc.CreateGame(s.ctx, s.alice.ID, 10, models.CurrencyStablecoin, "")
	s.Require().NoError(err)
	ext := game.ExternalID()
	s.mineEscrow(func() (string, error) { return s.chain.CreateEscrow(s.ctx, ext, aliceAddr, 10) })
	s.Equal(int64(90), s.chain.BalanceOf(aliceAddr))

	game, err = s.svc.CancelGame(s.ctx, game.ID, s.alice.ID)
	s.Require().NoError(err)
	s.Equal(models.SettlementSettled, game.SettlementStatus)
	s.NotEmpty(game.DeclareTxHash)
	s.Equal(int64(100), s.chain.BalanceOf(aliceAddr))
	s.Equal(int64(100), s.balance(s.alice.ID, models.CurrencyStablecoin))

	rec, err := s.chain.GetEscrow(s.ctx, ext)
	s.Require().NoError(err)
	s.Equal(escrow.StatusCancelled, rec.Status)
}

func (s *GameServiceTestSuite) TestListOpenGames() {
	_, err := s.svc.CreateGame(s.ctx, s.alice.ID, 10, models.CurrencyInternalPoints, "")
	s.Require().NoError(err)
	_, err = s.svc.CreateGame(s.ctx, s.carol.ID, 5, models.CurrencyInternalPoints, "")
	s.Require().NoError(err)
	s.joinedGame(5, models.CurrencyInternalPoints)

	page := repository.NewPagination(1, 10)
	games, err := s.svc.ListOpenGames(s.ctx, page)
	s.Require().NoError(err)
	s.Len(games, 2)
	s.Equal(int64(2), page.Total)
	for _, g := range games {
		s.Equal(models.GameStatusWaiting, g.Status)
	}
}

func (s *GameServiceTestSuite) TestSweeper() {
	waiting, err := s.svc.CreateGame(s.ctx, s.carol.ID, 5, models.CurrencyInternalPoints, "")
	s.Require().NoError(err)
	playing := s.joinedGame(10, models.CurrencyInternalPoints)

	sweeper := NewSweeper(s.svc, zap.NewNop())

	cancelled, finished := sweeper.SweepOnce(s.ctx)
	s.Zero(cancelled)
	s.Zero(finished)

	s.clock = s.clock.Add(31 * time.Minute)
	cancelled, finished = sweeper.SweepOnce(s.ctx)
	s.Equal(1, cancelled)
	s.Equal(1, finished)

	g, err := s.svc.GetGame(s.ctx, waiting.ID)
	s.Require().NoError(err)
	s.Equal(models.GameStatusCancelled, g.Status)
	g, err = s.svc.GetGame(s.ctx, playing.ID)
	s.Require().NoError(err)
	s.Equal(models.ResultTimeout, g.Result)

	s.Equal(int64(50), s.balance(s.carol.ID, models.CurrencyInternalPoints))
	s.Equal(int64(100), s.balance(s.alice.ID, models.CurrencyInternalPoints))
	s.Equal(int64(50), s.balance(s.bob.ID, models.CurrencyInternalPoints))
}

func (s *GameServiceTestSuite) TestSweeperStopsOnCancel() {
	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan struct{})
	go func() {
		NewSweeper(s.svc, zap.NewNop()).Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		s.Fail("清理任务未退出")
	}
}

func TestGameServiceSuite(t *testing.T) {
	suite.Run(t, new(GameServiceTestSuite))
}
