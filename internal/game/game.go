// Package game 对局生命周期：创建、加入、走子、终局、取消与超时清理。
//
// 同一对局的所有写操作由按对局ID的进程内锁串行化，锁在整个操作期间持有。
// 加锁顺序固定为对局锁、用户锁、数据库事务。
package game

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Ivaniiiii/ChessInBse/internal/config"
	apperrors "github.com/Ivaniiiii/ChessInBse/internal/errors"
	"github.com/Ivaniiiii/ChessInBse/internal/ledger"
	"github.com/Ivaniiiii/ChessInBse/internal/logger"
	"github.com/Ivaniiiii/ChessInBse/internal/metrics"
	"github.com/Ivaniiiii/ChessInBse/internal/models"
	"github.com/Ivaniiiii/ChessInBse/internal/repository"
	"github.com/Ivaniiiii/ChessInBse/internal/rules"
	"github.com/Ivaniiiii/ChessInBse/internal/settlement"
	"github.com/Ivaniiiii/ChessInBse/internal/utils"
)

// SystemRequester 后台清理任务使用的请求者ID
const SystemRequester uint = 0

// GameService 对局服务
type GameService struct {
	repos    *repository.Manager
	ledger   *ledger.Service
	engine   rules.Engine
	settler  Settler
	notifier Notifier
	sm       *StateMachine
	locks    *utils.KeyedMutex
	cfg      config.GameConfig
	logger   *zap.Logger
	now      func() time.Time
}

// GameServiceConfig 对局服务依赖
type GameServiceConfig struct {
	Repos  *repository.Manager
	Ledger *ledger.Service
	Engine rules.Engine
	// Settler 为nil时不接受外部结算币种
	Settler  Settler
	Notifier Notifier
	Game     config.GameConfig
	Logger   *zap.Logger
}

// NewGameService 创建对局服务
func NewGameService(cfg *GameServiceConfig) *GameService {
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = nopNotifier{}
	}
	engine := cfg.Engine
	if engine == nil {
		engine = rules.NewChessEngine()
	}
	return &GameService{
		repos:    cfg.Repos,
		ledger:   cfg.Ledger,
		engine:   engine,
		settler:  cfg.Settler,
		notifier: notifier,
		sm:       NewStateMachine(cfg.Logger),
		locks:    utils.NewKeyedMutex(),
		cfg:      cfg.Game,
		logger:   cfg.Logger,
		now:      time.Now,
	}
}

func (s *GameService) lockGame(gameID uint) func() {
	return s.locks.Lock(fmt.Sprintf("game:%d", gameID))
}

// CreateGame 创建对局并冻结创建者押注，创建者执白
func (s *GameService) CreateGame(ctx context.Context, creatorID uint, stake int64, currency models.Currency, escrowTxHash string) (*models.Game, error) {
	if !currency.Valid() {
		return nil, apperrors.Newf(apperrors.ErrUnknownCurrency, "币种: %q", string(currency))
	}
	if stake <= 0 {
		return nil, apperrors.Newf(apperrors.ErrInvalidParam, "押注必须为正数: %d", stake)
	}

	creator, err := s.repos.User().FindByID(ctx, creatorID)
	if err != nil {
		return nil, err
	}

	external := currency.SettlesExternally()
	if external {
		if s.settler == nil {
			return nil, apperrors.Newf(apperrors.ErrInvalidParam, "外部结算未启用，无法使用币种 %s", currency)
		}
		if creator.Wallet() == "" {
			return nil, apperrors.New(apperrors.ErrInvalidParam, "外部结算币种需要先绑定钱包地址")
		}
	}

	now := s.now()
	game := &models.Game{
		CreatorID:        creatorID,
		Stake:            stake,
		Currency:         currency,
		Position:         s.engine.StartingPosition(),
		Status:           models.GameStatusWaiting,
		LastActivityAt:   now,
		SettlementStatus: models.SettlementNone,
		CreateTxHash:     escrowTxHash,
	}
	if external {
		id := uuid.NewString()
		game.ExternalGameID = &id
		game.CreatorWallet = creator.Wallet()
	}

	err = s.ledgerTx(ctx, currency, []uint{creatorID}, func(tx *repository.Transaction) error {
		available, err := s.ledger.Available(tx, creatorID, currency)
		if err != nil {
			return err
		}
		if available < stake {
			return apperrors.Newf(apperrors.ErrInsufficientFunds, "余额 %d 不足以押注 %d", available, stake)
		}
		if err := tx.Game().Create(ctx, game); err != nil {
			return apperrors.Wrap(err, apperrors.ErrDatabaseInsert, "创建对局失败")
		}
		return s.ledger.LockBet(tx, creatorID, stake, currency, game.ID)
	})
	if err != nil {
		return nil, err
	}

	metrics.GamesTotal.WithLabelValues("created").Inc()
	logger.LogGameEvent(s.logger, "created", game.ID,
		zap.Uint("creator_id", creatorID),
		zap.Int64("stake", stake),
		zap.String("currency", string(currency)),
		zap.String("external_game_id", game.ExternalID()))

	s.notifier.NotifyGame(s.View(game, nil))
	return game, nil
}

// JoinGame 加入等待中的对局，冻结加入者押注后进入进行中
func (s *GameService) JoinGame(ctx context.Context, gameID, joinerID uint, escrowTxHash string) (*models.Game, error) {
	unlockGame := s.lockGame(gameID)
	defer unlockGame()

	game, err := s.repos.Game().FindByID(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if !s.sm.CanTransition(game.Status, EventJoin) {
		return nil, apperrors.Newf(apperrors.ErrGameConflict, "对局 %d 当前状态为 %s，无法加入", gameID, game.Status)
	}
	if game.CreatorID == joinerID {
		return nil, apperrors.New(apperrors.ErrSelfJoin, "不能加入自己创建的对局")
	}

	joiner, err := s.repos.User().FindByID(ctx, joinerID)
	if err != nil {
		return nil, err
	}
	if game.Currency.SettlesExternally() && joiner.Wallet() == "" {
		return nil, apperrors.New(apperrors.ErrInvalidParam, "外部结算币种需要先绑定钱包地址")
	}

	err = s.ledgerTx(ctx, game.Currency, []uint{joinerID}, func(tx *repository.Transaction) error {
		locked, err := tx.Game().LockForUpdate(ctx, gameID)
		if err != nil {
			return err
		}
		game = locked

		available, err := s.ledger.Available(tx, joinerID, game.Currency)
		if err != nil {
			return err
		}
		if available < game.Stake {
			return apperrors.Newf(apperrors.ErrInsufficientFunds, "余额 %d 不足以押注 %d", available, game.Stake)
		}

		game.JoinerID = &joinerID
		if game.Currency.SettlesExternally() {
			game.JoinerWallet = joiner.Wallet()
			game.JoinTxHash = escrowTxHash
		}
		if err := s.sm.Trigger(game, EventJoin, s.now()); err != nil {
			return err
		}

		if err := s.ledger.LockBet(tx, joinerID, game.Stake, game.Currency, game.ID); err != nil {
			return err
		}
		if err := tx.Game().Update(ctx, game); err != nil {
			return apperrors.Wrap(err, apperrors.ErrDatabaseUpdate, "更新对局失败")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.GamesTotal.WithLabelValues("joined").Inc()
	logger.LogGameEvent(s.logger, "joined", game.ID, zap.Uint("joiner_id", joinerID))

	s.notifier.NotifyGame(s.View(game, nil))
	return game, nil
}

// MakeMove 走子。终局时在同一事务内完成内部结算，外部币种随后向托管账本声明结果
func (s *GameService) MakeMove(ctx context.Context, gameID, moverID uint, in MoveInput) (*models.Game, *models.Move, error) {
	unlockGame := s.lockGame(gameID)
	defer unlockGame()

	game, err := s.repos.Game().FindByID(ctx, gameID)
	if err != nil {
		return nil, nil, err
	}
	if game.Status != models.GameStatusInProgress {
		return nil, nil, apperrors.Newf(apperrors.ErrGameConflict, "对局 %d 当前状态为 %s，不能走子", gameID, game.Status)
	}
	if !game.IsParticipant(moverID) {
		return nil, nil, apperrors.Newf(apperrors.ErrPermissionDenied, "用户 %d 不是对局参与者", moverID)
	}

	var (
		move     *models.Move
		terminal bool
	)
	// 终局时需要给双方入账
	err = s.ledgerTx(ctx, game.Currency, game.Players(), func(tx *repository.Transaction) error {
		locked, err := tx.Game().LockForUpdate(ctx, gameID)
		if err != nil {
			return err
		}
		game = locked
		if game.Status != models.GameStatusInProgress {
			return apperrors.Newf(apperrors.ErrGameConflict, "对局 %d 当前状态为 %s，不能走子", gameID, game.Status)
		}

		side, err := s.engine.SideToMove(game.Position)
		if err != nil {
			return err
		}
		if s.playerOf(game, side) != moverID {
			return apperrors.Newf(apperrors.ErrNotYourTurn, "当前轮到%s方", side)
		}

		result, err := s.engine.ApplyMove(game.Position, strings.ToLower(in.From), strings.ToLower(in.To), strings.ToLower(in.Promotion))
		if err != nil {
			return err
		}
		if !result.Legal {
			return apperrors.Newf(apperrors.ErrInvalidMove, "非法着法: %s%s%s", in.From, in.To, in.Promotion)
		}

		seq, err := tx.Move().LastSeq(ctx, game.ID)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrDatabaseQuery, "查询着法序号失败")
		}
		move = &models.Move{
			GameID:        game.ID,
			Seq:           seq + 1,
			SAN:           result.SAN,
			From:          strings.ToLower(in.From),
			To:            strings.ToLower(in.To),
			Promotion:     strings.ToLower(in.Promotion),
			MoverID:       moverID,
			PositionAfter: result.NewPosition,
		}
		if err := tx.Move().Create(ctx, move); err != nil {
			return apperrors.Wrap(err, apperrors.ErrDatabaseInsert, "记录着法失败")
		}

		now := s.now()
		game.Position = result.NewPosition
		game.MoveCount = move.Seq
		game.LastActivityAt = now

		if result.IsTerminal {
			terminal = true
			game.Result = result.TerminalReason
			if result.Winner != "" {
				winner := s.playerOf(game, result.Winner)
				game.WinnerID = &winner
			}
			if err := s.sm.Trigger(game, EventFinish, now); err != nil {
				return err
			}
			if err := s.ledger.ReleaseAndDistribute(tx, game, game.WinnerID); err != nil {
				return err
			}
		}

		if err := tx.Game().Update(ctx, game); err != nil {
			return apperrors.Wrap(err, apperrors.ErrDatabaseUpdate, "更新对局失败")
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	metrics.MovesTotal.Inc()
	s.logger.Debug("走子",
		zap.Uint("game_id", game.ID),
		zap.Int("seq", move.Seq),
		zap.String("san", move.SAN),
		zap.Uint("mover_id", moverID))

	if terminal {
		metrics.GamesTotal.WithLabelValues("finished").Inc()
		fields := []zap.Field{zap.String("result", game.Result)}
		if game.WinnerID != nil {
			fields = append(fields, zap.Uint("winner_id", *game.WinnerID))
		}
		logger.LogGameEvent(s.logger, "finished", game.ID, fields...)

		if game.Currency.SettlesExternally() {
			game = s.declare(ctx, game)
		}
	}

	s.notifier.NotifyGame(s.View(game, move))
	return game, move, nil
}

// CancelGame 取消等待中的对局并全额退回创建者押注。
// 创建者随时可取消，其他人需等到加入超时之后。
func (s *GameService) CancelGame(ctx context.Context, gameID, requesterID uint) (*models.Game, error) {
	unlockGame := s.lockGame(gameID)
	defer unlockGame()

	game, err := s.repos.Game().FindByID(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if !s.sm.CanTransition(game.Status, EventCancel) {
		return nil, apperrors.Newf(apperrors.ErrGameConflict, "对局 %d 当前状态为 %s，无法取消", gameID, game.Status)
	}
	if requesterID != game.CreatorID && !s.joinExpired(game) {
		return nil, apperrors.Newf(apperrors.ErrGameNotExpired, "对局 %d 尚未超过加入时限", gameID)
	}

	err = s.ledgerTx(ctx, game.Currency, []uint{game.CreatorID}, func(tx *repository.Transaction) error {
		locked, err := tx.Game().LockForUpdate(ctx, gameID)
		if err != nil {
			return err
		}
		game = locked
		if err := s.sm.Trigger(game, EventCancel, s.now()); err != nil {
			return err
		}
		if err := s.ledger.Refund(tx, game.ID, game.Players(), game.Stake, game.Currency); err != nil {
			return err
		}
		if err := tx.Game().Update(ctx, game); err != nil {
			return apperrors.Wrap(err, apperrors.ErrDatabaseUpdate, "更新对局失败")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.GamesTotal.WithLabelValues("cancelled").Inc()
	logger.LogGameEvent(s.logger, "cancelled", game.ID, zap.Uint("requester_id", requesterID))

	if game.Currency.SettlesExternally() && s.settler != nil {
		bg := context.WithoutCancel(ctx)
		if _, err := s.settler.CancelEscrow(bg, game.ID, game.ExternalID()); err != nil {
			s.settler.MarkAttention(bg, game.ID, err)
		}
		game = s.reload(ctx, game)
	}

	s.notifier.NotifyGame(s.View(game, nil))
	return game, nil
}

// ForceFinish 强制结束长时间无活动的对局，无胜者，双方退回押注
func (s *GameService) ForceFinish(ctx context.Context, gameID, requesterID uint) (*models.Game, error) {
	unlockGame := s.lockGame(gameID)
	defer unlockGame()

	game, err := s.repos.Game().FindByID(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if !s.sm.CanTransition(game.Status, EventForceFinish) {
		return nil, apperrors.Newf(apperrors.ErrGameConflict, "对局 %d 当前状态为 %s，无法强制结束", gameID, game.Status)
	}
	if !s.gameExpired(game) {
		return nil, apperrors.Newf(apperrors.ErrGameNotExpired, "对局 %d 尚未超过对局时限", gameID)
	}

	err = s.ledgerTx(ctx, game.Currency, game.Players(), func(tx *repository.Transaction) error {
		locked, err := tx.Game().LockForUpdate(ctx, gameID)
		if err != nil {
			return err
		}
		game = locked
		if err := s.sm.Trigger(game, EventForceFinish, s.now()); err != nil {
			return err
		}
		if err := s.ledger.ReleaseAndDistribute(tx, game, nil); err != nil {
			return err
		}
		if err := tx.Game().Update(ctx, game); err != nil {
			return apperrors.Wrap(err, apperrors.ErrDatabaseUpdate, "更新对局失败")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.GamesTotal.WithLabelValues("force_finished").Inc()
	logger.LogGameEvent(s.logger, "force_finished", game.ID, zap.Uint("requester_id", requesterID))

	if game.Currency.SettlesExternally() {
		game = s.declare(ctx, game)
	}

	s.notifier.NotifyGame(s.View(game, nil))
	return game, nil
}

// GetGame 查询对局
func (s *GameService) GetGame(ctx context.Context, gameID uint) (*models.Game, error) {
	return s.repos.Game().FindByID(ctx, gameID)
}

// ListMoves 对局全部着法，按序号升序
func (s *GameService) ListMoves(ctx context.Context, gameID uint) ([]*models.Move, error) {
	if _, err := s.repos.Game().FindByID(ctx, gameID); err != nil {
		return nil, err
	}
	moves, err := s.repos.Move().FindByGameID(ctx, gameID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrDatabaseQuery, "查询着法失败")
	}
	return moves, nil
}

// ListOpenGames 等待加入的对局
func (s *GameService) ListOpenGames(ctx context.Context, pagination *repository.Pagination) ([]*models.Game, error) {
	games, err := s.repos.Game().ListOpen(ctx, pagination)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrDatabaseQuery, "查询对局列表失败")
	}
	return games, nil
}

// View 构造对外展示的对局状态
func (s *GameService) View(game *models.Game, lastMove *models.Move) *GameView {
	view := &GameView{
		ID:               game.ID,
		ExternalGameID:   game.ExternalID(),
		Status:           game.Status,
		Position:         game.Position,
		CreatorID:        game.CreatorID,
		JoinerID:         game.JoinerID,
		Stake:            game.Stake,
		Currency:         game.Currency,
		Result:           game.Result,
		WinnerID:         game.WinnerID,
		MoveCount:        game.MoveCount,
		LastMove:         lastMove,
		ValidEvents:      s.sm.ValidEvents(game.Status),
		SettlementStatus: game.SettlementStatus,
		DeclareTxHash:    game.DeclareTxHash,
		LastActivityAt:   game.LastActivityAt,
		FinishedAt:       game.FinishedAt,
	}
	if !game.IsTerminal() {
		if side, err := s.engine.SideToMove(game.Position); err == nil {
			view.SideToMove = string(side)
		}
	}
	return view
}

// ledgerTx 持有用户账本锁执行数据库事务，提交后立即释放。
// 托管账本调用只在对局锁下进行，不能占用用户锁
func (s *GameService) ledgerTx(ctx context.Context, currency models.Currency, users []uint, fn func(tx *repository.Transaction) error) error {
	unlock := s.ledger.LockUsers(currency, users...)
	defer unlock()
	return s.repos.WithTransaction(ctx, fn)
}

// declare 向托管账本声明结果，失败时进入重试队列，不影响对局本身
func (s *GameService) declare(ctx context.Context, game *models.Game) *models.Game {
	if s.settler == nil {
		return game
	}
	bg := context.WithoutCancel(ctx)
	winner := settlement.WinnerWallet(game)

	if _, err := s.settler.DeclareWinner(bg, game.ID, game.ExternalID(), winner); err != nil {
		if qErr := s.settler.Enqueue(bg, game.ID, game.ExternalID(), winner, err); qErr != nil {
			s.settler.MarkAttention(bg, game.ID, qErr)
		}
	}
	return s.reload(bg, game)
}

func (s *GameService) reload(ctx context.Context, game *models.Game) *models.Game {
	fresh, err := s.repos.Game().FindByID(ctx, game.ID)
	if err != nil {
		s.logger.Warn("重新读取对局失败", zap.Uint("game_id", game.ID), zap.Error(err))
		return game
	}
	return fresh
}

// playerOf 创建者执白，加入者执黑
func (s *GameService) playerOf(game *models.Game, side rules.Side) uint {
	if side == rules.White {
		return game.CreatorID
	}
	if game.JoinerID == nil {
		return 0
	}
	return *game.JoinerID
}

func (s *GameService) joinExpired(game *models.Game) bool {
	return s.cfg.JoinTimeout > 0 && s.now().Sub(game.LastActivityAt) >= s.cfg.JoinTimeout
}

func (s *GameService) gameExpired(game *models.Game) bool {
	return s.cfg.GameTimeout > 0 && s.now().Sub(game.LastActivityAt) >= s.cfg.GameTimeout
}
