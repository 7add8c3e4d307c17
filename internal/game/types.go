package game

import (
	"context"
	"time"

	"github.com/Ivaniiiii/ChessInBse/internal/models"
)

// Settler 外部托管结算，由settlement.Reconciler实现
type Settler interface {
	DeclareWinner(ctx context.Context, gameID uint, externalID, winner string) (string, error)
	CancelEscrow(ctx context.Context, gameID uint, externalID string) (string, error)
	Enqueue(ctx context.Context, gameID uint, externalID, winner string, cause error) error
	MarkAttention(ctx context.Context, gameID uint, cause error)
}

// Notifier 对局变化通知，由websocket.Hub实现
type Notifier interface {
	NotifyGame(view *GameView)
}

type nopNotifier struct{}

func (nopNotifier) NotifyGame(*GameView) {}

// MoveInput 着法请求
type MoveInput struct {
	From      string `json:"from" binding:"required,len=2"`
	To        string `json:"to" binding:"required,len=2"`
	Promotion string `json:"promotion,omitempty" binding:"omitempty,len=1"`
}

// GameView 对外展示的对局状态
type GameView struct {
	ID               uint            `json:"id"`
	ExternalGameID   string          `json:"external_game_id,omitempty"`
	Status           string          `json:"status"`
	Position         string          `json:"position"`
	SideToMove       string          `json:"side_to_move,omitempty"`
	CreatorID        uint            `json:"creator_id"`
	JoinerID         *uint           `json:"joiner_id,omitempty"`
	Stake            int64           `json:"stake"`
	Currency         models.Currency `json:"currency"`
	Result           string          `json:"result,omitempty"`
	WinnerID         *uint           `json:"winner_id,omitempty"`
	MoveCount        int             `json:"move_count"`
	LastMove         *models.Move    `json:"last_move,omitempty"`
	ValidEvents      []Event         `json:"valid_events"`
	SettlementStatus string          `json:"settlement_status"`
	DeclareTxHash    string          `json:"declare_tx_hash,omitempty"`
	LastActivityAt   time.Time       `json:"last_activity_at"`
	FinishedAt       *time.Time      `json:"finished_at,omitempty"`
}
