package game

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "github.com/Ivaniiiii/ChessInBse/internal/errors"
	"github.com/Ivaniiiii/ChessInBse/internal/models"
)

func TestStateMachine_Transitions(t *testing.T) {
	sm := NewStateMachine(zap.NewNop())
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		from   string
		event  Event
		to     string
		result string
	}{
		{"加入", models.GameStatusWaiting, EventJoin, models.GameStatusInProgress, ""},
		{"取消", models.GameStatusWaiting, EventCancel, models.GameStatusCancelled, models.ResultCancelled},
		{"终局", models.GameStatusInProgress, EventFinish, models.GameStatusFinished, models.ResultCheckmate},
		{"超时", models.GameStatusInProgress, EventForceFinish, models.GameStatusFinished, models.ResultTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			joiner := uint(2)
			game := &models.Game{Status: tt.from, JoinerID: &joiner}
			if tt.event == EventFinish {
				game.Result = models.ResultCheckmate
			}

			require.NoError(t, sm.Trigger(game, tt.event, now))
			assert.Equal(t, tt.to, game.Status)
			assert.Equal(t, tt.result, game.Result)
			assert.Equal(t, now, game.LastActivityAt)
			if game.IsTerminal() {
				require.NotNil(t, game.FinishedAt)
				assert.Equal(t, now, *game.FinishedAt)
			}
		})
	}
}

func TestStateMachine_RejectsUnknownPairs(t *testing.T) {
	sm := NewStateMachine(zap.NewNop())

	invalid := []struct {
		from  string
		event Event
	}{
		{models.GameStatusWaiting, EventFinish},
		{models.GameStatusWaiting, EventForceFinish},
		{models.GameStatusInProgress, EventJoin},
		{models.GameStatusInProgress, EventCancel},
		{models.GameStatusFinished, EventJoin},
		{models.GameStatusFinished, EventFinish},
		{models.GameStatusCancelled, EventCancel},
	}

	for _, c := range invalid {
		game := &models.Game{Status: c.from}
		err := sm.Trigger(game, c.event, time.Now())
		assert.True(t, apperrors.Is(err, apperrors.ErrGameConflict), "%s:%s", c.from, c.event)
		assert.Equal(t, c.from, game.Status)
		assert.False(t, sm.CanTransition(c.from, c.event))
	}
}

func TestStateMachine_ActionFailureKeepsState(t *testing.T) {
	sm := NewStateMachine(zap.NewNop())

	game := &models.Game{Status: models.GameStatusWaiting}
	err := sm.Trigger(game, EventJoin, time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "状态转换失败")
	assert.Equal(t, models.GameStatusWaiting, game.Status)

	game = &models.Game{Status: models.GameStatusInProgress}
	require.Error(t, sm.Trigger(game, EventFinish, time.Now()))
	assert.Equal(t, models.GameStatusInProgress, game.Status)
	assert.Nil(t, game.FinishedAt)
}

func TestStateMachine_ValidEvents(t *testing.T) {
	sm := NewStateMachine(zap.NewNop())

	assert.Equal(t, []Event{EventCancel, EventJoin}, sm.ValidEvents(models.GameStatusWaiting))
	assert.Equal(t, []Event{EventFinish, EventForceFinish}, sm.ValidEvents(models.GameStatusInProgress))
	assert.Empty(t, sm.ValidEvents(models.GameStatusFinished))
	assert.Empty(t, sm.ValidEvents(models.GameStatusCancelled))
}
