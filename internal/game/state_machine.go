package game

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/Ivaniiiii/ChessInBse/internal/errors"
	"github.com/Ivaniiiii/ChessInBse/internal/models"
)

// Event 对局生命周期事件
type Event string

const (
	EventJoin        Event = "join"         // 对手加入
	EventCancel      Event = "cancel"       // 取消等待中的对局
	EventFinish      Event = "finish"       // 终局
	EventForceFinish Event = "force_finish" // 超时强制结束
)

// StateTransition 状态转换定义
type StateTransition struct {
	From   string
	Event  Event
	To     string
	Action func(game *models.Game, now time.Time) error
}

// StateMachine 对局状态机。
// 状态保存在对局行上，状态机本身只有转换表，可被所有对局共享。
type StateMachine struct {
	transitions map[string]StateTransition
	logger      *zap.Logger
}

// NewStateMachine 创建状态机
func NewStateMachine(logger *zap.Logger) *StateMachine {
	sm := &StateMachine{
		transitions: make(map[string]StateTransition),
		logger:      logger,
	}

	// 初始化状态转换规则
	sm.initTransitions()

	return sm
}

// initTransitions 初始化状态转换规则
func (sm *StateMachine) initTransitions() {
	// 等待 -> 进行中（加入）
	sm.addTransition(StateTransition{
		From:  models.GameStatusWaiting,
		Event: EventJoin,
		To:    models.GameStatusInProgress,
		Action: func(game *models.Game, now time.Time) error {
			if game.JoinerID == nil {
				return apperrors.New(apperrors.ErrInvalidParam, "缺少加入者")
			}
			return nil
		},
	})

	// 等待 -> 已取消
	sm.addTransition(StateTransition{
		From:  models.GameStatusWaiting,
		Event: EventCancel,
		To:    models.GameStatusCancelled,
		Action: func(game *models.Game, now time.Time) error {
			game.Result = models.ResultCancelled
			game.WinnerID = nil
			game.FinishedAt = &now
			return nil
		},
	})

	// 进行中 -> 已结束（终局，结果由调用方写入）
	sm.addTransition(StateTransition{
		From:  models.GameStatusInProgress,
		Event: EventFinish,
		To:    models.GameStatusFinished,
		Action: func(game *models.Game, now time.Time) error {
			if game.Result == "" {
				return apperrors.New(apperrors.ErrInvalidParam, "缺少对局结果")
			}
			game.FinishedAt = &now
			return nil
		},
	})

	// 进行中 -> 已结束（超时，无胜者）
	sm.addTransition(StateTransition{
		From:  models.GameStatusInProgress,
		Event: EventForceFinish,
		To:    models.GameStatusFinished,
		Action: func(game *models.Game, now time.Time) error {
			game.Result = models.ResultTimeout
			game.WinnerID = nil
			game.FinishedAt = &now
			return nil
		},
	})
}

// addTransition 添加状态转换规则
func (sm *StateMachine) addTransition(t StateTransition) {
	sm.transitions[transitionKey(t.From, t.Event)] = t
}

func transitionKey(state string, event Event) string {
	return fmt.Sprintf("%s:%s", state, event)
}

// Trigger 对对局触发事件，成功后更新状态与最后活动时间。
// 未登记的(状态,事件)组合返回ErrGameConflict，对局不被修改。
func (sm *StateMachine) Trigger(game *models.Game, event Event, now time.Time) error {
	t, ok := sm.transitions[transitionKey(game.Status, event)]
	if !ok {
		return apperrors.Newf(apperrors.ErrGameConflict, "无效的状态转换: 状态=%s, 事件=%s", game.Status, event)
	}

	if t.Action != nil {
		if err := t.Action(game, now); err != nil {
			return fmt.Errorf("状态转换失败: %w", err)
		}
	}

	from := game.Status
	game.Status = t.To
	game.LastActivityAt = now

	sm.logger.Debug("状态转换",
		zap.Uint("game_id", game.ID),
		zap.String("from", from),
		zap.String("to", t.To),
		zap.String("event", string(event)))

	return nil
}

// CanTransition 检查是否可以转换
func (sm *StateMachine) CanTransition(status string, event Event) bool {
	_, ok := sm.transitions[transitionKey(status, event)]
	return ok
}

// ValidEvents 获取当前状态下的有效事件
func (sm *StateMachine) ValidEvents(status string) []Event {
	var events []Event
	for _, t := range sm.transitions {
		if t.From == status {
			events = append(events, t.Event)
		}
	}
	sort.Slice(events, func(i, j int) bool { return events[i] < events[j] })
	return events
}
