// Package metrics Prometheus指标
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chess_bet_http_requests_total",
		Help: "HTTP请求总数",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chess_bet_http_request_duration_seconds",
		Help:    "HTTP请求耗时分布",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "path"})

	// GamesTotal 对局事件: created/joined/finished/cancelled/force_finished
	GamesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chess_bet_games_total",
		Help: "对局生命周期事件数",
	}, []string{"event"})

	MovesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chess_bet_moves_total",
		Help: "已记录的着法数",
	})

	LedgerEntriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chess_bet_ledger_entries_total",
		Help: "账本流水条数",
	}, []string{"kind", "currency"})

	// SettlementDeclarations 结算声明结果: success/failure/not_ready/conflict
	SettlementDeclarations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chess_bet_settlement_declarations_total",
		Help: "托管结算声明次数",
	}, []string{"outcome"})

	SettlementPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chess_bet_settlement_pending",
		Help: "待重试的结算声明数",
	})

	SettlementAttention = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chess_bet_settlement_attention_total",
		Help: "需要人工处理的结算数",
	})

	InvariantViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chess_bet_invariant_violations_total",
		Help: "账本不变量被破坏次数",
	}, []string{"invariant"})

	EscrowEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chess_bet_escrow_events_total",
		Help: "托管账本事件数",
	}, []string{"kind"})

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chess_bet_ws_connections",
		Help: "当前WebSocket连接数",
	})
)
