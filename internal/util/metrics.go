package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TransactionsOpenedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transactions_opened_total",
		Help: "Total number of transactions opened",
	})

	TransactionsTerminalTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transactions_terminal_total",
		Help: "Total number of transactions reaching a terminal state",
	}, []string{"state"})

	OutboundActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbound_actions_total",
		Help: "Total number of outbound protocol actions dispatched",
	}, []string{"action"})

	CallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callbacks_total",
		Help: "Total number of inbound provider callbacks by outcome",
	}, []string{"action", "result"})

	DuplicateCallbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "duplicate_callbacks_total",
		Help: "Total number of inbound callbacks dropped as duplicates",
	})

	IllegalTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "illegal_transitions_total",
		Help: "Total number of actions rejected as illegal for the current state",
	}, []string{"action"})

	BlocksReservedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "offer_blocks_reserved_total",
		Help: "Total number of offer blocks reserved",
	})

	BlocksSoldTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "offer_blocks_sold_total",
		Help: "Total number of offer blocks finalized as sold",
	})

	BlocksReleasedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offer_blocks_released_total",
		Help: "Total number of offer blocks released back to the pool",
	}, []string{"reason"})

	ReservationsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reservations_rejected_total",
		Help: "Total number of rejected block reservations",
	}, []string{"reason"})

	ReserveLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "block_reserve_latency_seconds",
		Help:    "Latency of block reservation operations",
		Buckets: prometheus.DefBuckets,
	})

	ExpirySweepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "expiry_sweeps_total",
		Help: "Total number of expiry sweeps run",
	})

	TransactionsExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transactions_expired_total",
		Help: "Total number of transactions expired past their TTL",
	})

	BppDispatchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bpp_dispatch_latency_seconds",
		Help:    "Latency of outbound dispatches to provider platforms",
		Buckets: prometheus.DefBuckets,
	}, []string{"action"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
