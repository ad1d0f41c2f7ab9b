package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the WikiRace arena engine.
//
// Naming convention: namespace_subsystem_name
// - namespace: wikirace (application-level grouping)
// - subsystem: room, run, llm, websocket, wiki_cache, redis, rate_limit, circuit_breaker
// - name: specific metric (rooms_active, moves_total, etc.)
//
// Metric Types:
// - Gauge: current state (active rooms, open sockets, live LLM executors)
// - Counter: cumulative events (moves processed, LLM calls, cache hits)
// - Histogram: latency distributions (LLM call duration, wiki fetch duration)

var (
	// ActiveRooms tracks the current number of in-memory rooms.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "wikirace",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of rooms held in the registry",
	})

	// RoomsCreatedTotal tracks the cumulative number of rooms created.
	RoomsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "wikirace",
		Subsystem: "room",
		Name:      "created_total",
		Help:      "Total number of rooms created",
	})

	// RoomsReapedTotal tracks rooms removed by the idle reaper.
	RoomsReapedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "wikirace",
		Subsystem: "room",
		Name:      "reaped_total",
		Help:      "Total number of rooms removed by the idle reaper",
	})

	// ActiveRuns tracks the current number of non-finished runs by kind (human/llm).
	ActiveRuns = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "wikirace",
		Subsystem: "run",
		Name:      "active",
		Help:      "Current number of non-finished runs",
	}, []string{"kind"})

	// MovesTotal tracks move attempts by outcome (move, win, lose, no_op, illegal).
	MovesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wikirace",
		Subsystem: "run",
		Name:      "moves_total",
		Help:      "Total move attempts, labeled by outcome",
	}, []string{"outcome"})

	// ActiveLLMExecutors tracks the current number of live per-run executor goroutines.
	ActiveLLMExecutors = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "wikirace",
		Subsystem: "llm",
		Name:      "executors_active",
		Help:      "Current number of live LLM run executor goroutines",
	})

	// LLMCallsTotal tracks outbound LLM gateway calls by outcome.
	LLMCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wikirace",
		Subsystem: "llm",
		Name:      "calls_total",
		Help:      "Total outbound LLM calls, labeled by outcome",
	}, []string{"outcome"})

	// LLMCallDuration tracks the latency of outbound LLM calls.
	LLMCallDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "wikirace",
		Subsystem: "llm",
		Name:      "call_duration_seconds",
		Help:      "Duration of outbound LLM gateway calls",
		Buckets:   prometheus.DefBuckets,
	})

	// LLMRunTerminations tracks LLM run terminal outcomes by reason. A human
	// run ended through abandon_run is also counted here, with result and
	// reason both "abandoned".
	LLMRunTerminations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wikirace",
		Subsystem: "llm",
		Name:      "run_terminations_total",
		Help:      "Total LLM run terminations, labeled by result/reason",
	}, []string{"result", "reason"})

	// ActiveWebSocketConnections tracks the current number of attached sockets.
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "wikirace",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active room WebSocket connections",
	})

	// BroadcastFanout tracks the number of sockets a single broadcast was sent to.
	BroadcastFanout = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "wikirace",
		Subsystem: "websocket",
		Name:      "broadcast_fanout",
		Help:      "Number of sockets targeted by a single room broadcast",
		Buckets:   []float64{0, 1, 2, 4, 8, 16, 32, 64},
	})

	// BroadcastDeadSockets tracks sockets reaped after a failed send.
	BroadcastDeadSockets = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "wikirace",
		Subsystem: "websocket",
		Name:      "dead_sockets_reaped_total",
		Help:      "Total sockets reaped after a failed broadcast send",
	})

	// WikiCacheResult tracks outbound HTML proxy cache outcomes (hit/miss/offline).
	WikiCacheResult = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wikirace",
		Subsystem: "wiki_cache",
		Name:      "result_total",
		Help:      "Total wiki HTML proxy cache lookups, labeled by result",
	}, []string{"result"})

	// WikiFetchDuration tracks upstream wiki HTML fetch latency.
	WikiFetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "wikirace",
		Subsystem: "wiki_cache",
		Name:      "fetch_duration_seconds",
		Help:      "Duration of upstream wiki HTML fetches",
		Buckets:   prometheus.DefBuckets,
	})

	// CircuitBreakerState tracks the current state of a named circuit breaker.
	// 0: Closed (Healthy), 1: Open (Failure), 2: Half-Open (Recovering)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "wikirace",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of the circuit breaker (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"service"})

	// CircuitBreakerFailures tracks the total number of requests rejected by a circuit breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wikirace",
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Total requests rejected by the circuit breaker",
	}, []string{"service"})

	// RateLimitExceeded tracks the total number of requests that exceeded the rate limit.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wikirace",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total number of requests that exceeded the rate limit",
	}, []string{"endpoint", "reason"})

	// RateLimitRequests tracks the total number of requests checked against the rate limiter.
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wikirace",
		Subsystem: "rate_limit",
		Name:      "requests_total",
		Help:      "Total number of requests checked against the rate limiter",
	}, []string{"endpoint"})

	// RedisOperationsTotal tracks the total number of Redis operations.
	RedisOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wikirace",
		Subsystem: "redis",
		Name:      "operations_total",
		Help:      "Total number of Redis operations",
	}, []string{"operation", "status"})

	// RedisOperationDuration tracks the duration of Redis operations.
	RedisOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "wikirace",
		Subsystem: "redis",
		Name:      "operation_duration_seconds",
		Help:      "Duration of Redis operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
