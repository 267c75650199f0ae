package risk

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "monitor",
		Name:      "cycles_total",
		Help:      "Completed monitor cycles.",
	})

	cycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sentinel",
		Subsystem: "monitor",
		Name:      "cycle_duration_seconds",
		Help:      "Monitor cycle duration.",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})

	activePositions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sentinel",
		Subsystem: "monitor",
		Name:      "active_positions",
		Help:      "Active positions seen in the last cycle.",
	})

	exitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "risk",
		Name:      "exits_total",
		Help:      "Exit executions by reason and outcome.",
	}, []string{"reason", "outcome"})

	ruleErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "risk",
		Name:      "rule_errors_total",
		Help:      "Rule evaluations recovered from a panic.",
	}, []string{"rule"})

	breakerStateGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sentinel",
		Subsystem: "risk",
		Name:      "breaker_state",
		Help:      "Broker circuit breaker state (0 closed, 1 open, 2 half-open).",
	})

	reconcileRepairsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "risk",
		Name:      "reconcile_repairs_total",
		Help:      "Discrepancies repaired by the reconciliation sweep.",
	}, []string{"kind"})
)

// Stats aggregates runtime counters for the status endpoint. Prometheus
// covers scraping; Stats covers the human-readable JSON view.
type Stats struct {
	mu        sync.Mutex
	startedAt time.Time

	cycles     uint64
	minCycle   time.Duration
	maxCycle   time.Duration
	totalCycle time.Duration

	exitsOK     map[string]uint64
	exitsFailed map[string]uint64
}

// NewStats creates an empty Stats anchored at now.
func NewStats() *Stats {
	return &Stats{
		startedAt:   time.Now(),
		exitsOK:     make(map[string]uint64),
		exitsFailed: make(map[string]uint64),
	}
}

// RecordCycle registers one completed monitor cycle.
func (s *Stats) RecordCycle(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cycles++
	s.totalCycle += d
	if s.minCycle == 0 || d < s.minCycle {
		s.minCycle = d
	}
	if d > s.maxCycle {
		s.maxCycle = d
	}
}

// RecordExit registers one exit execution outcome.
func (s *Stats) RecordExit(reason string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ok {
		s.exitsOK[reason]++
	} else {
		s.exitsFailed[reason]++
	}
}

// StatsSnapshot is the JSON shape served by /status.
type StatsSnapshot struct {
	UptimeSeconds float64           `json:"uptime_seconds"`
	Cycles        uint64            `json:"cycles"`
	CycleMinMs    float64           `json:"cycle_min_ms"`
	CycleAvgMs    float64           `json:"cycle_avg_ms"`
	CycleMaxMs    float64           `json:"cycle_max_ms"`
	ExitsOK       map[string]uint64 `json:"exits_ok"`
	ExitsFailed   map[string]uint64 `json:"exits_failed"`
}

// Snapshot returns a copy of the current counters.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := StatsSnapshot{
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
		Cycles:        s.cycles,
		CycleMinMs:    float64(s.minCycle.Microseconds()) / 1000,
		CycleMaxMs:    float64(s.maxCycle.Microseconds()) / 1000,
		ExitsOK:       make(map[string]uint64, len(s.exitsOK)),
		ExitsFailed:   make(map[string]uint64, len(s.exitsFailed)),
	}
	if s.cycles > 0 {
		snap.CycleAvgMs = float64(s.totalCycle.Microseconds()) / float64(s.cycles) / 1000
	}
	for k, v := range s.exitsOK {
		snap.ExitsOK[k] = v
	}
	for k, v := range s.exitsFailed {
		snap.ExitsFailed[k] = v
	}
	return snap
}
