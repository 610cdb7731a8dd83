package infra

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"latency_arb/internal/domain"
)

// Metrics provides lightweight observability without external dependencies.
// Uses atomic operations for thread-safety.
type Metrics struct {
	// Counters
	ticksReceived   atomic.Uint64
	ticksDropped    atomic.Uint64
	signalsEmitted  atomic.Uint64
	proposals       atomic.Uint64
	proposalsStale  atomic.Uint64
	proposalsDrops  atomic.Uint64
	approvals       atomic.Uint64
	rejectNotional  atomic.Uint64
	rejectRate      atomic.Uint64
	rejectPosition  atomic.Uint64
	ordersSubmitted atomic.Uint64
	ordersFilled    atomic.Uint64
	ordersRejected  atomic.Uint64
	ordersCanceled  atomic.Uint64
	bookErrors      atomic.Uint64
	feedReconnects  atomic.Uint64
	feedsDegraded   atomic.Uint64

	// Signal-to-submit latency
	latencySumNs atomic.Int64
	latencyCount atomic.Uint64

	// Gauges
	activeConnections atomic.Int32
	circuitOpen       atomic.Int32 // 1 = open, 0 = closed
}

// GlobalMetrics is the singleton metrics instance.
var GlobalMetrics = &Metrics{}

func (m *Metrics) RecordTick()         { m.ticksReceived.Add(1) }
func (m *Metrics) RecordTickDropped()  { m.ticksDropped.Add(1) }
func (m *Metrics) RecordSignal()       { m.signalsEmitted.Add(1) }
func (m *Metrics) RecordProposal()     { m.proposals.Add(1) }
func (m *Metrics) RecordStale()        { m.proposalsStale.Add(1) }
func (m *Metrics) RecordLaneDrop()     { m.proposalsDrops.Add(1) }
func (m *Metrics) RecordApproval()     { m.approvals.Add(1) }
func (m *Metrics) RecordBookError()    { m.bookErrors.Add(1) }
func (m *Metrics) RecordReconnect()    { m.feedReconnects.Add(1) }
func (m *Metrics) RecordFeedDegraded() { m.feedsDegraded.Add(1) }

// RecordRejection counts a throttle denial by reason.
func (m *Metrics) RecordRejection(reason domain.RejectReason) {
	switch reason {
	case domain.RejectNotionalExceeded:
		m.rejectNotional.Add(1)
	case domain.RejectRateExceeded:
		m.rejectRate.Add(1)
	case domain.RejectPositionCapReached:
		m.rejectPosition.Add(1)
	}
}

// RecordOrderState counts orders reaching a lifecycle state.
func (m *Metrics) RecordOrderState(s domain.OrderState) {
	switch s {
	case domain.OrderSubmitted:
		m.ordersSubmitted.Add(1)
	case domain.OrderFilled:
		m.ordersFilled.Add(1)
	case domain.OrderRejected:
		m.ordersRejected.Add(1)
	case domain.OrderCanceled:
		m.ordersCanceled.Add(1)
	}
}

// RecordDecisionLatency records the time from signal to venue acknowledgement.
func (m *Metrics) RecordDecisionLatency(d time.Duration) {
	m.latencySumNs.Add(d.Nanoseconds())
	m.latencyCount.Add(1)
}

// IncrementConnections increments active connections by 1.
func (m *Metrics) IncrementConnections() {
	m.activeConnections.Add(1)
}

// DecrementConnections decrements active connections by 1.
func (m *Metrics) DecrementConnections() {
	m.activeConnections.Add(-1)
}

// SetCircuitState sets the circuit breaker state (true = open).
func (m *Metrics) SetCircuitState(open bool) {
	if open {
		m.circuitOpen.Store(1)
	} else {
		m.circuitOpen.Store(0)
	}
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	TicksReceived     uint64
	TicksDropped      uint64
	SignalsEmitted    uint64
	Proposals         uint64
	ProposalsStale    uint64
	ProposalsDropped  uint64
	Approvals         uint64
	RejectNotional    uint64
	RejectRate        uint64
	RejectPosition    uint64
	OrdersSubmitted   uint64
	OrdersFilled      uint64
	OrdersRejected    uint64
	OrdersCanceled    uint64
	BookErrors        uint64
	FeedReconnects    uint64
	FeedsDegraded     uint64
	AvgLatencyNs      int64
	ActiveConnections int32
	CircuitOpen       bool
	Timestamp         time.Time
}

// Snapshot returns current metrics as a snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	var avgLatency int64
	count := m.latencyCount.Load()
	if count > 0 {
		avgLatency = m.latencySumNs.Load() / int64(count)
	}

	return MetricsSnapshot{
		TicksReceived:     m.ticksReceived.Load(),
		TicksDropped:      m.ticksDropped.Load(),
		SignalsEmitted:    m.signalsEmitted.Load(),
		Proposals:         m.proposals.Load(),
		ProposalsStale:    m.proposalsStale.Load(),
		ProposalsDropped:  m.proposalsDrops.Load(),
		Approvals:         m.approvals.Load(),
		RejectNotional:    m.rejectNotional.Load(),
		RejectRate:        m.rejectRate.Load(),
		RejectPosition:    m.rejectPosition.Load(),
		OrdersSubmitted:   m.ordersSubmitted.Load(),
		OrdersFilled:      m.ordersFilled.Load(),
		OrdersRejected:    m.ordersRejected.Load(),
		OrdersCanceled:    m.ordersCanceled.Load(),
		BookErrors:        m.bookErrors.Load(),
		FeedReconnects:    m.feedReconnects.Load(),
		FeedsDegraded:     m.feedsDegraded.Load(),
		AvgLatencyNs:      avgLatency,
		ActiveConnections: m.activeConnections.Load(),
		CircuitOpen:       m.circuitOpen.Load() == 1,
		Timestamp:         time.Now(),
	}
}

// LogValue renders the snapshot as a slog group.
func (s MetricsSnapshot) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("ticks", s.TicksReceived),
		slog.Uint64("ticks_dropped", s.TicksDropped),
		slog.Uint64("signals", s.SignalsEmitted),
		slog.Uint64("proposals", s.Proposals),
		slog.Uint64("stale", s.ProposalsStale),
		slog.Uint64("lane_drops", s.ProposalsDropped),
		slog.Uint64("approved", s.Approvals),
		slog.Uint64("rej_notional", s.RejectNotional),
		slog.Uint64("rej_rate", s.RejectRate),
		slog.Uint64("rej_position", s.RejectPosition),
		slog.Uint64("submitted", s.OrdersSubmitted),
		slog.Uint64("filled", s.OrdersFilled),
		slog.Uint64("rejected", s.OrdersRejected),
		slog.Uint64("canceled", s.OrdersCanceled),
		slog.Uint64("book_errors", s.BookErrors),
		slog.Uint64("reconnects", s.FeedReconnects),
		slog.Uint64("degraded", s.FeedsDegraded),
		slog.Duration("avg_latency", time.Duration(s.AvgLatencyNs)),
		slog.Int("connections", int(s.ActiveConnections)),
		slog.Bool("circuit_open", s.CircuitOpen),
	)
}

// StartReporter logs a snapshot every interval until ctx is done.
func (m *Metrics) StartReporter(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			slog.Info("metrics", slog.Any("snapshot", m.Snapshot()))
		}
	}
}

// Reset clears all metrics (for testing).
func (m *Metrics) Reset() {
	*m = Metrics{}
}
