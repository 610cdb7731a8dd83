package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"latency_arb/internal/domain"
	"latency_arb/internal/infra"

	"github.com/gorilla/websocket"
)

// Options tunes a Worker. Zero values take the defaults below.
type Options struct {
	Backoff     infra.Backoff
	MaxAttempts int           // consecutive failures before reporting degraded
	BootTimeout time.Duration // bound on the first, synchronous dial
	ReadTimeout time.Duration
	Metrics     *infra.Metrics
	// OnDegraded is called once per outage when MaxAttempts is reached.
	OnDegraded func(symbol string, err error)
}

// Worker keeps one websocket subscription for one symbol alive and
// publishes normalized ticks. Reconnection gaps are not backfilled.
type Worker struct {
	url    string
	symbol string
	codec  Codec
	out    chan<- domain.PriceTick
	opts   Options
	now    func() time.Time

	mu        sync.RWMutex
	writeMu   sync.Mutex
	conn      *websocket.Conn
	connected atomic.Bool
	degraded  atomic.Bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	logger    *slog.Logger
}

// NewWorker creates a feed worker for a single symbol.
func NewWorker(url, symbol string, codec Codec, out chan<- domain.PriceTick, opts Options) *Worker {
	if opts.Backoff.Base <= 0 {
		opts.Backoff = infra.Backoff{Base: time.Second, Max: 30 * time.Second}
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 10
	}
	if opts.BootTimeout <= 0 {
		opts.BootTimeout = 10 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 60 * time.Second
	}
	if opts.Metrics == nil {
		opts.Metrics = &infra.Metrics{}
	}
	return &Worker{
		url:    url,
		symbol: symbol,
		codec:  codec,
		out:    out,
		opts:   opts,
		now:    time.Now,
		logger: slog.Default().With(slog.String("module", "feed"), slog.String("venue", codec.Name()), slog.String("symbol", symbol)),
	}
}

// Connect dials synchronously so that an unreachable feed fails startup,
// then keeps the connection alive in the background until Disconnect.
func (w *Worker) Connect(ctx context.Context) error {
	bootCtx, cancel := context.WithTimeout(ctx, w.opts.BootTimeout)
	err := w.dial(bootCtx)
	cancel()
	if err != nil {
		return domain.NewFatalNetworkError("feed boot "+w.symbol, err)
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.connectionLoop(ctx)
	return nil
}

// Disconnect stops the worker and waits for its goroutine to exit.
func (w *Worker) Disconnect() {
	if w.cancel != nil {
		w.cancel()
	}
	w.closeConnection()
	w.wg.Wait()
}

// IsConnected reports whether a live socket is currently open.
func (w *Worker) IsConnected() bool {
	return w.connected.Load()
}

// Degraded reports whether the current outage exhausted the attempt budget.
func (w *Worker) Degraded() bool {
	return w.degraded.Load()
}

func (w *Worker) connectionLoop(ctx context.Context) {
	defer w.wg.Done()
	for {
		connCtx, stopPing := context.WithCancel(ctx)
		w.startPing(connCtx)
		w.readLoop(ctx)
		stopPing()
		if ctx.Err() != nil {
			return
		}
		if !w.reconnect(ctx) {
			return
		}
	}
}

// reconnect retries with exponential backoff until a dial succeeds or ctx ends.
func (w *Worker) reconnect(ctx context.Context) bool {
	failures := 0
	for {
		delay := w.opts.Backoff.Next(failures)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}

		err := w.dial(ctx)
		if err == nil {
			w.opts.Metrics.RecordReconnect()
			if w.degraded.CompareAndSwap(true, false) {
				w.logger.Info("Feed recovered", slog.Int("attempts", failures+1))
			}
			return true
		}
		if ctx.Err() != nil {
			return false
		}

		failures++
		w.logger.Warn("Feed reconnect failed", slog.Any("error", err), slog.Int("retry", failures))
		if failures >= w.opts.MaxAttempts && w.degraded.CompareAndSwap(false, true) {
			w.opts.Metrics.RecordFeedDegraded()
			derr := fmt.Errorf("%w: %s after %d attempts: %v", domain.ErrFeedDegraded, w.symbol, failures, err)
			w.logger.Error("Feed degraded", slog.Any("error", derr))
			if w.opts.OnDegraded != nil {
				w.opts.OnDegraded(w.symbol, derr)
			}
		}
	}
}

func (w *Worker) dial(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: w.opts.BootTimeout}
	conn, _, err := dialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	if err := w.adopt(ctx, conn); err != nil {
		return err
	}

	if err := w.subscribe(); err != nil {
		w.closeConnection()
		return fmt.Errorf("subscribe failed: %w", err)
	}

	w.connected.Store(true)
	w.logger.Info("Feed connected")
	return nil
}

// adopt stores a freshly dialed conn unless ctx ended meanwhile. Disconnect
// cancels before it closes, so a dial that lands after the close is dropped here.
func (w *Worker) adopt(ctx context.Context, conn *websocket.Conn) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := ctx.Err(); err != nil {
		conn.Close()
		return fmt.Errorf("dial outlived worker: %w", err)
	}
	w.conn = conn
	w.opts.Metrics.IncrementConnections()
	return nil
}

func (w *Worker) subscribe() error {
	msg, err := w.codec.SubscribeMessage(w.symbol)
	if err != nil {
		return err
	}
	return w.threadSafeWrite(websocket.TextMessage, msg)
}

func (w *Worker) threadSafeWrite(msgType int, data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.conn == nil {
		return domain.ErrConnectionFailed
	}
	return w.conn.WriteMessage(msgType, data)
}

func (w *Worker) startPing(ctx context.Context) {
	ka, ok := w.codec.(KeepAlive)
	if !ok {
		return
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(ka.PingInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.threadSafeWrite(websocket.TextMessage, ka.PingMessage()); err != nil {
					w.logger.Warn("Feed ping failed", slog.Any("error", err))
				}
			}
		}
	}()
}

func (w *Worker) readLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		w.mu.RLock()
		c := w.conn
		w.mu.RUnlock()
		if c == nil {
			return
		}

		c.SetReadDeadline(time.Now().Add(w.opts.ReadTimeout))
		_, msg, err := c.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Warn("Feed read error", slog.Any("error", err))
			}
			w.closeConnection()
			return
		}
		w.handleMessage(msg)
	}
}

func (w *Worker) handleMessage(msg []byte) {
	tick, ok := w.codec.Parse(w.symbol, msg, w.now())
	if !ok {
		return
	}
	w.opts.Metrics.RecordTick()

	select {
	case w.out <- tick:
	default: // DROP
		w.opts.Metrics.RecordTickDropped()
	}
}

func (w *Worker) closeConnection() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
		w.opts.Metrics.DecrementConnections()
	}
	w.connected.Store(false)
}
