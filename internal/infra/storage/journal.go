// Package storage persists the trade journal (signals, orders, fills).
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"latency_arb/internal/domain"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Options selects the backing database.
type Options struct {
	Driver     string
	Path       string // sqlite file
	DSN        string // postgres connection string
	BufferSize int
}

type entry struct {
	signal *domain.SignalRecord
	order  *domain.OrderRecord
	fill   *domain.FillRecord
}

// Journal appends records asynchronously. Record* never block the caller;
// when the buffer is full the record is dropped and counted.
type Journal struct {
	db *gorm.DB

	mu      sync.RWMutex
	queue   chan entry
	closed  bool
	started atomic.Bool
	done    chan struct{}

	dropped atomic.Int64
}

// Open connects to the configured database and migrates the journal tables.
func Open(opts Options) (*Journal, error) {
	var dialector gorm.Dialector
	switch opts.Driver {
	case DriverSQLite, "":
		if dir := filepath.Dir(opts.Path); dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create DB directory: %w", err)
			}
		}
		// Pure Go SQLite
		dialector = sqlite.Open(opts.Path)
	case DriverPostgres:
		dialector = postgres.Open(opts.DSN)
	default:
		return nil, fmt.Errorf("unsupported journal driver: %s", opts.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(&domain.SignalRecord{}, &domain.OrderRecord{}, &domain.FillRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	size := opts.BufferSize
	if size <= 0 {
		size = 256
	}
	return &Journal{
		db:    db,
		queue: make(chan entry, size),
		done:  make(chan struct{}),
	}, nil
}

// RecordSignal queues an emitted signal.
func (j *Journal) RecordSignal(sig domain.VolatilitySignal) {
	j.enqueue(entry{signal: domain.NewSignalRecord(sig)})
}

// RecordOrder queues an order snapshot. Rows are upserted by client order id.
func (j *Journal) RecordOrder(o domain.Order) {
	j.enqueue(entry{order: domain.NewOrderRecord(&o)})
}

// RecordFill queues a fill delta.
func (j *Journal) RecordFill(f domain.FillRecord) {
	j.enqueue(entry{fill: &f})
}

func (j *Journal) enqueue(e entry) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}
	select {
	case j.queue <- e:
	default:
		if j.dropped.Add(1)%100 == 1 {
			slog.Warn("Journal buffer full, dropping records", slog.Int64("dropped", j.dropped.Load()))
		}
	}
}

// Dropped returns how many records were discarded because the buffer was full.
func (j *Journal) Dropped() int64 {
	return j.dropped.Load()
}

// Start runs the writer until Close. Pending records are written even after
// ctx is canceled.
func (j *Journal) Start(ctx context.Context) {
	if !j.started.CompareAndSwap(false, true) {
		return
	}
	wctx := context.WithoutCancel(ctx)
	go func() {
		defer close(j.done)
		for e := range j.queue {
			if err := j.write(wctx, e); err != nil {
				slog.Error("Journal write failed", slog.Any("error", err))
			}
		}
	}()
}

func (j *Journal) write(ctx context.Context, e entry) error {
	db := j.db.WithContext(ctx)
	switch {
	case e.signal != nil:
		return db.Create(e.signal).Error
	case e.order != nil:
		return db.Save(e.order).Error
	case e.fill != nil:
		return db.Create(e.fill).Error
	}
	return nil
}

// Close stops intake, flushes queued records and closes the database.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.queue)
	j.mu.Unlock()

	if j.started.Load() {
		<-j.done
	} else {
		for e := range j.queue {
			if err := j.write(context.Background(), e); err != nil {
				slog.Error("Journal write failed", slog.Any("error", err))
			}
		}
	}

	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Order returns one order row, or nil if not found.
func (j *Journal) Order(clientOrderID string) (*domain.OrderRecord, error) {
	var rec domain.OrderRecord
	err := j.db.First(&rec, "client_order_id = ?", clientOrderID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil // Not found is not an error
	}
	return &rec, err
}

// Orders returns the order rows of a market, oldest first.
func (j *Journal) Orders(marketID string) ([]domain.OrderRecord, error) {
	var recs []domain.OrderRecord
	err := j.db.Where("market_id = ?", marketID).Order("created_at").Find(&recs).Error
	return recs, err
}

// Fills returns the fill rows of a market, oldest first.
func (j *Journal) Fills(marketID string) ([]domain.FillRecord, error) {
	var recs []domain.FillRecord
	err := j.db.Where("market_id = ?", marketID).Order("filled_at, id").Find(&recs).Error
	return recs, err
}

// Signals returns the most recent signals of a symbol, newest first.
func (j *Journal) Signals(symbol string, limit int) ([]domain.SignalRecord, error) {
	var recs []domain.SignalRecord
	err := j.db.Where("symbol = ?", symbol).Order("triggered_at desc").Limit(limit).Find(&recs).Error
	return recs, err
}
