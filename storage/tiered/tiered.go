// Package tiered provides a Hot/Cold tiered billing.EventLedger that puts a
// fast ephemeral ledger (Hot, e.g. Redis) in front of a durable one (Cold,
// e.g. Postgres).
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tribebuild/tribehooks/pkg/billing"
)

// Config configures the tiered ledger behavior
type Config struct {
	// Hot is the L1 ledger (e.g., Redis, Memory) answering most re-delivery checks
	Hot billing.EventLedger

	// Cold is the L2 ledger (e.g., Postgres) and the source of truth
	Cold billing.EventLedger

	// AsyncHotWrites makes MarkProcessed return once Cold is written and fills
	// Hot in the background. If false, Hot is written synchronously.
	AsyncHotWrites bool

	// SyncBufferSize is the size of the buffered channel for async writes.
	// Default: 1000
	SyncBufferSize int

	// AsyncErrorHandler is called when an async Hot write fails.
	AsyncErrorHandler func(error)
}

// Ledger implements a Hot/Cold tiered event ledger:
// - Read-Through: Seen checks Hot, then Cold, and repairs Hot on a Cold hit
// - Write-Through: MarkProcessed writes Cold first, then Hot
type Ledger struct {
	hot  billing.EventLedger
	cold billing.EventLedger
	conf Config

	syncQueue chan func() error
	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a new tiered ledger.
func New(config Config) (*Ledger, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered ledger: both hot and cold ledgers are required")
	}

	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}

	l := &Ledger{
		hot:       config.Hot,
		cold:      config.Cold,
		conf:      config,
		syncQueue: make(chan func() error, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}

	if config.AsyncHotWrites {
		l.startWorker()
	}

	return l, nil
}

// Close drains pending async writes and stops the worker (if enabled).
func (l *Ledger) Close() error {
	if l.conf.AsyncHotWrites {
		l.closeOnce.Do(func() {
			close(l.shutdown)
			l.wg.Wait()
		})
	}
	return nil
}

func (l *Ledger) startWorker() {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for {
			select {
			case job := <-l.syncQueue:
				l.run(job)
			case <-l.shutdown:
				for {
					select {
					case job := <-l.syncQueue:
						l.run(job)
					default:
						return
					}
				}
			}
		}
	}()
}

func (l *Ledger) run(job func() error) {
	if err := job(); err != nil && l.conf.AsyncErrorHandler != nil {
		l.conf.AsyncErrorHandler(fmt.Errorf("tiered hot write failed: %w", err))
	}
}

// Seen implements billing.EventLedger with read-through strategy.
// A Hot failure falls back to Cold; only a Cold failure is returned.
func (l *Ledger) Seen(ctx context.Context, provider, eventID string) (bool, error) {
	if seen, err := l.hot.Seen(ctx, provider, eventID); err == nil && seen {
		return true, nil
	}

	seen, err := l.cold.Seen(ctx, provider, eventID)
	if err != nil {
		return false, err
	}

	if seen {
		// Read-repair; a failed fill only costs another Cold lookup
		_ = l.hot.MarkProcessed(ctx, provider, eventID) //nolint:errcheck // Cache fill - errors are non-critical
	}
	return seen, nil
}

// MarkProcessed implements billing.EventLedger with write-through strategy.
// Cold must succeed; Hot failures are not returned.
func (l *Ledger) MarkProcessed(ctx context.Context, provider, eventID string) error {
	if err := l.cold.MarkProcessed(ctx, provider, eventID); err != nil {
		return err
	}

	if !l.conf.AsyncHotWrites {
		_ = l.hot.MarkProcessed(ctx, provider, eventID) //nolint:errcheck // Hot is a cache of Cold
		return nil
	}

	job := func() error {
		return l.hot.MarkProcessed(context.Background(), provider, eventID)
	}
	select {
	case l.syncQueue <- job:
	default:
		if l.conf.AsyncErrorHandler != nil {
			l.conf.AsyncErrorHandler(fmt.Errorf("tiered sync queue full, dropping hot write for %s/%s", provider, eventID))
		}
	}
	return nil
}
