package store

import (
	"context"
	"sync"
	"time"

	"github.com/sessioncap/sessioncap/internal/logging"
)

// Sweeper periodically soft-invalidates expired credentials so stored rows
// reflect what GetValidCredential already reports.
type Sweeper struct {
	store    CredentialStore
	interval time.Duration
	logger   *logging.Logger
	onSwept  func(n int64)

	mu     sync.Mutex
	ticker *time.Ticker
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewSweeper creates a sweeper. onSwept may be nil.
func NewSweeper(s CredentialStore, interval time.Duration, logger *logging.Logger, onSwept func(n int64)) *Sweeper {
	if logger == nil {
		logger = logging.NewLogger()
	}
	return &Sweeper{
		store:    s,
		interval: interval,
		logger:   logger,
		onSwept:  onSwept,
	}
}

// Start begins sweeping in the background. It is a no-op if already running.
func (w *Sweeper) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ticker != nil || w.interval <= 0 {
		return
	}
	w.ticker = time.NewTicker(w.interval)
	w.done = make(chan struct{})
	ticker, done := w.ticker, w.done

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case <-ticker.C:
				w.SweepOnce(context.Background())
			case <-done:
				return
			}
		}
	}()
}

// SweepOnce runs a single pass and returns how many credentials were expired.
func (w *Sweeper) SweepOnce(ctx context.Context) int64 {
	n, err := w.store.SweepExpired(ctx)
	if err != nil {
		w.logger.Error("credential sweep failed", "error", err.Error())
		return 0
	}
	if n > 0 {
		w.logger.Info("expired credentials invalidated", "count", n)
		if w.onSwept != nil {
			w.onSwept(n)
		}
	}
	return n
}

// Stop halts the background loop and waits for it to exit.
func (w *Sweeper) Stop() {
	w.mu.Lock()
	if w.ticker == nil {
		w.mu.Unlock()
		return
	}
	w.ticker.Stop()
	close(w.done)
	w.ticker = nil
	w.mu.Unlock()
	w.wg.Wait()
}
