package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"cloudlocker/internal/auth"
	"cloudlocker/internal/storage"
)

// tokenPurger drops state that outlived its usefulness: revocations for JWTs
// that have expired anyway, and spent or expired email link tokens.
type tokenPurger interface {
	PurgeExpired(ctx context.Context) error
}

type purgeTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) purgeTicker

// expiredStatePurger combines the revocation store and the link token
// collection behind a single purge.
type expiredStatePurger struct {
	tokens *auth.TokenManager
	store  storage.Repository
	now    func() time.Time
	logger *slog.Logger
}

func (p expiredStatePurger) PurgeExpired(ctx context.Context) error {
	if p.tokens != nil {
		if err := p.tokens.PurgeExpired(ctx); err != nil {
			return err
		}
	}
	if p.store == nil {
		return nil
	}
	now := time.Now
	if p.now != nil {
		now = p.now
	}
	removed, err := p.store.PurgeExpiredTokens(ctx, now().UTC())
	if err != nil {
		return err
	}
	if removed > 0 && p.logger != nil {
		p.logger.Debug("purged expired link tokens", "count", removed)
	}
	return nil
}

func startTokenPurgeWorker(ctx context.Context, logger *slog.Logger, purger tokenPurger, interval time.Duration) func() {
	return startTokenPurgeWorkerWithTicker(ctx, logger, purger, interval, func(d time.Duration) purgeTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func startTokenPurgeWorkerWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	purger tokenPurger,
	interval time.Duration,
	newTicker tickerFactory,
) func() {
	if purger == nil || interval <= 0 {
		return func() {}
	}
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				runCtx, runCancel := context.WithTimeout(workerCtx, interval)
				err := purger.PurgeExpired(runCtx)
				runCancel()
				if err != nil && logger != nil {
					logger.Error("failed to purge expired tokens", "error", err)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
