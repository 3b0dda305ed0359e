package action

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/medinterp/internal/domain"
	"github.com/ashureev/medinterp/internal/store"
)

// StartSweeper runs a background goroutine that periodically fails actions left
// in executing longer than staleAfter by an earlier process.
func (l *Lifecycle) StartSweeper(ctx context.Context, interval, staleAfter time.Duration) {
	if interval <= 0 || staleAfter <= 0 {
		l.logger.Info("Stale action sweeper disabled")
		return
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		l.logger.Info("Stale action sweeper started", "interval", interval, "stale_after", staleAfter)

		for {
			select {
			case <-ticker.C:
				l.SweepStale(ctx, staleAfter)
			case <-ctx.Done():
				l.logger.Info("Stale action sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// SweepStale fails executing actions whose execution started before
// now-staleAfter and that are not running in this process. It returns the
// number of actions failed.
func (l *Lifecycle) SweepStale(ctx context.Context, staleAfter time.Duration) int {
	executing, err := l.repo.ListActions(ctx, domain.ActionFilter{Status: domain.ActionExecuting})
	if err != nil {
		l.logger.Error("Sweeper failed to list executing actions", "error", err)
		return 0
	}

	threshold := l.now().Add(-staleAfter)
	swept := 0
	for _, a := range executing {
		if l.InFlight(a.ID) {
			continue
		}
		if a.ExecutedAt != nil && a.ExecutedAt.After(threshold) {
			continue
		}

		done, err := l.repo.TransitionAction(ctx, a.ID, domain.ActionExecuting, domain.ActionUpdate{
			Status:       domain.Ptr(domain.ActionFailed),
			ErrorMessage: domain.Ptr(msgInterrupted),
		})
		if errors.Is(err, store.ErrStatusConflict) {
			continue
		}
		if err != nil {
			l.logger.Warn("Sweeper failed to fail stale action", "action_id", a.ID, "error", err)
			continue
		}
		l.logger.Info("Sweeper failed stale action", "action_id", a.ID, "conversation_id", a.ConversationID)
		l.notify(done)
		swept++
	}

	if swept > 0 {
		l.logger.Info("Stale action sweep completed", "failed", swept)
	}
	return swept
}
