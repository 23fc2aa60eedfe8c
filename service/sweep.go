package service

import (
	"context"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"go-tabletop/notifier"
)

// Sweep removes rooms that have no live connection and have been idle longer
// than idle. Rooms with a connection are kept however stale they look, and
// their store expiry is pushed back.
func (r *Registry) Sweep(ctx context.Context, idle time.Duration) ([]string, error) {
	codes, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}

	var removed []string
	var errs error
	now := r.now()
	for _, code := range codes {
		rm := r.lockRoom(code)
		if len(rm.members) > 0 {
			if err := r.store.KeepAlive(ctx, code); err != nil {
				errs = multierr.Append(errs, err)
			}
			r.release(rm)
			continue
		}
		state, exists, err := r.load(ctx, code)
		if err != nil || !exists {
			errs = multierr.Append(errs, err)
			r.release(rm)
			continue
		}
		if state.IdleFor(now) <= idle {
			r.release(rm)
			continue
		}
		if err := r.store.Delete(ctx, code); err != nil {
			errs = multierr.Append(errs, err)
			r.release(rm)
			continue
		}
		r.release(rm)

		removed = append(removed, code)
		r.publisher.Publish(code, notifier.EventRoomRemoved, nil)
		r.logger.Info("idle room removed", zap.String("room", code), zap.Duration("idle", state.IdleFor(now)))
	}
	return removed, errs
}

// StartSweeper runs Sweep every interval until ctx is done.
func (r *Registry) StartSweeper(ctx context.Context, interval, idle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx, idle); err != nil {
				r.logger.Warn("room sweep", zap.Error(err))
			}
		}
	}
}
