package reconcile

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"go-tabletop/dto"
	"go-tabletop/entities"
	"go-tabletop/utils"
)

// Source is the local replica being reconciled.
type Source interface {
	PlayerID() string
	SharedCards() []entities.Card
}

// Peer is whatever carries hashes and correction requests to the room.
type Peer interface {
	SendHash(ctx context.Context, hash dto.StateHash) error
	RequestCorrection(ctx context.Context) error
}

type Options struct {
	Interval time.Duration
	Cooldown time.Duration
	Jitter   time.Duration
}

func DefaultOptions() Options {
	return Options{
		Interval: 3 * time.Second,
		Cooldown: 3 * time.Second,
		Jitter:   time.Second,
	}
}

// Engine 周期性广播指纹，发现分歧时请求纠正
type Engine struct {
	source Source
	peer   Peer
	opts   Options
	logger *zap.Logger

	now   func() time.Time
	after func(time.Duration, func())

	mu          sync.Mutex
	lastRequest time.Time
}

func NewEngine(source Source, peer Peer, opts Options, logger *zap.Logger) *Engine {
	return &Engine{
		source: source,
		peer:   peer,
		opts:   opts,
		logger: logger,
		now:    time.Now,
		after:  func(d time.Duration, f func()) { time.AfterFunc(d, f) },
	}
}

// Local computes the current digest of the replica.
func (e *Engine) Local() dto.StateHash {
	return Digest(e.source.PlayerID(), e.source.SharedCards())
}

// Tick broadcasts the local digest once.
func (e *Engine) Tick(ctx context.Context) error {
	return e.peer.SendHash(ctx, e.Local())
}

// Observe handles a peer digest. It returns true when a correction request
// was scheduled. Requests inside the cooldown window are dropped, and each
// scheduled request waits a random jitter before it is sent.
func (e *Engine) Observe(ctx context.Context, remote dto.StateHash) bool {
	local := e.Local()
	if !ShouldCorrect(local, remote) {
		return false
	}

	e.mu.Lock()
	now := e.now()
	if !e.lastRequest.IsZero() && now.Sub(e.lastRequest) < e.opts.Cooldown {
		e.mu.Unlock()
		return false
	}
	e.lastRequest = now
	e.mu.Unlock()

	e.logger.Debug("replica drift detected",
		zap.String("local", local.Fingerprint),
		zap.String("remote", remote.Fingerprint),
		zap.String("peer", remote.PlayerID),
		zap.Int("localCards", local.CardCount),
		zap.Int("remoteCards", remote.CardCount))

	e.after(utils.Jitter(e.opts.Jitter), func() {
		if ctx.Err() != nil {
			return
		}
		if err := e.peer.RequestCorrection(ctx); err != nil {
			e.logger.Debug("correction request failed", zap.Error(err))
		}
	})
	return true
}

// Run ticks every interval until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Tick(ctx); err != nil {
				e.logger.Debug("send state hash", zap.Error(err))
			}
		}
	}
}
