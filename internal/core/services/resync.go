package services

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dattmumas/lnked-realtime/internal/core/ports"
	"github.com/dattmumas/lnked-realtime/internal/infrastructure/clock"
)

// DefaultResyncSettle is the pause between releasing old channels and
// rejoining with a rotated credential.
const DefaultResyncSettle = 500 * time.Millisecond

const releaseConcurrency = 16

// Resynchronizer rebuilds every connection after a credential rotation and
// drops everything on sign-out.
type Resynchronizer struct {
	registry   *ChannelRegistry
	dispatcher *EventDispatcher
	typing     *TypingCoordinator
	clock      clock.Clock
	settle     time.Duration
	logger     *slog.Logger

	mu          sync.Mutex
	inProgress  bool
	signedOut   bool
	epoch       uint64
	settleTimer clock.Timer

	rotations atomic.Uint64
	coalesced atomic.Uint64
}

func NewResynchronizer(
	registry *ChannelRegistry,
	dispatcher *EventDispatcher,
	typing *TypingCoordinator,
	clk clock.Clock,
	settle time.Duration,
	logger *slog.Logger,
) *Resynchronizer {
	if settle < 0 {
		settle = 0
	}
	return &Resynchronizer{
		registry:   registry,
		dispatcher: dispatcher,
		typing:     typing,
		clock:      clk,
		settle:     settle,
		logger:     logger.With("component", "resync"),
	}
}

// Run handles credential signals until ctx is done or signals is closed.
func (s *Resynchronizer) Run(ctx context.Context, signals <-chan ports.CredentialSignal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			switch sig {
			case ports.SignalRotated:
				s.Rotate()
			case ports.SignalSignedOut:
				s.SignOut()
			default:
				s.logger.Warn("unknown credential signal", "signal", sig.String())
			}
		}
	}
}

// Rotate parks every connection, releases the old channels and, after the
// settle delay, rejoins each parked topic once with its original consumers.
// A rotation arriving while one is in progress is coalesced into it; it
// reports false in that case.
func (s *Resynchronizer) Rotate() bool {
	s.mu.Lock()
	if s.inProgress {
		s.mu.Unlock()
		s.coalesced.Add(1)
		s.logger.Info("rotation coalesced into resync in progress")
		return false
	}
	s.inProgress = true
	s.signedOut = false
	s.epoch++
	epoch := s.epoch
	s.mu.Unlock()

	s.rotations.Add(1)
	topics, channels := s.registry.Park()
	s.logger.Info("credential rotated, resyncing", "topics", len(topics), "channels", len(channels))

	ctx, cancel := context.WithTimeout(context.Background(), s.registry.cfg.LeaveTimeout)
	if err := releaseAll(ctx, s.registry, channels); err != nil {
		s.logger.Warn("releasing channels before resync", "error", err)
	}
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return true
	}
	s.settleTimer = s.clock.AfterFunc(s.settle, func() { s.restore(epoch) })
	return true
}

func (s *Resynchronizer) restore(epoch uint64) {
	s.mu.Lock()
	if s.epoch != epoch || !s.inProgress {
		s.mu.Unlock()
		return
	}
	s.settleTimer = nil
	s.mu.Unlock()

	restored := 0
	for _, topic := range s.registry.Parked() {
		if s.registry.Restore(topic) {
			restored++
		}
	}

	s.mu.Lock()
	if s.epoch == epoch {
		s.inProgress = false
	}
	s.mu.Unlock()
	s.logger.Info("resync complete", "topics", restored)
}

// SignOut tears down every connection and forgets parked consumers, typing
// state and buffered events. A pending restore is cancelled. New
// subscriptions are refused until the next rotation.
func (s *Resynchronizer) SignOut() {
	s.mu.Lock()
	s.signedOut = true
	s.epoch++
	if s.settleTimer != nil {
		s.settleTimer.Stop()
		s.settleTimer = nil
	}
	s.inProgress = false
	s.mu.Unlock()

	channels := s.registry.TeardownAll()
	ctx, cancel := context.WithTimeout(context.Background(), s.registry.cfg.LeaveTimeout)
	if err := releaseAll(ctx, s.registry, channels); err != nil {
		s.logger.Warn("releasing channels on sign-out", "error", err)
	}
	cancel()

	s.dispatcher.Reset()
	s.typing.Reset()
	s.logger.Info("signed out, realtime state cleared", "channels", len(channels))
}

// InProgress reports whether a rotation is waiting to restore topics.
func (s *Resynchronizer) InProgress() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inProgress
}

// SignedOut reports whether a sign-out has not yet been followed by a
// rotation.
func (s *Resynchronizer) SignedOut() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signedOut
}

// ResyncStats counts resynchronizer activity.
type ResyncStats struct {
	Rotations uint64 `json:"rotations"`
	Coalesced uint64 `json:"coalesced"`
}

func (s *Resynchronizer) Stats() ResyncStats {
	return ResyncStats{Rotations: s.rotations.Load(), Coalesced: s.coalesced.Load()}
}

// releaseAll leaves channels concurrently, waiting until they are released
// or ctx is done.
func releaseAll(ctx context.Context, registry *ChannelRegistry, channels []ports.Channel) error {
	if len(channels) == 0 {
		return nil
	}
	var g errgroup.Group
	g.SetLimit(releaseConcurrency)
	done := make(chan struct{})
	go func() {
		for _, ch := range channels {
			g.Go(func() error {
				registry.Release(ch)
				return nil
			})
		}
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
