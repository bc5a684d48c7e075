package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dattmumas/lnked-realtime/internal/core/domain"
	apperrors "github.com/dattmumas/lnked-realtime/internal/core/errors"
	"github.com/dattmumas/lnked-realtime/internal/core/ports"
	"github.com/dattmumas/lnked-realtime/internal/infrastructure/clock"
)

// ManagerConfig groups the tunables of every realtime component.
type ManagerConfig struct {
	Registry      RegistryConfig
	Typing        TypingConfig
	FlushInterval time.Duration
	ResyncSettle  time.Duration
}

// DefaultManagerConfig returns production defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Registry:      DefaultRegistryConfig(),
		Typing:        DefaultTypingConfig(),
		FlushInterval: DefaultFlushInterval,
		ResyncSettle:  DefaultResyncSettle,
	}
}

// ManagerStats is the payload of the stats endpoint.
type ManagerStats struct {
	Connections    []domain.ConnectionInfo `json:"connections"`
	Dispatch       DispatchStats           `json:"dispatch"`
	Resync         ResyncStats             `json:"resync"`
	ProtocolErrors uint64                  `json:"protocolErrors"`
}

// Manager is the realtime service: it checks access, hands subscriptions to
// the channel registry, decodes inbound messages into the dispatcher and
// follows credential changes.
type Manager struct {
	registry    *ChannelRegistry
	dispatcher  *EventDispatcher
	typing      *TypingCoordinator
	resync      *Resynchronizer
	access      ports.AccessChecker
	credentials ports.CredentialProvider
	clock       clock.Clock
	logger      *slog.Logger

	protocolErrors atomic.Uint64

	mu        sync.Mutex
	started   bool
	cancelRun context.CancelFunc
	runDone   chan struct{}
}

var _ ports.RealtimeService = (*Manager)(nil)

// NewManager wires the realtime components. access and credentials may be
// nil, in which case every topic is allowed and no resync happens.
func NewManager(
	transport ports.Transport,
	access ports.AccessChecker,
	credentials ports.CredentialProvider,
	clk clock.Clock,
	cfg ManagerConfig,
	logger *slog.Logger,
) *Manager {
	registry := NewChannelRegistry(transport, credentials, clk, cfg.Registry, logger)
	typing := NewTypingCoordinator(registry, clk, cfg.Typing, logger)
	dispatcher := NewEventDispatcher(registry, typing, clk, cfg.FlushInterval, logger)
	resync := NewResynchronizer(registry, dispatcher, typing, clk, cfg.ResyncSettle, logger)

	m := &Manager{
		registry:    registry,
		dispatcher:  dispatcher,
		typing:      typing,
		resync:      resync,
		access:      access,
		credentials: credentials,
		clock:       clk,
		logger:      logger.With("component", "realtime_manager"),
	}
	registry.SetListener(m)
	return m
}

// Start begins flushing and, when a credential provider is configured,
// following its signals.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	m.dispatcher.Start()

	if m.credentials == nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancelRun = cancel
	done := make(chan struct{})
	m.runDone = done
	go func() {
		defer close(done)
		m.resync.Run(runCtx, m.credentials.Signals())
	}()
}

// Subscribe checks the actor's access and attaches consumer to topic.
func (m *Manager) Subscribe(ctx context.Context, topic domain.TopicKey, consumer ports.Consumer) (func(), error) {
	sub, err := m.SubscribeHandle(ctx, topic, consumer)
	if err != nil {
		return nil, err
	}
	return sub.Unsubscribe, nil
}

// SubscribeHandle is Subscribe returning the registry handle.
func (m *Manager) SubscribeHandle(ctx context.Context, topic domain.TopicKey, consumer ports.Consumer) (*Subscription, error) {
	if _, err := domain.ParseTopicKey(topic.String()); err != nil {
		return nil, err
	}
	if m.resync.SignedOut() {
		return nil, fmt.Errorf("subscribe %s: %w", topic, apperrors.ErrSignedOut)
	}

	if m.access != nil {
		allowed, err := m.access.CanJoin(ctx, topic, consumer.ActorID)
		if err != nil {
			return nil, fmt.Errorf("check access to %s: %w", topic, err)
		}
		if !allowed {
			m.logger.InfoContext(ctx, "subscription denied", "topic", topic.String(), "actor_id", consumer.ActorID)
			return nil, fmt.Errorf("subscribe %s: %w", topic, apperrors.ErrForbidden)
		}
	}

	return m.registry.Subscribe(topic, consumer)
}

func (m *Manager) SendTypingStart(ctx context.Context, topic domain.TopicKey, userID string) error {
	return m.typing.SendTypingStart(ctx, topic, userID)
}

func (m *Manager) SendTypingStop(ctx context.Context, topic domain.TopicKey, userID string) error {
	return m.typing.SendTypingStop(ctx, topic, userID)
}

func (m *Manager) Connections() []domain.ConnectionInfo {
	return m.registry.Snapshot()
}

// Stats returns connection and delivery counters.
func (m *Manager) Stats() ManagerStats {
	return ManagerStats{
		Connections:    m.registry.Snapshot(),
		Dispatch:       m.dispatcher.Stats(),
		Resync:         m.resync.Stats(),
		ProtocolErrors: m.protocolErrors.Load(),
	}
}

// Flush delivers buffered events immediately.
func (m *Manager) Flush() int {
	return m.dispatcher.Flush()
}

// Rotate and SignOut apply a credential change directly, bypassing the
// provider's signal channel.
func (m *Manager) Rotate() bool { return m.resync.Rotate() }
func (m *Manager) SignOut()     { m.resync.SignOut() }

// Deliver decodes an inbound message and buffers its envelopes.
func (m *Manager) Deliver(topic domain.TopicKey, msg ports.Message) {
	envs, err := DecodeMessage(topic, msg, m.clock.Now())
	if err != nil {
		m.protocolErrors.Add(1)
		m.logger.Warn("dropping malformed message",
			"topic", topic.String(),
			"event", msg.Event,
			"class", apperrors.Classify(err).String(),
			"error", err,
		)
		return
	}
	for _, env := range envs {
		m.dispatcher.Ingest(env)
	}
}

// TopicClosed forgets buffered and typing state of a torn down topic.
func (m *Manager) TopicClosed(topic domain.TopicKey) {
	m.dispatcher.Drop(topic)
	m.typing.DropTopic(topic)
}

// ShutdownAll delivers what is buffered, then leaves every channel. Later
// subscriptions fail with ErrShutdown.
func (m *Manager) ShutdownAll(ctx context.Context) error {
	m.mu.Lock()
	cancel, done := m.cancelRun, m.runDone
	m.cancelRun, m.runDone = nil, nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	m.dispatcher.Flush()
	m.dispatcher.Stop()
	channels := m.registry.Close()
	m.typing.Reset()

	m.logger.Info("shutting down realtime connections", "channels", len(channels))
	if err := releaseAll(ctx, m.registry, channels); err != nil {
		return fmt.Errorf("release channels: %w", err)
	}
	return nil
}
