package services

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dattmumas/lnked-realtime/internal/core/domain"
	"github.com/dattmumas/lnked-realtime/internal/infrastructure/clock"
)

// TypingConfig tunes typing indicators.
type TypingConfig struct {
	// Expiry removes a remote typist not renewed within this window.
	Expiry time.Duration
	// AutoStop broadcasts typing-stop for a local typist after this much
	// inactivity.
	AutoStop time.Duration
	// ResendInterval suppresses repeated typing-start broadcasts.
	ResendInterval time.Duration
	// SendTimeout bounds the broadcast issued by an auto-stop.
	SendTimeout time.Duration
}

// DefaultTypingConfig returns production defaults.
func DefaultTypingConfig() TypingConfig {
	return TypingConfig{
		Expiry:         5 * time.Second,
		AutoStop:       3 * time.Second,
		ResendInterval: time.Second,
		SendTimeout:    5 * time.Second,
	}
}

// Broadcaster sends an ephemeral event on a joined topic.
type Broadcaster interface {
	Send(ctx context.Context, topic domain.TopicKey, event string, payload []byte) error
}

// TypingCoordinator owns typing state: the expiring set of remote typists
// per topic and the auto-stop timers of local typists.
type TypingCoordinator struct {
	cfg         TypingConfig
	clock       clock.Clock
	broadcaster Broadcaster
	timers      *topicTimers
	logger      *slog.Logger

	mu       sync.Mutex
	active   map[domain.TopicKey]map[string]time.Time
	lastSent map[domain.TopicKey]map[string]time.Time
}

func NewTypingCoordinator(broadcaster Broadcaster, clk clock.Clock, cfg TypingConfig, logger *slog.Logger) *TypingCoordinator {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultTypingConfig().SendTimeout
	}
	return &TypingCoordinator{
		cfg:         cfg,
		clock:       clk,
		broadcaster: broadcaster,
		timers:      newTopicTimers(clk),
		logger:      logger.With("component", "typing_coordinator"),
		active:      make(map[domain.TopicKey]map[string]time.Time),
		lastSent:    make(map[domain.TopicKey]map[string]time.Time),
	}
}

// RecordTypingStart marks user as typing on topic at the given time. It
// reports true only when the user was not already typing.
func (c *TypingCoordinator) RecordTypingStart(topic domain.TopicKey, userID string, at time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	users := c.active[topic]
	if users == nil {
		users = make(map[string]time.Time)
		c.active[topic] = users
	}
	_, existed := users[userID]
	users[userID] = at
	return !existed
}

// RecordTypingStop removes user from topic's typing set.
func (c *TypingCoordinator) RecordTypingStop(topic domain.TopicKey, userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	users := c.active[topic]
	if _, ok := users[userID]; !ok {
		return false
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(c.active, topic)
	}
	return true
}

// Observe applies an inbound typing envelope and reports whether the typing
// set changed. Other envelopes are ignored.
func (c *TypingCoordinator) Observe(env domain.Envelope) bool {
	switch ev := env.Event().(type) {
	case domain.TypingStart:
		return c.RecordTypingStart(env.Topic(), ev.UserID, env.ArrivedAt())
	case domain.TypingStop:
		return c.RecordTypingStop(env.Topic(), ev.UserID)
	default:
		return false
	}
}

// Sweep drops typists not renewed within the expiry window and returns the
// topics whose typing set changed.
func (c *TypingCoordinator) Sweep(now time.Time) []domain.TopicKey {
	c.mu.Lock()
	defer c.mu.Unlock()

	var changed []domain.TopicKey
	for topic, users := range c.active {
		removed := false
		for user, renewed := range users {
			if now.Sub(renewed) >= c.cfg.Expiry {
				delete(users, user)
				removed = true
			}
		}
		if len(users) == 0 {
			delete(c.active, topic)
		}
		if removed {
			changed = append(changed, topic)
		}
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i] < changed[j] })
	return changed
}

// Active returns the users currently typing on topic, sorted.
func (c *TypingCoordinator) Active(topic domain.TopicKey) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	users := make([]string, 0, len(c.active[topic]))
	for user := range c.active[topic] {
		users = append(users, user)
	}
	sort.Strings(users)
	return users
}

// SendTypingStart announces a local typist and (re)arms its auto-stop.
// Repeated calls within ResendInterval only push the auto-stop back.
func (c *TypingCoordinator) SendTypingStart(ctx context.Context, topic domain.TopicKey, userID string) error {
	now := c.clock.Now()

	c.mu.Lock()
	last := c.lastSent[topic][userID]
	send := last.IsZero() || now.Sub(last) >= c.cfg.ResendInterval
	if send {
		sent := c.lastSent[topic]
		if sent == nil {
			sent = make(map[string]time.Time)
			c.lastSent[topic] = sent
		}
		sent[userID] = now
	}
	c.mu.Unlock()

	c.timers.Schedule(topic, autoStopTimer(userID), c.cfg.AutoStop, func() {
		c.autoStop(topic, userID)
	})

	if !send {
		return nil
	}
	if err := c.broadcast(ctx, topic, BroadcastTypingStart, userID); err != nil {
		c.forgetSent(topic, userID)
		return err
	}
	return nil
}

// SendTypingStop announces that a local typist stopped.
func (c *TypingCoordinator) SendTypingStop(ctx context.Context, topic domain.TopicKey, userID string) error {
	c.timers.Cancel(topic, autoStopTimer(userID))
	c.forgetSent(topic, userID)
	return c.broadcast(ctx, topic, BroadcastTypingStop, userID)
}

func (c *TypingCoordinator) autoStop(topic domain.TopicKey, userID string) {
	c.forgetSent(topic, userID)

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SendTimeout)
	defer cancel()
	if err := c.broadcast(ctx, topic, BroadcastTypingStop, userID); err != nil {
		c.logger.Warn("typing auto-stop failed", "topic", topic.String(), "user_id", userID, "error", err)
		return
	}
	c.logger.Debug("typing auto-stopped", "topic", topic.String(), "user_id", userID)
}

func (c *TypingCoordinator) broadcast(ctx context.Context, topic domain.TopicKey, event, userID string) error {
	payload, err := EncodeTyping(userID)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	return c.broadcaster.Send(ctx, topic, event, payload)
}

func (c *TypingCoordinator) forgetSent(topic domain.TopicKey, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sent := c.lastSent[topic]
	delete(sent, userID)
	if len(sent) == 0 {
		delete(c.lastSent, topic)
	}
}

// DropTopic forgets all typing state of a torn down topic.
func (c *TypingCoordinator) DropTopic(topic domain.TopicKey) {
	c.timers.CancelTopic(topic)
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, topic)
	delete(c.lastSent, topic)
}

// Reset forgets all typing state.
func (c *TypingCoordinator) Reset() {
	c.timers.CancelAll()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = make(map[domain.TopicKey]map[string]time.Time)
	c.lastSent = make(map[domain.TopicKey]map[string]time.Time)
}

func autoStopTimer(userID string) string {
	return "autostop:" + userID
}
