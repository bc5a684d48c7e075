package services

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dattmumas/lnked-realtime/internal/core/domain"
	apperrors "github.com/dattmumas/lnked-realtime/internal/core/errors"
	"github.com/dattmumas/lnked-realtime/internal/core/ports"
	"github.com/dattmumas/lnked-realtime/internal/infrastructure/clock"
)

const (
	timerRetry    = "retry"
	timerThrottle = "throttle"
)

// RegistryListener receives inbound traffic and teardown notices from the
// registry. Calls are made outside the registry lock.
type RegistryListener interface {
	Deliver(topic domain.TopicKey, msg ports.Message)
	TopicClosed(topic domain.TopicKey)
}

// RegistryConfig tunes the channel registry.
type RegistryConfig struct {
	Backoff      Backoff
	JoinTimeout  time.Duration
	LeaveTimeout time.Duration
	Presence     bool
	PresenceKey  string
}

// DefaultRegistryConfig returns production defaults.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		Backoff:      DefaultBackoff(),
		JoinTimeout:  10 * time.Second,
		LeaveTimeout: 5 * time.Second,
		Presence:     true,
	}
}

type joinPhase int

const (
	phaseNotStarted joinPhase = iota
	phaseInFlight
	phaseReady
)

type joinAttempt struct {
	id uint64
}

// connection is one logical subscription to a topic. All fields are guarded
// by the registry mutex.
type connection struct {
	topic      domain.TopicKey
	generation uint64
	state      domain.ConnState
	phase      joinPhase
	attempt    *joinAttempt
	channel    ports.Channel
	leaving    bool
	consumers  *consumerSet
	lastJoinAt time.Time
	backoff    time.Duration
	failures   int
}

// ChannelRegistry owns every topic connection: it deduplicates joins,
// counts attached consumers, retries transient failures and leaves a topic
// once nobody listens to it.
type ChannelRegistry struct {
	transport   ports.Transport
	credentials ports.CredentialProvider
	cfg         RegistryConfig
	clock       clock.Clock
	timers      *topicTimers
	listener    RegistryListener
	logger      *slog.Logger

	mu         sync.Mutex
	conns      map[domain.TopicKey]*connection
	lastJoin   map[domain.TopicKey]time.Time
	parked     map[domain.TopicKey]*consumerSet
	generation uint64
	attempts   uint64
	closed     bool
}

// NewChannelRegistry creates a registry. credentials and listener may be nil.
func NewChannelRegistry(
	transport ports.Transport,
	credentials ports.CredentialProvider,
	clk clock.Clock,
	cfg RegistryConfig,
	logger *slog.Logger,
) *ChannelRegistry {
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = DefaultRegistryConfig().JoinTimeout
	}
	if cfg.LeaveTimeout <= 0 {
		cfg.LeaveTimeout = DefaultRegistryConfig().LeaveTimeout
	}
	return &ChannelRegistry{
		transport:   transport,
		credentials: credentials,
		cfg:         cfg,
		clock:       clk,
		timers:      newTopicTimers(clk),
		logger:      logger.With("component", "channel_registry"),
		conns:       make(map[domain.TopicKey]*connection),
		lastJoin:    make(map[domain.TopicKey]time.Time),
		parked:      make(map[domain.TopicKey]*consumerSet),
	}
}

// SetListener installs the receiver for inbound messages. It must be called
// before the first Subscribe.
func (r *ChannelRegistry) SetListener(l RegistryListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listener = l
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	registry   *ChannelRegistry
	topic      domain.TopicKey
	id         ConsumerID
	generation uint64
	once       sync.Once
}

func (s *Subscription) Topic() domain.TopicKey { return s.topic }
func (s *Subscription) ID() ConsumerID         { return s.id }

// Generation identifies the connection the subscription attached to.
func (s *Subscription) Generation() uint64 { return s.generation }

// Unsubscribe detaches this subscription's consumer. Repeated calls are no-ops.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.registry.Unsubscribe(s.topic, s.id)
	})
}

// Subscribe attaches consumer to topic, joining the topic if no usable
// connection exists yet.
func (r *ChannelRegistry) Subscribe(topic domain.TopicKey, consumer ports.Consumer) (*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, apperrors.ErrShutdown
	}

	id := ConsumerID(uuid.NewString())
	conn := r.conns[topic]
	if conn != nil && r.discardableLocked(conn) {
		r.removeLocked(conn)
		conn = nil
	}

	if conn == nil {
		conn = r.newConnectionLocked(topic)
		conn.consumers.add(id, consumer)
		r.scheduleJoinLocked(conn, false)
	} else {
		conn.consumers.add(id, consumer)
		r.reviveLocked(conn)
	}

	r.logger.Debug("consumer attached",
		"topic", topic.String(),
		"consumer_id", string(id),
		"ref_count", conn.consumers.len(),
		"state", conn.state.String(),
	)

	return &Subscription{registry: r, topic: topic, id: id, generation: conn.generation}, nil
}

// Unsubscribe detaches one consumer. Unknown topics or consumers are ignored.
func (r *ChannelRegistry) Unsubscribe(topic domain.TopicKey, id ConsumerID) {
	r.mu.Lock()

	if set := r.parked[topic]; set != nil && set.remove(id) {
		if set.len() == 0 {
			delete(r.parked, topic)
		}
		r.mu.Unlock()
		return
	}

	conn := r.conns[topic]
	if conn == nil || !conn.consumers.remove(id) {
		r.mu.Unlock()
		return
	}
	if conn.consumers.len() > 0 {
		r.mu.Unlock()
		return
	}

	closed := false
	switch conn.state {
	case domain.StateIdle, domain.StateErrored:
		r.removeLocked(conn)
		closed = true
	case domain.StateJoining:
		// The join resolves first; completeJoin leaves immediately.
		conn.state = domain.StateLeaving
	case domain.StateJoined:
		r.startLeaveLocked(conn)
	}
	listener := r.listener
	r.mu.Unlock()

	if closed && listener != nil {
		listener.TopicClosed(topic)
	}
}

// Send broadcasts event on the topic's joined channel.
func (r *ChannelRegistry) Send(ctx context.Context, topic domain.TopicKey, event string, payload []byte) error {
	r.mu.Lock()
	conn := r.conns[topic]
	if conn == nil || conn.state != domain.StateJoined || conn.channel == nil {
		r.mu.Unlock()
		return fmt.Errorf("send %s on %s: %w", event, topic, apperrors.ErrNotJoined)
	}
	ch := conn.channel
	r.mu.Unlock()

	return ch.Send(ctx, event, payload)
}

// Consumers returns the consumers attached to topic in attach order,
// including consumers parked while credentials rotate.
func (r *ChannelRegistry) Consumers(topic domain.TopicKey) []ports.Consumer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conn := r.conns[topic]; conn != nil {
		return conn.consumers.list()
	}
	if set := r.parked[topic]; set != nil {
		return set.list()
	}
	return nil
}

// Lookup returns a snapshot of one connection.
func (r *ChannelRegistry) Lookup(topic domain.TopicKey) (domain.ConnectionInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn := r.conns[topic]
	if conn == nil {
		return domain.ConnectionInfo{}, false
	}
	return conn.info(), true
}

// Snapshot returns every connection ordered by topic.
func (r *ChannelRegistry) Snapshot() []domain.ConnectionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.ConnectionInfo, 0, len(r.conns))
	for _, conn := range r.conns {
		out = append(out, conn.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out
}

// Park detaches every connection while keeping its consumers, so the topics
// can be rejoined with fresh credentials. It returns the parked topics and
// the channels the caller must release.
func (r *ChannelRegistry) Park() ([]domain.TopicKey, []ports.Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var channels []ports.Channel
	for topic, conn := range r.conns {
		if conn.consumers.len() > 0 {
			set := r.parked[topic]
			if set == nil {
				set = newConsumerSet()
				r.parked[topic] = set
			}
			set.merge(conn.consumers)
		}
		if conn.channel != nil {
			channels = append(channels, conn.channel)
		}
		r.removeLocked(conn)
	}

	topics := make([]domain.TopicKey, 0, len(r.parked))
	for topic := range r.parked {
		topics = append(topics, topic)
	}
	sort.Slice(topics, func(i, j int) bool { return topics[i] < topics[j] })

	r.logger.Info("connections parked", "topics", len(topics), "channels", len(channels))
	return topics, channels
}

// Restore rejoins a parked topic with its original consumers, bypassing the
// rejoin throttle. It reports whether anything was restored.
func (r *ChannelRegistry) Restore(topic domain.TopicKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.parked[topic]
	delete(r.parked, topic)
	if set == nil || set.len() == 0 || r.closed {
		return false
	}

	conn := r.conns[topic]
	if conn != nil && r.discardableLocked(conn) {
		r.removeLocked(conn)
		conn = nil
	}
	if conn != nil {
		conn.consumers.merge(set)
		r.reviveLocked(conn)
		return true
	}

	conn = r.newConnectionLocked(topic)
	conn.consumers = set
	r.scheduleJoinLocked(conn, true)
	return true
}

// Parked returns the topics waiting for Restore.
func (r *ChannelRegistry) Parked() []domain.TopicKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	topics := make([]domain.TopicKey, 0, len(r.parked))
	for topic := range r.parked {
		topics = append(topics, topic)
	}
	sort.Slice(topics, func(i, j int) bool { return topics[i] < topics[j] })
	return topics
}

// TeardownAll drops every connection and parked consumer without notifying
// consumers. It returns the channels the caller must release.
func (r *ChannelRegistry) TeardownAll() []ports.Channel {
	r.mu.Lock()
	var channels []ports.Channel
	topics := make([]domain.TopicKey, 0, len(r.conns))
	for topic, conn := range r.conns {
		if conn.channel != nil {
			channels = append(channels, conn.channel)
		}
		topics = append(topics, topic)
		r.removeLocked(conn)
	}
	r.parked = make(map[domain.TopicKey]*consumerSet)
	r.timers.CancelAll()
	listener := r.listener
	r.mu.Unlock()

	if listener != nil {
		for _, topic := range topics {
			listener.TopicClosed(topic)
		}
	}
	r.logger.Info("connections torn down", "topics", len(topics), "channels", len(channels))
	return channels
}

// Close rejects further subscriptions and tears everything down.
func (r *ChannelRegistry) Close() []ports.Channel {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return r.TeardownAll()
}

// Release leaves ch, logging instead of returning failures.
func (r *ChannelRegistry) Release(ch ports.Channel) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.LeaveTimeout)
	defer cancel()
	if err := ch.Leave(ctx); err != nil {
		r.logger.Warn("channel release failed", "topic", ch.Topic().String(), "error", err)
	}
}

func (r *ChannelRegistry) newConnectionLocked(topic domain.TopicKey) *connection {
	r.generation++
	conn := &connection{
		topic:      topic,
		generation: r.generation,
		state:      domain.StateIdle,
		consumers:  newConsumerSet(),
		backoff:    r.cfg.Backoff.Base,
		lastJoinAt: r.lastJoin[topic],
	}
	r.conns[topic] = conn
	return conn
}

// discardableLocked reports whether a new subscriber must replace conn.
func (r *ChannelRegistry) discardableLocked(conn *connection) bool {
	switch conn.state {
	case domain.StateClosed:
		return true
	case domain.StateErrored:
		return !r.timers.Pending(conn.topic, timerRetry)
	}
	return false
}

// reviveLocked undoes an eager leave when a consumer arrives mid-join.
func (r *ChannelRegistry) reviveLocked(conn *connection) {
	if conn.state == domain.StateLeaving && conn.phase == phaseInFlight {
		conn.state = domain.StateJoining
	}
}

func (r *ChannelRegistry) removeLocked(conn *connection) {
	if r.conns[conn.topic] == conn {
		delete(r.conns, conn.topic)
	}
	r.timers.CancelTopic(conn.topic)
	conn.state = domain.StateClosed
	conn.attempt = nil
	conn.phase = phaseNotStarted
}

// scheduleJoinLocked joins now, or defers the join until the rejoin
// throttle for the topic has elapsed.
func (r *ChannelRegistry) scheduleJoinLocked(conn *connection, bypassThrottle bool) {
	wait := r.cfg.Backoff.RemainingThrottle(r.lastJoin[conn.topic], r.clock.Now())
	if bypassThrottle || wait == 0 {
		r.startJoinLocked(conn)
		return
	}

	conn.state = domain.StateIdle
	topic, gen := conn.topic, conn.generation
	r.logger.Debug("join throttled", "topic", topic.String(), "wait", wait)
	r.timers.Schedule(topic, timerThrottle, wait, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		current := r.conns[topic]
		if current == nil || current.generation != gen || current.state != domain.StateIdle {
			return
		}
		if current.consumers.len() == 0 {
			r.removeLocked(current)
			return
		}
		r.startJoinLocked(current)
	})
}

func (r *ChannelRegistry) startJoinLocked(conn *connection) {
	r.attempts++
	attempt := &joinAttempt{id: r.attempts}
	conn.state = domain.StateJoining
	conn.phase = phaseInFlight
	conn.attempt = attempt

	opts := ports.JoinOptions{
		AccessToken: r.token(),
		Presence:    r.cfg.Presence,
		PresenceKey: r.cfg.PresenceKey,
	}
	go r.runJoin(conn, attempt, opts)
}

func (r *ChannelRegistry) token() string {
	if r.credentials == nil {
		return ""
	}
	return r.credentials.Token()
}

func (r *ChannelRegistry) runJoin(conn *connection, attempt *joinAttempt, opts ports.JoinOptions) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.JoinTimeout)
	ch, err := r.transport.Join(ctx, conn.topic, opts)
	cancel()
	if err == nil && ch == nil {
		err = apperrors.NewBackendError(apperrors.ReasonUnknown, "transport returned no channel")
	}
	r.completeJoin(conn, attempt, ch, err)
}

func (r *ChannelRegistry) completeJoin(conn *connection, attempt *joinAttempt, ch ports.Channel, joinErr error) {
	r.mu.Lock()
	if r.conns[conn.topic] != conn || conn.attempt != attempt {
		r.mu.Unlock()
		if joinErr == nil {
			r.logger.Debug("stale join released", "topic", conn.topic.String(), "attempt", attempt.id)
			go r.Release(ch)
		}
		return
	}
	conn.attempt = nil

	if joinErr != nil {
		notify := r.handleJoinFailureLocked(conn, joinErr)
		r.mu.Unlock()
		notify()
		return
	}

	now := r.clock.Now()
	conn.phase = phaseReady
	conn.channel = ch
	conn.lastJoinAt = now
	conn.backoff = r.cfg.Backoff.Base
	conn.failures = 0
	r.lastJoin[conn.topic] = now
	r.bindLocked(conn, ch)

	if conn.state == domain.StateLeaving || conn.consumers.len() == 0 {
		r.startLeaveLocked(conn)
		r.mu.Unlock()
		return
	}
	conn.state = domain.StateJoined
	r.logger.Info("channel joined",
		"topic", conn.topic.String(),
		"generation", conn.generation,
		"ref_count", conn.consumers.len(),
	)
	r.mu.Unlock()
}

// handleJoinFailureLocked applies a failed join and returns the
// notifications to deliver once the lock is released.
func (r *ChannelRegistry) handleJoinFailureLocked(conn *connection, err error) func() {
	if apperrors.Classify(err) == apperrors.ClassAuthorization {
		r.logger.Warn("join denied",
			"topic", conn.topic.String(),
			"reason", string(apperrors.ReasonOf(err)),
			"error", err,
		)
		return r.teardownLocked(conn, fmt.Errorf("join %s: %w", conn.topic, err))
	}

	if conn.state == domain.StateLeaving || conn.consumers.len() == 0 {
		r.removeLocked(conn)
		return r.closedNotifier(conn.topic)
	}

	r.scheduleRetryLocked(conn, err)
	return func() {}
}

func (r *ChannelRegistry) scheduleRetryLocked(conn *connection, cause error) {
	delay := conn.backoff
	if delay <= 0 {
		delay = r.cfg.Backoff.Base
	}
	conn.state = domain.StateErrored
	conn.phase = phaseNotStarted
	conn.failures++
	conn.backoff = r.cfg.Backoff.NextDelay(delay)

	r.logger.Warn("join failed, retry scheduled",
		"topic", conn.topic.String(),
		"reason", string(apperrors.ReasonOf(cause)),
		"delay", delay,
		"failures", conn.failures,
		"error", cause,
	)

	topic, gen := conn.topic, conn.generation
	r.timers.Schedule(topic, timerRetry, delay, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		current := r.conns[topic]
		if current == nil || current.generation != gen || current.state != domain.StateErrored {
			return
		}
		if current.consumers.len() == 0 {
			r.removeLocked(current)
			return
		}
		r.startJoinLocked(current)
	})
}

// teardownLocked removes conn and returns a function that reports cause to
// its consumers.
func (r *ChannelRegistry) teardownLocked(conn *connection, cause error) func() {
	consumers := conn.consumers.list()
	r.removeLocked(conn)
	closed := r.closedNotifier(conn.topic)
	topic := conn.topic
	return func() {
		closed()
		notifyError(r.logger, topic, consumers, cause)
	}
}

func (r *ChannelRegistry) closedNotifier(topic domain.TopicKey) func() {
	listener := r.listener
	return func() {
		if listener != nil {
			listener.TopicClosed(topic)
		}
	}
}

func (r *ChannelRegistry) startLeaveLocked(conn *connection) {
	conn.state = domain.StateLeaving
	conn.leaving = true
	r.timers.CancelTopic(conn.topic)
	go r.runLeave(conn, conn.channel)
}

func (r *ChannelRegistry) runLeave(conn *connection, ch ports.Channel) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.LeaveTimeout)
	err := ch.Leave(ctx)
	cancel()
	if err != nil {
		r.logger.Warn("leave failed", "topic", conn.topic.String(), "error", err)
	}

	r.mu.Lock()
	if r.conns[conn.topic] != conn || conn.channel != ch {
		r.mu.Unlock()
		return
	}
	conn.leaving = false
	conn.channel = nil
	conn.phase = phaseNotStarted

	if conn.consumers.len() > 0 {
		// A consumer attached while the leave was in flight.
		r.scheduleJoinLocked(conn, false)
		r.mu.Unlock()
		return
	}

	r.removeLocked(conn)
	notify := r.closedNotifier(conn.topic)
	r.logger.Info("channel left", "topic", conn.topic.String(), "generation", conn.generation)
	r.mu.Unlock()
	notify()
}

// bindLocked routes the channel's callbacks back into the registry.
func (r *ChannelRegistry) bindLocked(conn *connection, ch ports.Channel) {
	ch.OnEvent(func(msg ports.Message) { r.onChannelEvent(conn, ch, msg) })
	ch.OnError(func(err error) { r.onChannelError(conn, ch, err) })
	ch.OnClose(func(reason string) { r.onChannelClose(conn, ch, reason) })
}

func (r *ChannelRegistry) live(conn *connection, ch ports.Channel) bool {
	return r.conns[conn.topic] == conn && conn.channel == ch
}

func (r *ChannelRegistry) onChannelEvent(conn *connection, ch ports.Channel, msg ports.Message) {
	r.mu.Lock()
	deliver := r.live(conn, ch) && conn.state == domain.StateJoined
	listener := r.listener
	r.mu.Unlock()

	if deliver && listener != nil {
		listener.Deliver(conn.topic, msg)
	}
}

func (r *ChannelRegistry) onChannelError(conn *connection, ch ports.Channel, err error) {
	r.mu.Lock()
	if !r.live(conn, ch) || conn.state == domain.StateLeaving {
		r.mu.Unlock()
		return
	}

	if apperrors.Classify(err) == apperrors.ClassAuthorization {
		notify := r.teardownLocked(conn, fmt.Errorf("channel %s: %w", conn.topic, err))
		r.mu.Unlock()
		notify()
		go r.Release(ch)
		return
	}

	conn.channel = nil
	r.scheduleRetryLocked(conn, err)
	r.mu.Unlock()
	go r.Release(ch)
}

func (r *ChannelRegistry) onChannelClose(conn *connection, ch ports.Channel, reason string) {
	r.mu.Lock()
	if !r.live(conn, ch) || conn.leaving {
		r.mu.Unlock()
		return
	}
	r.logger.Warn("channel closed by backend", "topic", conn.topic.String(), "reason", reason)
	cause := apperrors.ErrChannelClosed
	if reason != "" {
		cause = fmt.Errorf("%w: %s", apperrors.ErrChannelClosed, reason)
	}
	notify := r.teardownLocked(conn, cause)
	r.mu.Unlock()
	notify()
}

func (c *connection) info() domain.ConnectionInfo {
	return domain.ConnectionInfo{
		Topic:      c.topic,
		State:      c.state,
		RefCount:   c.consumers.len(),
		Generation: c.generation,
		LastJoinAt: c.lastJoinAt,
		Backoff:    c.backoff,
		Failures:   c.failures,
		JoinFlight: c.phase == phaseInFlight,
	}
}
