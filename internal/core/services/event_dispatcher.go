package services

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dattmumas/lnked-realtime/internal/core/domain"
	"github.com/dattmumas/lnked-realtime/internal/core/ports"
	"github.com/dattmumas/lnked-realtime/internal/infrastructure/clock"
)

// DefaultFlushInterval is how often buffered events are delivered.
const DefaultFlushInterval = 100 * time.Millisecond

// ConsumerSource returns the consumers that should receive a topic's batch.
type ConsumerSource interface {
	Consumers(topic domain.TopicKey) []ports.Consumer
}

// DispatchStats counts dispatcher activity since start.
type DispatchStats struct {
	Batches        uint64 `json:"batches"`
	Envelopes      uint64 `json:"envelopes"`
	CallbackPanics uint64 `json:"callbackPanics"`
	Buffered       int    `json:"buffered"`
	Topics         int    `json:"topics"`
}

// EventDispatcher buffers inbound envelopes per topic and flushes them to
// consumers as batches on a fixed interval.
type EventDispatcher struct {
	clock    clock.Clock
	source   ConsumerSource
	typing   *TypingCoordinator
	interval time.Duration
	logger   *slog.Logger

	// flushMu serialises flushes so batches reach consumers in Seq order.
	flushMu sync.Mutex

	mu          sync.Mutex
	buffers     map[domain.TopicKey][]domain.Envelope
	typingDirty map[domain.TopicKey]bool
	seq         map[domain.TopicKey]uint64
	timer       clock.Timer
	running     bool

	batches   atomic.Uint64
	envelopes atomic.Uint64
	panics    atomic.Uint64
}

func NewEventDispatcher(
	source ConsumerSource,
	typing *TypingCoordinator,
	clk clock.Clock,
	interval time.Duration,
	logger *slog.Logger,
) *EventDispatcher {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	return &EventDispatcher{
		clock:       clk,
		source:      source,
		typing:      typing,
		interval:    interval,
		logger:      logger.With("component", "event_dispatcher"),
		buffers:     make(map[domain.TopicKey][]domain.Envelope),
		typingDirty: make(map[domain.TopicKey]bool),
		seq:         make(map[domain.TopicKey]uint64),
	}
}

// Ingest appends env to its topic's buffer. Typing envelopes update the
// typing coordinator instead and mark the topic's typing set for delivery.
func (d *EventDispatcher) Ingest(env domain.Envelope) {
	switch env.Kind() {
	case domain.EventTypingStart, domain.EventTypingStop:
		if d.typing.Observe(env) {
			d.mu.Lock()
			d.typingDirty[env.Topic()] = true
			d.mu.Unlock()
		}
		return
	}

	d.mu.Lock()
	d.buffers[env.Topic()] = append(d.buffers[env.Topic()], env)
	d.mu.Unlock()
}

// Start begins the periodic flush.
func (d *EventDispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.running = true
	d.timer = d.clock.AfterFunc(d.interval, d.tick)
}

// Stop halts the periodic flush. Buffered events stay until Flush or Reset.
func (d *EventDispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = false
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

func (d *EventDispatcher) tick() {
	d.Flush()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		d.timer = d.clock.AfterFunc(d.interval, d.tick)
	}
}

// Flush sweeps expired typists and delivers one batch per topic with
// pending changes. It returns the number of batches delivered.
func (d *EventDispatcher) Flush() int {
	d.flushMu.Lock()
	defer d.flushMu.Unlock()

	expired := d.typing.Sweep(d.clock.Now())

	d.mu.Lock()
	for _, topic := range expired {
		d.typingDirty[topic] = true
	}
	buffers, dirty := d.buffers, d.typingDirty
	d.buffers = make(map[domain.TopicKey][]domain.Envelope)
	d.typingDirty = make(map[domain.TopicKey]bool)
	d.mu.Unlock()

	topics := make([]domain.TopicKey, 0, len(buffers)+len(dirty))
	for topic := range buffers {
		topics = append(topics, topic)
	}
	for topic := range dirty {
		if _, ok := buffers[topic]; !ok {
			topics = append(topics, topic)
		}
	}
	sort.Slice(topics, func(i, j int) bool { return topics[i] < topics[j] })

	delivered := 0
	for _, topic := range topics {
		batch := d.buildBatch(topic, buffers[topic], dirty[topic])
		if batch.IsEmpty() {
			continue
		}
		d.mu.Lock()
		d.seq[topic]++
		batch.Seq = d.seq[topic]
		d.mu.Unlock()

		d.deliver(batch)
		delivered++
		d.batches.Add(1)
		d.envelopes.Add(uint64(batch.Len()))
	}
	return delivered
}

func (d *EventDispatcher) buildBatch(topic domain.TopicKey, envs []domain.Envelope, typingChanged bool) domain.Batch {
	batch := domain.Batch{Topic: topic}
	var presence []domain.Envelope
	for _, env := range envs {
		switch env.Kind() {
		case domain.EventRowInsert, domain.EventRowUpdate, domain.EventRowSoftDelete:
			batch.RowChanges = append(batch.RowChanges, env)
		case domain.EventReactionChanged:
			batch.Reactions = append(batch.Reactions, env)
		case domain.EventReadReceipt:
			batch.ReadReceipts = append(batch.ReadReceipts, env)
		case domain.EventPresenceJoin, domain.EventPresenceLeave:
			presence = append(presence, env)
		default:
			d.logger.Warn("unexpected envelope in buffer", "topic", topic.String(), "kind", string(env.Kind()))
		}
	}
	batch.Presence = collapsePresence(presence)
	if typingChanged {
		batch.TypingChanged = true
		batch.Typing = d.typing.Active(topic)
	}
	return batch
}

// collapsePresence keeps the latest envelope per user, ordered by the
// arrival of that latest envelope.
func collapsePresence(envs []domain.Envelope) []domain.Envelope {
	if len(envs) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(envs))
	out := make([]domain.Envelope, 0, len(envs))
	for i := len(envs) - 1; i >= 0; i-- {
		user := envs[i].UserID()
		if seen[user] {
			continue
		}
		seen[user] = true
		out = append(out, envs[i])
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func (d *EventDispatcher) deliver(batch domain.Batch) {
	topic := batch.Topic
	for _, c := range d.source.Consumers(topic) {
		if c.OnRowChange != nil && len(batch.RowChanges) > 0 {
			fn := c.OnRowChange
			d.call("OnRowChange", topic, func() { fn(topic, batch.RowChanges) })
		}
		if c.OnReaction != nil && len(batch.Reactions) > 0 {
			fn := c.OnReaction
			d.call("OnReaction", topic, func() { fn(topic, batch.Reactions) })
		}
		if c.OnReadReceipt != nil && len(batch.ReadReceipts) > 0 {
			fn := c.OnReadReceipt
			d.call("OnReadReceipt", topic, func() { fn(topic, batch.ReadReceipts) })
		}
		if c.OnPresence != nil && len(batch.Presence) > 0 {
			fn := c.OnPresence
			d.call("OnPresence", topic, func() { fn(topic, batch.Presence) })
		}
		if c.OnTyping != nil && batch.TypingChanged {
			fn := c.OnTyping
			d.call("OnTyping", topic, func() { fn(topic, batch.Typing) })
		}
	}
}

func (d *EventDispatcher) call(name string, topic domain.TopicKey, fn func()) {
	if err := invokeCallback(d.logger, name, topic, fn); err != nil {
		d.panics.Add(1)
	}
}

// Drop discards everything buffered for a torn down topic.
func (d *EventDispatcher) Drop(topic domain.TopicKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.buffers, topic)
	delete(d.typingDirty, topic)
	delete(d.seq, topic)
}

// Reset discards every buffer.
func (d *EventDispatcher) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buffers = make(map[domain.TopicKey][]domain.Envelope)
	d.typingDirty = make(map[domain.TopicKey]bool)
	d.seq = make(map[domain.TopicKey]uint64)
}

// Stats returns delivery counters.
func (d *EventDispatcher) Stats() DispatchStats {
	d.mu.Lock()
	buffered := 0
	for _, envs := range d.buffers {
		buffered += len(envs)
	}
	topics := len(d.seq)
	d.mu.Unlock()

	return DispatchStats{
		Batches:        d.batches.Load(),
		Envelopes:      d.envelopes.Load(),
		CallbackPanics: d.panics.Load(),
		Buffered:       buffered,
		Topics:         topics,
	}
}
