package services_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dattmumas/lnked-realtime/internal/core/domain"
	"github.com/dattmumas/lnked-realtime/internal/core/mocks"
	"github.com/dattmumas/lnked-realtime/internal/core/ports"
	"github.com/dattmumas/lnked-realtime/internal/core/services"
	"github.com/dattmumas/lnked-realtime/internal/infrastructure/clock"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const (
	waitFor = 2 * time.Second
	tick    = 2 * time.Millisecond
)

var (
	topicA = domain.MustTopicKey(domain.TopicConversation, "c-1")
	topicB = domain.MustTopicKey(domain.TopicPost, "p-9")
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRegistryConfig() services.RegistryConfig {
	cfg := services.DefaultRegistryConfig()
	cfg.JoinTimeout = time.Second
	cfg.LeaveTimeout = time.Second
	return cfg
}

// joinCounter counts Join calls per topic without touching mock internals.
type joinCounter struct {
	mu     sync.Mutex
	counts map[domain.TopicKey]int
	total  atomic.Int64
}

func newJoinCounter() *joinCounter {
	return &joinCounter{counts: make(map[domain.TopicKey]int)}
}

func (c *joinCounter) record(args mock.Arguments) {
	topic := args.Get(1).(domain.TopicKey)
	c.mu.Lock()
	c.counts[topic]++
	c.mu.Unlock()
	c.total.Add(1)
}

func (c *joinCounter) of(topic domain.TopicKey) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[topic]
}

func (c *joinCounter) all() int {
	return int(c.total.Load())
}

// newJoinedChannel returns a channel whose Leave and Send succeed.
func newJoinedChannel(topic domain.TopicKey) *mocks.MockChannel {
	ch := mocks.NewMockChannel(topic)
	ch.On("Leave", mock.Anything).Return(nil).Maybe()
	ch.On("Send", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	return ch
}

func waitForState(t *testing.T, r *services.ChannelRegistry, topic domain.TopicKey, state domain.ConnState) {
	t.Helper()
	require.Eventually(t, func() bool {
		info, ok := r.Lookup(topic)
		return ok && info.State == state
	}, waitFor, tick, "topic %s never reached %s", topic, state)
}

func waitForRemoved(t *testing.T, r *services.ChannelRegistry, topic domain.TopicKey) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := r.Lookup(topic)
		return !ok
	}, waitFor, tick, "topic %s was never removed", topic)
}

func rowInsertMessage(t *testing.T, id string) ports.Message {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"data": map[string]any{
			"type":   "INSERT",
			"table":  "messages",
			"record": map[string]any{"id": id, "content": "hello " + id},
		},
	})
	require.NoError(t, err)
	return ports.Message{Event: services.MessagePostgresChanges, Payload: payload}
}

func broadcastMessage(t *testing.T, event string, payload map[string]any) ports.Message {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"type": "broadcast", "event": event, "payload": payload})
	require.NoError(t, err)
	return ports.Message{Event: services.MessageBroadcast, Payload: raw}
}

func rowIDs(envs []domain.Envelope) []string {
	ids := make([]string, 0, len(envs))
	for _, env := range envs {
		switch ev := env.Event().(type) {
		case domain.RowInsert:
			ids = append(ids, ev.Record.ID())
		case domain.RowUpdate:
			ids = append(ids, ev.Record.ID())
		case domain.RowSoftDelete:
			ids = append(ids, ev.Record.ID())
		}
	}
	return ids
}

// recorder collects consumer callbacks.
type recorder struct {
	mu      sync.Mutex
	rows    [][]string
	typing  [][]string
	errs    []error
	reacted int
}

func (r *recorder) consumer(actor string) ports.Consumer {
	return ports.Consumer{
		ActorID: actor,
		OnRowChange: func(_ domain.TopicKey, rows []domain.Envelope) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.rows = append(r.rows, rowIDs(rows))
		},
		OnReaction: func(_ domain.TopicKey, reactions []domain.Envelope) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.reacted += len(reactions)
		},
		OnTyping: func(_ domain.TopicKey, users []string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.typing = append(r.typing, users)
		},
		OnError: func(_ domain.TopicKey, err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, err)
		},
	}
}

func (r *recorder) rowBatches() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]string(nil), r.rows...)
}

func (r *recorder) typingUpdates() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]string(nil), r.typing...)
}

func (r *recorder) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func newFakeClock() *clock.FakeClock {
	return clock.Fake(epoch)
}
