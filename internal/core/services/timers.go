package services

import (
	"sync"
	"time"

	"github.com/dattmumas/lnked-realtime/internal/core/domain"
	"github.com/dattmumas/lnked-realtime/internal/infrastructure/clock"
)

// topicTimers is a registry of cancellable timers keyed by topic and name.
// Tearing a topic down cancels everything scheduled for it, so no retry or
// auto-stop callback fires after its topic is gone.
type topicTimers struct {
	clock clock.Clock

	mu     sync.Mutex
	timers map[domain.TopicKey]map[string]*scheduledTimer
}

type scheduledTimer struct {
	timer clock.Timer
	due   time.Time
}

func newTopicTimers(clk clock.Clock) *topicTimers {
	return &topicTimers{
		clock:  clk,
		timers: make(map[domain.TopicKey]map[string]*scheduledTimer),
	}
}

// Schedule runs f after d, replacing any timer with the same topic and name.
func (t *topicTimers) Schedule(topic domain.TopicKey, name string, d time.Duration, f func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cancelLocked(topic, name)

	entry := &scheduledTimer{due: t.clock.Now().Add(d)}
	byName := t.timers[topic]
	if byName == nil {
		byName = make(map[string]*scheduledTimer)
		t.timers[topic] = byName
	}
	byName[name] = entry

	entry.timer = t.clock.AfterFunc(d, func() {
		t.mu.Lock()
		current, ok := t.timers[topic][name]
		if !ok || current != entry {
			t.mu.Unlock()
			return
		}
		t.removeLocked(topic, name)
		t.mu.Unlock()
		f()
	})
}

// Cancel stops one timer. It reports whether a pending timer was removed.
func (t *topicTimers) Cancel(topic domain.TopicKey, name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelLocked(topic, name)
}

// CancelTopic stops every timer of topic and returns how many were pending.
func (t *topicTimers) CancelTopic(topic domain.TopicKey) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	byName := t.timers[topic]
	for _, entry := range byName {
		entry.timer.Stop()
	}
	delete(t.timers, topic)
	return len(byName)
}

// CancelAll stops every timer.
func (t *topicTimers) CancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, byName := range t.timers {
		for _, entry := range byName {
			entry.timer.Stop()
		}
	}
	t.timers = make(map[domain.TopicKey]map[string]*scheduledTimer)
}

// Pending reports whether a timer with this topic and name is scheduled.
func (t *topicTimers) Pending(topic domain.TopicKey, name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.timers[topic][name]
	return ok
}

// Due returns when the named timer fires.
func (t *topicTimers) Due(topic domain.TopicKey, name string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.timers[topic][name]
	if !ok {
		return time.Time{}, false
	}
	return entry.due, true
}

func (t *topicTimers) cancelLocked(topic domain.TopicKey, name string) bool {
	entry, ok := t.timers[topic][name]
	if !ok {
		return false
	}
	entry.timer.Stop()
	t.removeLocked(topic, name)
	return true
}

func (t *topicTimers) removeLocked(topic domain.TopicKey, name string) {
	byName := t.timers[topic]
	delete(byName, name)
	if len(byName) == 0 {
		delete(t.timers, topic)
	}
}
