package services

import (
	"log/slog"

	"github.com/dattmumas/lnked-realtime/internal/core/domain"
	apperrors "github.com/dattmumas/lnked-realtime/internal/core/errors"
	"github.com/dattmumas/lnked-realtime/internal/core/ports"
	"github.com/dattmumas/lnked-realtime/internal/infrastructure/logging"
)

// ConsumerID identifies the callbacks registered by one Subscribe call.
type ConsumerID string

// consumerSet keeps consumers in attach order so deliveries are deterministic.
type consumerSet struct {
	order []ConsumerID
	byID  map[ConsumerID]ports.Consumer
}

func newConsumerSet() *consumerSet {
	return &consumerSet{byID: make(map[ConsumerID]ports.Consumer)}
}

func (s *consumerSet) add(id ConsumerID, c ports.Consumer) {
	if _, exists := s.byID[id]; !exists {
		s.order = append(s.order, id)
	}
	s.byID[id] = c
}

func (s *consumerSet) remove(id ConsumerID) bool {
	if _, ok := s.byID[id]; !ok {
		return false
	}
	delete(s.byID, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

func (s *consumerSet) merge(other *consumerSet) {
	for _, id := range other.order {
		s.add(id, other.byID[id])
	}
}

func (s *consumerSet) len() int {
	return len(s.order)
}

func (s *consumerSet) list() []ports.Consumer {
	out := make([]ports.Consumer, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out
}

// invokeCallback runs one consumer callback, converting a panic into a
// *CallbackError so one broken consumer cannot affect the others.
func invokeCallback(logger *slog.Logger, name string, topic domain.TopicKey, fn func()) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &apperrors.CallbackError{Callback: name, Value: v}
			logging.LogPanic(logger.With("topic", topic.String(), "callback", name), v)
		}
	}()
	fn()
	return nil
}

// notifyError delivers err to every consumer's OnError callback.
func notifyError(logger *slog.Logger, topic domain.TopicKey, consumers []ports.Consumer, err error) {
	for _, c := range consumers {
		if c.OnError == nil {
			continue
		}
		onError := c.OnError
		_ = invokeCallback(logger, "OnError", topic, func() { onError(topic, err) })
	}
}
