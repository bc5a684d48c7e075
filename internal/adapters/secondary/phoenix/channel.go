package phoenix

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dattmumas/lnked-realtime/internal/core/domain"
	apperrors "github.com/dattmumas/lnked-realtime/internal/core/errors"
	"github.com/dattmumas/lnked-realtime/internal/core/ports"
)

// Channel is one joined topic on a socket.
type Channel struct {
	transport *Transport
	sock      *socket
	topic     domain.TopicKey
	phxTopic  string
	joinRef   string

	mu      sync.Mutex
	onEvent func(ports.Message)
	onError func(error)
	onClose func(string)
	left    bool

	// Messages that arrive before OnEvent is bound, or while the backlog
	// is being replayed, queue here in arrival order.
	pending  []ports.Message
	draining bool
}

// maxPending bounds the backlog held for a channel with no event handler.
const maxPending = 1024

var _ ports.Channel = (*Channel)(nil)

func (c *Channel) Topic() domain.TopicKey { return c.topic }

// OnEvent binds handler and replays any backlog to it on a separate
// goroutine, so handler may take locks its caller holds.
func (c *Channel) OnEvent(handler func(ports.Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvent = handler
	if handler != nil && len(c.pending) > 0 && !c.draining && !c.left {
		c.draining = true
		go c.drain()
	}
}

func (c *Channel) OnError(handler func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = handler
}

func (c *Channel) OnClose(handler func(string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = handler
}

// Leave sends phx_leave and waits for the reply. The channel stops
// delivering events immediately.
func (c *Channel) Leave(ctx context.Context) error {
	c.mu.Lock()
	if c.left {
		c.mu.Unlock()
		return nil
	}
	c.left = true
	c.pending = nil
	c.mu.Unlock()
	defer c.sock.removeChannel(c)

	ref := c.transport.nextRef()
	replies := c.sock.expect(ref)
	err := c.sock.write(frame{
		JoinRef: c.joinRef,
		Ref:     ref,
		Topic:   c.phxTopic,
		Event:   eventLeave,
		Payload: json.RawMessage(`{}`),
	})
	if err != nil {
		c.sock.forget(ref)
		return fmt.Errorf("leave %s: %w", c.topic, err)
	}

	select {
	case <-replies:
		return nil
	case <-c.sock.done:
		return nil
	case <-ctx.Done():
		c.sock.forget(ref)
		return fmt.Errorf("leave %s: %w", c.topic, ctx.Err())
	}
}

// Send broadcasts an ephemeral event to the topic.
func (c *Channel) Send(ctx context.Context, event string, payload []byte) error {
	c.mu.Lock()
	left := c.left
	c.mu.Unlock()
	if left {
		return fmt.Errorf("send on %s: %w", c.topic, apperrors.ErrNotJoined)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := json.Marshal(broadcastOut{Type: eventBroadcast, Event: event, Payload: payload})
	if err != nil {
		return fmt.Errorf("encode broadcast: %w", err)
	}
	return c.sock.write(frame{
		JoinRef: c.joinRef,
		Ref:     c.transport.nextRef(),
		Topic:   c.phxTopic,
		Event:   eventBroadcast,
		Payload: body,
	})
}

func (c *Channel) emit(msg ports.Message) {
	c.mu.Lock()
	if c.left {
		c.mu.Unlock()
		return
	}
	if c.onEvent == nil || c.draining {
		if len(c.pending) == maxPending {
			c.pending = c.pending[1:]
			c.transport.logger.Warn("channel backlog full, dropping oldest message", "topic", c.topic.String())
		}
		c.pending = append(c.pending, msg)
		c.mu.Unlock()
		return
	}
	h := c.onEvent
	c.mu.Unlock()
	h(msg)
}

func (c *Channel) drain() {
	for {
		c.mu.Lock()
		if c.left || len(c.pending) == 0 {
			c.pending = nil
			c.draining = false
			c.mu.Unlock()
			return
		}
		if c.onEvent == nil {
			c.draining = false
			c.mu.Unlock()
			return
		}
		msg, h := c.pending[0], c.onEvent
		c.pending = c.pending[1:]
		c.mu.Unlock()

		h(msg)
	}
}

func (c *Channel) fail(err error) {
	c.mu.Lock()
	h, left := c.onError, c.left
	c.mu.Unlock()
	if h != nil && !left {
		h(err)
	}
}

func (c *Channel) closed(reason string) {
	c.mu.Lock()
	h, left := c.onClose, c.left
	c.left = true
	c.pending = nil
	c.mu.Unlock()
	if h != nil && !left {
		h(reason)
	}
}
