package websocket

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/dattmumas/lnked-realtime/internal/core/domain"
	apperrors "github.com/dattmumas/lnked-realtime/internal/core/errors"
	"github.com/dattmumas/lnked-realtime/internal/core/ports"
	"github.com/dattmumas/lnked-realtime/internal/infrastructure/logging"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// ClientConfig bounds what one browser session may do.
type ClientConfig struct {
	SendBuffer     int
	MaxMessageSize int64
	// MessageRate and MessageBurst limit inbound messages per session.
	MessageRate    rate.Limit
	MessageBurst   int
	RequestTimeout time.Duration
}

// DefaultClientConfig returns the session limits used when none are configured.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		SendBuffer:     256,
		MaxMessageSize: 4096,
		MessageRate:    20,
		MessageBurst:   40,
		RequestTimeout: 5 * time.Second,
	}
}

// Client is one browser session bridging a websocket to the realtime service.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	codec   Codec
	service ports.RealtimeService
	cfg     ClientConfig
	limiter *rate.Limiter
	logger  *slog.Logger

	ID     string
	UserID string

	send chan ServerFrame

	// mu protects subscriptions and closed
	mu            sync.Mutex
	subscriptions map[domain.TopicKey]func()
	closed        bool
}

// NewClient creates a session for an authenticated user.
func NewClient(hub *Hub, conn *websocket.Conn, service ports.RealtimeService, userID string, cfg ClientConfig, logger *slog.Logger) *Client {
	def := DefaultClientConfig()
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.MessageRate <= 0 {
		cfg.MessageRate, cfg.MessageBurst = def.MessageRate, def.MessageBurst
	}
	if cfg.MessageBurst <= 0 {
		cfg.MessageBurst = 1
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}

	id := uuid.NewString()
	return &Client{
		hub:           hub,
		conn:          conn,
		codec:         CodecFor(conn.Subprotocol()),
		service:       service,
		cfg:           cfg,
		limiter:       rate.NewLimiter(cfg.MessageRate, cfg.MessageBurst),
		logger:        logger.With("session_id", id, "user_id", userID),
		ID:            id,
		UserID:        userID,
		send:          make(chan ServerFrame, cfg.SendBuffer),
		subscriptions: make(map[domain.TopicKey]func()),
	}
}

// Topics returns the topics this session is subscribed to.
func (c *Client) Topics() []domain.TopicKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	topics := make([]domain.TopicKey, 0, len(c.subscriptions))
	for topic := range c.subscriptions {
		topics = append(topics, topic)
	}
	return topics
}

// push queues a frame without blocking. A session that cannot keep up is
// disconnected.
func (c *Client) push(frame ServerFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- frame:
	default:
		c.logger.Warn("client send buffer full, disconnecting", "frame", frame.Type)
		c.closed = true
		close(c.send)
	}
}

// release detaches every subscription and stops the write pump.
func (c *Client) release() {
	c.mu.Lock()
	subs := c.subscriptions
	c.subscriptions = make(map[domain.TopicKey]func())
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()

	for _, unsubscribe := range subs {
		unsubscribe()
	}
}

// ReadPump pumps messages from the websocket connection to the service.
// This method runs in its own goroutine.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(c.cfg.MaxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Error("failed to set read deadline", "error", err)
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read error", "error", err)
			}
			return
		}

		if !c.limiter.Allow() {
			c.push(errorFrame("", "", "RATE_LIMITED", "too many messages"))
			continue
		}

		var msg ClientMessage
		if err := c.codec.Decode(data, &msg); err != nil {
			c.logger.Warn("failed to decode client message", "error", err)
			c.push(errorFrame("", "", "BAD_REQUEST", "malformed message"))
			continue
		}
		c.handleMessage(msg)
	}
}

// WritePump pumps frames to the websocket connection.
// This method runs in its own goroutine.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Error("failed to set write deadline", "error", err)
				return
			}
			if !ok {
				if err := c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "")); err != nil {
					c.logger.Debug("failed to send close message", "error", err)
				}
				return
			}

			data, err := c.codec.Encode(frame)
			if err != nil {
				c.logger.Error("failed to encode frame", "frame", frame.Type, "error", err)
				continue
			}
			if err := c.conn.WriteMessage(c.codec.MessageType(), data); err != nil {
				c.logger.Debug("failed to write message", "error", err)
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Error("failed to set write deadline for ping", "error", err)
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("failed to send ping", "error", err)
				return
			}
		}
	}
}

func (c *Client) handleMessage(msg ClientMessage) {
	if msg.Type == MsgPing {
		c.push(ServerFrame{Type: FramePong, Ref: msg.Ref})
		return
	}

	topic, err := domain.ParseTopicKey(msg.Topic)
	if err != nil {
		c.push(errorFrame(msg.Topic, msg.Ref, codeFor(err), err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(c.requestContext(topic), c.cfg.RequestTimeout)
	defer cancel()

	switch msg.Type {
	case MsgSubscribe:
		c.subscribe(ctx, topic, msg.Ref)
	case MsgUnsubscribe:
		c.unsubscribe(topic, msg.Ref)
	case MsgTypingStart, MsgTypingStop:
		c.typing(ctx, topic, msg)
	default:
		c.logger.Debug("received unknown message type", "type", msg.Type)
		c.push(errorFrame(msg.Topic, msg.Ref, "BAD_REQUEST", "unknown message type"))
	}
}

// requestContext tags service calls with the session for context-aware logs.
func (c *Client) requestContext(topic domain.TopicKey) context.Context {
	ctx := logging.WithSessionID(context.Background(), c.ID)
	ctx = logging.WithUserID(ctx, c.UserID)
	return logging.WithTopic(ctx, topic.String())
}

func (c *Client) subscribe(ctx context.Context, topic domain.TopicKey, ref string) {
	c.mu.Lock()
	_, exists := c.subscriptions[topic]
	c.mu.Unlock()
	if exists {
		c.push(ServerFrame{Type: FrameSubscribed, Topic: topic.String(), Ref: ref})
		return
	}

	unsubscribe, err := c.service.Subscribe(ctx, topic, c.consumer())
	if err != nil {
		c.logger.Info("subscribe rejected", "topic", topic.String(), "error", err)
		c.push(errorFrame(topic.String(), ref, codeFor(err), "subscription rejected"))
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		unsubscribe()
		return
	}
	c.subscriptions[topic] = unsubscribe
	c.mu.Unlock()

	c.logger.Debug("client subscribed", "topic", topic.String())
	c.push(ServerFrame{Type: FrameSubscribed, Topic: topic.String(), Ref: ref})
}

func (c *Client) unsubscribe(topic domain.TopicKey, ref string) {
	c.mu.Lock()
	unsubscribe, ok := c.subscriptions[topic]
	delete(c.subscriptions, topic)
	c.mu.Unlock()

	if ok {
		unsubscribe()
		c.logger.Debug("client unsubscribed", "topic", topic.String())
	}
	c.push(ServerFrame{Type: FrameUnsubscribed, Topic: topic.String(), Ref: ref})
}

func (c *Client) typing(ctx context.Context, topic domain.TopicKey, msg ClientMessage) {
	c.mu.Lock()
	_, ok := c.subscriptions[topic]
	c.mu.Unlock()
	if !ok {
		c.push(errorFrame(topic.String(), msg.Ref, codeFor(apperrors.ErrNotSubscribed), "not subscribed"))
		return
	}

	var err error
	if msg.Type == MsgTypingStart {
		err = c.service.SendTypingStart(ctx, topic, c.UserID)
	} else {
		err = c.service.SendTypingStop(ctx, topic, c.UserID)
	}
	if err != nil {
		c.logger.Debug("typing broadcast failed", "topic", topic.String(), "error", err)
		c.push(errorFrame(topic.String(), msg.Ref, codeFor(err), "typing update failed"))
	}
}

// consumer adapts service callbacks to outbound frames. Callbacks run on
// the dispatcher's goroutine, so they only queue.
func (c *Client) consumer() ports.Consumer {
	return ports.Consumer{
		ActorID: c.UserID,
		OnRowChange: func(topic domain.TopicKey, rows []domain.Envelope) {
			c.push(ServerFrame{Type: FrameRowChanges, Topic: topic.String(), Events: eventFrames(rows)})
		},
		OnReaction: func(topic domain.TopicKey, reactions []domain.Envelope) {
			c.push(ServerFrame{Type: FrameReactions, Topic: topic.String(), Events: eventFrames(reactions)})
		},
		OnReadReceipt: func(topic domain.TopicKey, receipts []domain.Envelope) {
			c.push(ServerFrame{Type: FrameReadReceipts, Topic: topic.String(), Events: eventFrames(receipts)})
		},
		OnPresence: func(topic domain.TopicKey, presence []domain.Envelope) {
			c.push(ServerFrame{Type: FramePresence, Topic: topic.String(), Events: eventFrames(presence)})
		},
		OnTyping: func(topic domain.TopicKey, users []string) {
			if users == nil {
				users = []string{}
			}
			c.push(ServerFrame{Type: FrameTyping, Topic: topic.String(), Users: users})
		},
		OnError: func(topic domain.TopicKey, err error) {
			// The service has already dropped the subscription.
			c.mu.Lock()
			delete(c.subscriptions, topic)
			c.mu.Unlock()
			c.push(errorFrame(topic.String(), "", codeFor(err), err.Error()))
		},
	}
}

func errorFrame(topic, ref, code, message string) ServerFrame {
	return ServerFrame{Type: FrameError, Topic: topic, Ref: ref, Error: &ErrorPayload{Code: code, Message: message}}
}

// codeFor maps service errors to client-facing error codes.
func codeFor(err error) string {
	switch {
	case errors.Is(err, apperrors.ErrInvalidTopic):
		return "INVALID_TOPIC"
	case errors.Is(err, apperrors.ErrForbidden), errors.Is(err, apperrors.ErrUnauthorized):
		return "FORBIDDEN"
	case errors.Is(err, apperrors.ErrChannelClosed):
		return "CHANNEL_CLOSED"
	case errors.Is(err, apperrors.ErrNotSubscribed):
		return "NOT_SUBSCRIBED"
	case errors.Is(err, apperrors.ErrNotJoined):
		return "NOT_JOINED"
	case errors.Is(err, apperrors.ErrShutdown), errors.Is(err, apperrors.ErrSignedOut):
		return "UNAVAILABLE"
	case errors.Is(err, context.DeadlineExceeded):
		return "TIMEOUT"
	default:
		return "INTERNAL"
	}
}
