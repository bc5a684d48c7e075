// Package phoenix implements ports.Transport over a Phoenix-protocol
// websocket, the wire protocol of the hosted realtime backend.
package phoenix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dattmumas/lnked-realtime/internal/core/domain"
	apperrors "github.com/dattmumas/lnked-realtime/internal/core/errors"
	"github.com/dattmumas/lnked-realtime/internal/core/ports"
)

// Config holds the backend connection settings.
type Config struct {
	URL               string
	APIKey            string
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	HandshakeTimeout  time.Duration
}

// Transport multiplexes topic channels over one websocket, dialing lazily
// and redialing on the next Join after the socket fails.
type Transport struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *slog.Logger
	ref    atomic.Uint64

	mu   sync.Mutex
	sock *socket
}

var _ ports.Transport = (*Transport)(nil)

func NewTransport(cfg Config, logger *slog.Logger) *Transport {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 25 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &Transport{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		logger: logger.With("component", "phoenix_transport"),
	}
}

func (t *Transport) nextRef() string {
	return strconv.FormatUint(t.ref.Add(1), 10)
}

// Join joins topic and waits for the backend's reply.
func (t *Transport) Join(ctx context.Context, topic domain.TopicKey, opts ports.JoinOptions) (ports.Channel, error) {
	sock, err := t.connect(ctx)
	if err != nil {
		return nil, err
	}

	ref := t.nextRef()
	ch := &Channel{
		transport: t,
		sock:      sock,
		topic:     topic,
		phxTopic:  phxTopic(topic),
		joinRef:   ref,
	}
	payload, err := json.Marshal(newJoinPayload(topic, opts))
	if err != nil {
		return nil, fmt.Errorf("encode join: %w", err)
	}

	sock.addChannel(ch)
	replies := sock.expect(ref)
	if err := sock.write(frame{JoinRef: ref, Ref: ref, Topic: ch.phxTopic, Event: eventJoin, Payload: payload}); err != nil {
		sock.forget(ref)
		sock.removeChannel(ch)
		return nil, transportError(err)
	}

	select {
	case rep := <-replies:
		if rep.Status != statusOK {
			sock.removeChannel(ch)
			return nil, replyError(rep)
		}
		t.logger.Debug("joined", "topic", topic.String(), "join_ref", ref)
		return ch, nil
	case <-sock.done:
		sock.removeChannel(ch)
		return nil, apperrors.NewBackendError(apperrors.ReasonUnknown, "socket closed during join")
	case <-ctx.Done():
		sock.forget(ref)
		sock.removeChannel(ch)
		// The backend may still complete the join; release it.
		_ = sock.write(frame{JoinRef: ref, Ref: t.nextRef(), Topic: ch.phxTopic, Event: eventLeave, Payload: json.RawMessage(`{}`)})
		return nil, &apperrors.BackendError{Reason: apperrors.ReasonTimeout, Message: "join timed out", Err: ctx.Err()}
	}
}

// Close shuts the current socket down.
func (t *Transport) Close() error {
	t.mu.Lock()
	sock := t.sock
	t.sock = nil
	t.mu.Unlock()
	if sock != nil {
		sock.shutdown(nil)
	}
	return nil
}

func (t *Transport) connect(ctx context.Context) (*socket, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sock != nil && !t.sock.isClosed() {
		return t.sock, nil
	}

	endpoint, err := t.endpoint()
	if err != nil {
		return nil, err
	}
	conn, _, err := t.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, transportError(err)
	}

	sock := &socket{
		conn:         conn,
		writeTimeout: t.cfg.WriteTimeout,
		pending:      make(map[string]chan reply),
		byRef:        make(map[string]*Channel),
		byTopic:      make(map[string]*Channel),
		done:         make(chan struct{}),
	}
	t.sock = sock
	go t.readLoop(sock)
	go t.heartbeat(sock)
	t.logger.Info("backend socket connected")
	return sock, nil
}

func (t *Transport) endpoint() (string, error) {
	u, err := url.Parse(t.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse backend url: %w", err)
	}
	q := u.Query()
	if t.cfg.APIKey != "" {
		q.Set("apikey", t.cfg.APIKey)
	}
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (t *Transport) readLoop(sock *socket) {
	for {
		var f frame
		if err := sock.conn.ReadJSON(&f); err != nil {
			t.drop(sock, err)
			return
		}
		t.route(sock, f)
	}
}

func (t *Transport) route(sock *socket, f frame) {
	if f.Event == eventReply {
		if replies := sock.take(f.Ref); replies != nil {
			var rep reply
			if err := json.Unmarshal(f.Payload, &rep); err != nil {
				rep = reply{Status: "error", Response: json.RawMessage(`{"reason":"malformed reply"}`)}
			}
			replies <- rep
		}
		return
	}
	if f.Topic == phoenixTopic {
		return
	}

	ch := sock.channelFor(f.JoinRef, f.Topic)
	if ch == nil {
		t.logger.Debug("message for unknown channel", "topic", f.Topic, "event", f.Event)
		return
	}

	switch f.Event {
	case eventClose:
		sock.removeChannel(ch)
		ch.closed(eventClose)
	case eventError:
		ch.fail(apperrors.NewBackendError(apperrors.ReasonUnknown, "channel crashed"))
	case eventSystem:
		var sys systemPayload
		if err := json.Unmarshal(f.Payload, &sys); err == nil && sys.Status == "error" {
			ch.fail(apperrors.NewBackendError(reasonFor(sys.Message), sys.Message))
		}
	default:
		ch.emit(ports.Message{Event: f.Event, Payload: f.Payload})
	}
}

func (t *Transport) heartbeat(sock *socket) {
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sock.done:
			return
		case <-ticker.C:
		}

		ref := t.nextRef()
		replies := sock.expect(ref)
		if err := sock.write(frame{Ref: ref, Topic: phoenixTopic, Event: eventHeartbeat, Payload: json.RawMessage(`{}`)}); err != nil {
			t.drop(sock, err)
			return
		}
		select {
		case <-replies:
		case <-sock.done:
			return
		case <-time.After(t.cfg.HeartbeatInterval):
			t.drop(sock, errHeartbeatTimeout)
			return
		}
	}
}

var errHeartbeatTimeout = errors.New("heartbeat timed out")

// drop tears a failed socket down and reports the failure to every channel
// still bound to it.
func (t *Transport) drop(sock *socket, cause error) {
	t.mu.Lock()
	if t.sock == sock {
		t.sock = nil
	}
	t.mu.Unlock()

	channels := sock.shutdown(cause)
	if len(channels) == 0 {
		return
	}
	t.logger.Warn("backend socket lost", "channels", len(channels), "error", cause)
	err := transportError(cause)
	for _, ch := range channels {
		ch.fail(err)
	}
}

// transportError wraps a socket failure as a transient BackendError.
func transportError(err error) error {
	reason := apperrors.ReasonUnknown
	var netErr net.Error
	if errors.Is(err, errHeartbeatTimeout) || errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		reason = apperrors.ReasonTimeout
	}
	return &apperrors.BackendError{Reason: reason, Message: "backend socket failure", Err: err}
}

// socket is one websocket connection and the channels multiplexed on it.
type socket struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex

	mu       sync.Mutex
	pending  map[string]chan reply
	byRef    map[string]*Channel
	byTopic  map[string]*Channel
	done     chan struct{}
	shutOnce sync.Once
}

func (s *socket) write(f frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.isClosed() {
		return net.ErrClosed
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteJSON(f)
}

func (s *socket) expect(ref string) chan reply {
	replies := make(chan reply, 1)
	s.mu.Lock()
	s.pending[ref] = replies
	s.mu.Unlock()
	return replies
}

func (s *socket) take(ref string) chan reply {
	s.mu.Lock()
	defer s.mu.Unlock()
	replies := s.pending[ref]
	delete(s.pending, ref)
	return replies
}

func (s *socket) forget(ref string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, ref)
}

func (s *socket) addChannel(ch *Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byRef[ch.joinRef] = ch
	s.byTopic[ch.phxTopic] = ch
}

func (s *socket) removeChannel(ch *Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byRef, ch.joinRef)
	if s.byTopic[ch.phxTopic] == ch {
		delete(s.byTopic, ch.phxTopic)
	}
}

func (s *socket) channelFor(joinRef, topic string) *Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	if joinRef != "" {
		return s.byRef[joinRef]
	}
	return s.byTopic[topic]
}

func (s *socket) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// shutdown closes the connection once and returns the channels that were
// still bound to it.
func (s *socket) shutdown(cause error) []*Channel {
	var channels []*Channel
	s.shutOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()

		s.mu.Lock()
		for _, ch := range s.byRef {
			channels = append(channels, ch)
		}
		s.byRef = make(map[string]*Channel)
		s.byTopic = make(map[string]*Channel)
		s.pending = make(map[string]chan reply)
		s.mu.Unlock()
	})
	return channels
}
