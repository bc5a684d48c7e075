package ports

import (
	"context"

	"github.com/dattmumas/lnked-realtime/internal/core/domain"
)

// Message is one raw inbound message delivered on a joined channel.
type Message struct {
	Event   string
	Payload []byte
}

// JoinOptions configures a single join on the transport.
type JoinOptions struct {
	// AccessToken is the current backend credential.
	AccessToken string
	// Presence enables presence tracking on the channel.
	Presence bool
	// PresenceKey identifies this process in presence state.
	PresenceKey string
}

// Transport is the remote publish/subscribe backend.
// Join blocks until the backend accepts or rejects the join; rejections are
// reported as *errors.BackendError carrying a machine-readable reason.
type Transport interface {
	Join(ctx context.Context, topic domain.TopicKey, opts JoinOptions) (Channel, error)
}

// Channel is one joined topic on the transport. Send broadcasts an
// ephemeral event to the topic's other subscribers; inbound broadcasts
// arrive through OnEvent as Message{Event: "broadcast"}.
//
// Handlers registered with OnEvent, OnError and OnClose may be invoked from a
// transport goroutine and must not block.
type Channel interface {
	Topic() domain.TopicKey
	Leave(ctx context.Context) error
	Send(ctx context.Context, event string, payload []byte) error
	OnEvent(handler func(Message))
	OnError(handler func(error))
	OnClose(handler func(reason string))
}

// CredentialSignal is emitted by the credential provider.
type CredentialSignal int

const (
	SignalRotated CredentialSignal = iota + 1
	SignalSignedOut
)

func (s CredentialSignal) String() string {
	switch s {
	case SignalRotated:
		return "rotated"
	case SignalSignedOut:
		return "signed_out"
	default:
		return "unknown"
	}
}

// CredentialProvider supplies the backend credential and announces changes.
type CredentialProvider interface {
	Token() string
	Signals() <-chan CredentialSignal
}

// AccessChecker gates which topics an actor may join.
type AccessChecker interface {
	CanJoin(ctx context.Context, topic domain.TopicKey, actorID string) (bool, error)
}
