package ports

import (
	"context"

	"github.com/dattmumas/lnked-realtime/internal/core/domain"
)

// Consumer is the set of callbacks registered by one Subscribe call.
// Every callback is optional. Callbacks run on the dispatcher's flush
// goroutine; a panicking callback is recovered and reported.
type Consumer struct {
	// ActorID is the user on whose behalf the subscription is made.
	ActorID string

	OnRowChange   func(topic domain.TopicKey, rows []domain.Envelope)
	OnReaction    func(topic domain.TopicKey, reactions []domain.Envelope)
	OnReadReceipt func(topic domain.TopicKey, receipts []domain.Envelope)
	OnPresence    func(topic domain.TopicKey, presence []domain.Envelope)
	OnTyping      func(topic domain.TopicKey, users []string)
	// OnError receives authorization denials and backend closes.
	OnError func(topic domain.TopicKey, err error)
}

// RealtimeService is the consumer-facing API of the realtime manager.
type RealtimeService interface {
	// Subscribe attaches consumer to topic. The returned function detaches
	// exactly this consumer; calling it more than once is a no-op.
	Subscribe(ctx context.Context, topic domain.TopicKey, consumer Consumer) (unsubscribe func(), err error)
	SendTypingStart(ctx context.Context, topic domain.TopicKey, userID string) error
	SendTypingStop(ctx context.Context, topic domain.TopicKey, userID string) error
	Connections() []domain.ConnectionInfo
	ShutdownAll(ctx context.Context) error
}

// CredentialController triggers credential changes from the admin surface.
type CredentialController interface {
	Rotate() error
	SignOut()
}
