package domain

import (
	"fmt"
	"strings"

	apperrors "github.com/dattmumas/lnked-realtime/internal/core/errors"
)

// TopicKind names the family a topic belongs to.
type TopicKind string

const (
	TopicConversation TopicKind = "conversation"
	TopicPost         TopicKind = "post"
	TopicCollective   TopicKind = "collective"
	TopicUser         TopicKind = "user"
)

const topicSeparator = ":"

// IsValid reports whether the kind is one of the known topic families.
func (k TopicKind) IsValid() bool {
	switch k {
	case TopicConversation, TopicPost, TopicCollective, TopicUser:
		return true
	}
	return false
}

// TopicKey is the canonical identity of a subscription target, "<kind>:<scope>".
// Two keys are the same topic iff their strings are equal.
type TopicKey string

// NewTopicKey builds the canonical key for a kind and a scoping identifier
// (a conversation id, a collective id, a user id).
func NewTopicKey(kind TopicKind, scope string) (TopicKey, error) {
	if !kind.IsValid() {
		return "", fmt.Errorf("%w: unknown kind %q", apperrors.ErrInvalidTopic, kind)
	}
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return "", fmt.Errorf("%w: empty scope", apperrors.ErrInvalidTopic)
	}
	if strings.Contains(scope, topicSeparator) {
		return "", fmt.Errorf("%w: scope %q contains %q", apperrors.ErrInvalidTopic, scope, topicSeparator)
	}
	return TopicKey(string(kind) + topicSeparator + scope), nil
}

// MustTopicKey is NewTopicKey for static keys; it panics on invalid input.
func MustTopicKey(kind TopicKind, scope string) TopicKey {
	key, err := NewTopicKey(kind, scope)
	if err != nil {
		panic(err)
	}
	return key
}

// ParseTopicKey validates a key received from the outside world.
func ParseTopicKey(s string) (TopicKey, error) {
	kind, scope, ok := strings.Cut(s, topicSeparator)
	if !ok {
		return "", fmt.Errorf("%w: %q is not of the form kind:scope", apperrors.ErrInvalidTopic, s)
	}
	return NewTopicKey(TopicKind(kind), scope)
}

// Kind returns the topic family.
func (k TopicKey) Kind() TopicKind {
	kind, _, _ := strings.Cut(string(k), topicSeparator)
	return TopicKind(kind)
}

// Scope returns the scoping identifier.
func (k TopicKey) Scope() string {
	_, scope, _ := strings.Cut(string(k), topicSeparator)
	return scope
}

func (k TopicKey) String() string {
	return string(k)
}
