package domain

import (
	"fmt"
	"time"
)

// EventKind defines the type of realtime event.
type EventKind string

const (
	EventRowInsert       EventKind = "ROW_INSERT"
	EventRowUpdate       EventKind = "ROW_UPDATE"
	EventRowSoftDelete   EventKind = "ROW_SOFT_DELETE"
	EventReactionChanged EventKind = "REACTION_CHANGED"
	EventReadReceipt     EventKind = "READ_RECEIPT"
	EventTypingStart     EventKind = "TYPING_START"
	EventTypingStop      EventKind = "TYPING_STOP"
	EventPresenceJoin    EventKind = "PRESENCE_JOIN"
	EventPresenceLeave   EventKind = "PRESENCE_LEAVE"
)

// Event is the closed set of payloads an Envelope can carry.
// Only types in this package implement it.
type Event interface {
	Kind() EventKind
	sealed()
}

// Row is a decoded datastore record.
type Row map[string]any

// ID returns the record's "id" column rendered as a string, or "".
func (r Row) ID() string {
	switch v := r["id"].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// RowInsert is a newly created record.
type RowInsert struct {
	Table  string `json:"table"`
	Record Row    `json:"record"`
}

// RowUpdate is an edited record.
type RowUpdate struct {
	Table     string `json:"table"`
	Record    Row    `json:"record"`
	OldRecord Row    `json:"old_record,omitempty"`
}

// RowSoftDelete is an UPDATE that set the record's deletion marker.
type RowSoftDelete struct {
	Table     string    `json:"table"`
	Record    Row       `json:"record"`
	DeletedAt time.Time `json:"deleted_at"`
}

// ReactionChanged is a reaction added to or removed from a message.
type ReactionChanged struct {
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
	Emoji     string `json:"emoji"`
	Removed   bool   `json:"removed"`
}

// ReadReceipt marks a message as read by a user.
type ReadReceipt struct {
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	ReadAt    time.Time `json:"read_at"`
}

// TypingStart announces that a user started (or is still) typing.
type TypingStart struct {
	UserID string `json:"user_id"`
}

// TypingStop announces that a user stopped typing.
type TypingStop struct {
	UserID string `json:"user_id"`
}

// PresenceJoin announces a user joining the topic.
type PresenceJoin struct {
	UserID string         `json:"user_id"`
	Meta   map[string]any `json:"meta,omitempty"`
}

// PresenceLeave announces a user leaving the topic.
type PresenceLeave struct {
	UserID string `json:"user_id"`
}

func (RowInsert) Kind() EventKind       { return EventRowInsert }
func (RowUpdate) Kind() EventKind       { return EventRowUpdate }
func (RowSoftDelete) Kind() EventKind   { return EventRowSoftDelete }
func (ReactionChanged) Kind() EventKind { return EventReactionChanged }
func (ReadReceipt) Kind() EventKind     { return EventReadReceipt }
func (TypingStart) Kind() EventKind     { return EventTypingStart }
func (TypingStop) Kind() EventKind      { return EventTypingStop }
func (PresenceJoin) Kind() EventKind    { return EventPresenceJoin }
func (PresenceLeave) Kind() EventKind   { return EventPresenceLeave }

func (RowInsert) sealed()       {}
func (RowUpdate) sealed()       {}
func (RowSoftDelete) sealed()   {}
func (ReactionChanged) sealed() {}
func (ReadReceipt) sealed()     {}
func (TypingStart) sealed()     {}
func (TypingStop) sealed()      {}
func (PresenceJoin) sealed()    {}
func (PresenceLeave) sealed()   {}

// Envelope is one inbound event for a topic. Construct it with NewEnvelope
// and treat it as immutable.
type Envelope struct {
	topic     TopicKey
	event     Event
	arrivedAt time.Time
}

// NewEnvelope stamps an event with its topic and arrival time.
func NewEnvelope(topic TopicKey, event Event, arrivedAt time.Time) Envelope {
	return Envelope{topic: topic, event: event, arrivedAt: arrivedAt}
}

func (e Envelope) Topic() TopicKey      { return e.topic }
func (e Envelope) Event() Event         { return e.event }
func (e Envelope) ArrivedAt() time.Time { return e.arrivedAt }

// Kind is shorthand for e.Event().Kind().
func (e Envelope) Kind() EventKind {
	if e.event == nil {
		return ""
	}
	return e.event.Kind()
}

// UserID returns the acting user for user-scoped events, or "".
func (e Envelope) UserID() string {
	switch ev := e.event.(type) {
	case ReactionChanged:
		return ev.UserID
	case ReadReceipt:
		return ev.UserID
	case TypingStart:
		return ev.UserID
	case TypingStop:
		return ev.UserID
	case PresenceJoin:
		return ev.UserID
	case PresenceLeave:
		return ev.UserID
	default:
		return ""
	}
}

// IsRowChange reports whether the envelope carries a datastore row change.
func (e Envelope) IsRowChange() bool {
	switch e.Kind() {
	case EventRowInsert, EventRowUpdate, EventRowSoftDelete:
		return true
	}
	return false
}
