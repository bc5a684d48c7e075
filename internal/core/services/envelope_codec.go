package services

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/dattmumas/lnked-realtime/internal/core/domain"
	apperrors "github.com/dattmumas/lnked-realtime/internal/core/errors"
	"github.com/dattmumas/lnked-realtime/internal/core/ports"
)

// Inbound message events delivered by the transport.
const (
	MessagePostgresChanges = "postgres_changes"
	MessageBroadcast       = "broadcast"
	MessagePresenceState   = "presence_state"
	MessagePresenceDiff    = "presence_diff"
)

// Broadcast event names carried inside a "broadcast" message.
const (
	BroadcastTypingStart = "typing_start"
	BroadcastTypingStop  = "typing_stop"
	BroadcastReaction    = "reaction"
	BroadcastReadReceipt = "read_receipt"
)

type changePayload struct {
	Data struct {
		Type            string     `json:"type"`
		Table           string     `json:"table"`
		Record          domain.Row `json:"record"`
		OldRecord       domain.Row `json:"old_record"`
		CommitTimestamp string     `json:"commit_timestamp"`
	} `json:"data"`
}

type broadcastPayload struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type presenceEntry struct {
	Metas []map[string]any `json:"metas"`
}

type presenceDiff struct {
	Joins  map[string]presenceEntry `json:"joins"`
	Leaves map[string]presenceEntry `json:"leaves"`
}

// DecodeMessage turns one raw channel message into envelopes stamped with
// arrivedAt. Malformed or unknown messages yield a *errors.ProtocolError.
func DecodeMessage(topic domain.TopicKey, msg ports.Message, arrivedAt time.Time) ([]domain.Envelope, error) {
	switch msg.Event {
	case MessagePostgresChanges:
		ev, err := decodeChange(msg.Payload)
		if err != nil {
			return nil, apperrors.NewProtocolError(msg.Event, err)
		}
		return []domain.Envelope{domain.NewEnvelope(topic, ev, arrivedAt)}, nil

	case MessageBroadcast:
		ev, err := decodeBroadcast(msg.Payload)
		if err != nil {
			return nil, apperrors.NewProtocolError(msg.Event, err)
		}
		return []domain.Envelope{domain.NewEnvelope(topic, ev, arrivedAt)}, nil

	case MessagePresenceState:
		var state map[string]presenceEntry
		if err := json.Unmarshal(msg.Payload, &state); err != nil {
			return nil, apperrors.NewProtocolError(msg.Event, err)
		}
		return presenceEnvelopes(topic, state, nil, arrivedAt), nil

	case MessagePresenceDiff:
		var diff presenceDiff
		if err := json.Unmarshal(msg.Payload, &diff); err != nil {
			return nil, apperrors.NewProtocolError(msg.Event, err)
		}
		return presenceEnvelopes(topic, diff.Joins, diff.Leaves, arrivedAt), nil

	default:
		return nil, apperrors.NewProtocolError(msg.Event, apperrors.ErrUnknownEvent)
	}
}

func decodeChange(raw []byte) (domain.Event, error) {
	var p changePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	d := p.Data
	if d.Table == "" {
		return nil, fmt.Errorf("change without table")
	}
	if d.Record == nil {
		return nil, fmt.Errorf("change on %s without record", d.Table)
	}

	switch d.Type {
	case "INSERT":
		return domain.RowInsert{Table: d.Table, Record: d.Record}, nil
	case "UPDATE":
		if deletedAt, ok := softDeleted(d.Record, d.OldRecord, d.CommitTimestamp); ok {
			return domain.RowSoftDelete{Table: d.Table, Record: d.Record, DeletedAt: deletedAt}, nil
		}
		return domain.RowUpdate{Table: d.Table, Record: d.Record, OldRecord: d.OldRecord}, nil
	default:
		return nil, fmt.Errorf("change type %q: %w", d.Type, apperrors.ErrUnknownEvent)
	}
}

// softDeleted reports whether an UPDATE set the row's deletion marker. A row
// whose previous image was already marked deleted is an ordinary update.
func softDeleted(record, old domain.Row, commitTimestamp string) (time.Time, bool) {
	if !markedDeleted(record) || markedDeleted(old) {
		return time.Time{}, false
	}
	if ts, ok := record["deleted_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			return t, true
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, commitTimestamp); err == nil {
		return t, true
	}
	return time.Time{}, true
}

func markedDeleted(row domain.Row) bool {
	if row == nil {
		return false
	}
	if v, ok := row["deleted_at"]; ok && v != nil {
		return true
	}
	deleted, _ := row["is_deleted"].(bool)
	return deleted
}

func decodeBroadcast(raw []byte) (domain.Event, error) {
	var b broadcastPayload
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, err
	}

	switch b.Event {
	case BroadcastTypingStart:
		var ev domain.TypingStart
		if err := unmarshalUser(b.Payload, &ev, &ev.UserID); err != nil {
			return nil, err
		}
		return ev, nil
	case BroadcastTypingStop:
		var ev domain.TypingStop
		if err := unmarshalUser(b.Payload, &ev, &ev.UserID); err != nil {
			return nil, err
		}
		return ev, nil
	case BroadcastReaction:
		var ev domain.ReactionChanged
		if err := unmarshalUser(b.Payload, &ev, &ev.UserID); err != nil {
			return nil, err
		}
		if ev.MessageID == "" {
			return nil, fmt.Errorf("reaction without message_id")
		}
		return ev, nil
	case BroadcastReadReceipt:
		var ev domain.ReadReceipt
		if err := unmarshalUser(b.Payload, &ev, &ev.UserID); err != nil {
			return nil, err
		}
		if ev.MessageID == "" {
			return nil, fmt.Errorf("read receipt without message_id")
		}
		return ev, nil
	default:
		return nil, fmt.Errorf("broadcast %q: %w", b.Event, apperrors.ErrUnknownEvent)
	}
}

func unmarshalUser(raw json.RawMessage, dst any, userID *string) error {
	if len(raw) == 0 {
		return fmt.Errorf("broadcast without payload")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return err
	}
	if *userID == "" {
		return fmt.Errorf("broadcast without user_id")
	}
	return nil
}

// presenceEnvelopes emits leaves before joins, each ordered by user id, so a
// user that reconnects within one diff ends up present.
func presenceEnvelopes(topic domain.TopicKey, joins, leaves map[string]presenceEntry, at time.Time) []domain.Envelope {
	out := make([]domain.Envelope, 0, len(joins)+len(leaves))
	for _, user := range sortedKeys(leaves) {
		out = append(out, domain.NewEnvelope(topic, domain.PresenceLeave{UserID: user}, at))
	}
	for _, user := range sortedKeys(joins) {
		var meta map[string]any
		if metas := joins[user].Metas; len(metas) > 0 {
			meta = metas[len(metas)-1]
		}
		out = append(out, domain.NewEnvelope(topic, domain.PresenceJoin{UserID: user, Meta: meta}, at))
	}
	return out
}

func sortedKeys(m map[string]presenceEntry) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// EncodeTyping builds the payload broadcast for a local typing change.
func EncodeTyping(userID string) ([]byte, error) {
	return json.Marshal(map[string]string{"user_id": userID})
}
