package phoenix

import (
	"encoding/json"
	"strings"

	"github.com/dattmumas/lnked-realtime/internal/core/domain"
	apperrors "github.com/dattmumas/lnked-realtime/internal/core/errors"
	"github.com/dattmumas/lnked-realtime/internal/core/ports"
)

const (
	eventJoin      = "phx_join"
	eventLeave     = "phx_leave"
	eventReply     = "phx_reply"
	eventClose     = "phx_close"
	eventError     = "phx_error"
	eventHeartbeat = "heartbeat"
	eventSystem    = "system"
	eventBroadcast = "broadcast"

	phoenixTopic = "phoenix"
	topicPrefix  = "realtime:"

	statusOK = "ok"
)

// frame is one Phoenix v1 message.
type frame struct {
	JoinRef string          `json:"join_ref,omitempty"`
	Ref     string          `json:"ref,omitempty"`
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type reply struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type systemPayload struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type changeFilter struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

type joinConfig struct {
	Broadcast struct {
		Self bool `json:"self"`
		Ack  bool `json:"ack"`
	} `json:"broadcast"`
	Presence struct {
		Key     string `json:"key"`
		Enabled bool   `json:"enabled"`
	} `json:"presence"`
	PostgresChanges []changeFilter `json:"postgres_changes"`
	Private         bool           `json:"private"`
}

type joinPayload struct {
	Config      joinConfig `json:"config"`
	AccessToken string     `json:"access_token,omitempty"`
}

type broadcastOut struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

func phxTopic(topic domain.TopicKey) string {
	return topicPrefix + topic.String()
}

func newJoinPayload(topic domain.TopicKey, opts ports.JoinOptions) joinPayload {
	var cfg joinConfig
	// Local sessions on other gateway connections must see our typing.
	cfg.Broadcast.Self = true
	cfg.Presence.Key = opts.PresenceKey
	cfg.Presence.Enabled = opts.Presence
	cfg.PostgresChanges = changeFilters(topic)
	cfg.Private = true
	return joinPayload{Config: cfg, AccessToken: opts.AccessToken}
}

// changeFilters selects the row changes each topic family listens to.
func changeFilters(topic domain.TopicKey) []changeFilter {
	scope := topic.Scope()
	switch topic.Kind() {
	case domain.TopicConversation:
		return []changeFilter{{Event: "*", Schema: "public", Table: "messages", Filter: "conversation_id=eq." + scope}}
	case domain.TopicPost:
		return []changeFilter{{Event: "*", Schema: "public", Table: "comments", Filter: "post_id=eq." + scope}}
	case domain.TopicCollective:
		return []changeFilter{{Event: "*", Schema: "public", Table: "posts", Filter: "collective_id=eq." + scope}}
	case domain.TopicUser:
		return []changeFilter{{Event: "*", Schema: "public", Table: "notifications", Filter: "recipient_id=eq." + scope}}
	default:
		return nil
	}
}

// replyError converts an error reply into a BackendError.
func replyError(rep reply) error {
	var body struct {
		Reason  string `json:"reason"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(rep.Response, &body)
	text := body.Reason
	if text == "" {
		text = body.Message
	}
	if text == "" {
		text = string(rep.Response)
	}
	return apperrors.NewBackendError(reasonFor(text), text)
}

// reasonFor maps the backend's free-text rejection to a Reason.
func reasonFor(text string) apperrors.Reason {
	l := strings.ToLower(text)
	switch {
	case containsAny(l, "unauthorized", "invalid token", "token has expired", "expired token", "denied", "forbidden", "jwt"):
		return apperrors.ReasonAuthDenied
	case containsAny(l, "too many channels", "capacity", "connection limit"):
		return apperrors.ReasonCapacityExceeded
	case containsAny(l, "quota", "rate limit", "too many joins", "too many requests"):
		return apperrors.ReasonQuotaExceeded
	case containsAny(l, "timeout", "timed out"):
		return apperrors.ReasonTimeout
	default:
		return apperrors.ReasonUnknown
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
