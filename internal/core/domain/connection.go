package domain

import "time"

// ConnState is the lifecycle state of a topic connection.
type ConnState int

const (
	StateIdle ConnState = iota
	StateJoining
	StateJoined
	StateLeaving
	StateClosed
	StateErrored
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateJoining:
		return "JOINING"
	case StateJoined:
		return "JOINED"
	case StateLeaving:
		return "LEAVING"
	case StateClosed:
		return "CLOSED"
	case StateErrored:
		return "ERRORED"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state name in JSON payloads.
func (s ConnState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// IsReusable reports whether a new subscriber attaches to the connection in
// place instead of replacing it.
func (s ConnState) IsReusable() bool {
	return s == StateJoining || s == StateJoined || s == StateLeaving
}

// ConnectionInfo is a read-only snapshot of one topic connection.
type ConnectionInfo struct {
	Topic      TopicKey      `json:"topic"`
	State      ConnState     `json:"state"`
	RefCount   int           `json:"refCount"`
	Generation uint64        `json:"generation"`
	LastJoinAt time.Time     `json:"lastJoinAt,omitempty"`
	Backoff    time.Duration `json:"backoff"`
	Failures   int           `json:"failures"`
	JoinFlight bool          `json:"joinInFlight"`
}
