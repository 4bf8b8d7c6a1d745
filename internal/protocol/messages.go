package protocol

import (
	"fmt"
	"time"
)

// EventKind names a session lifecycle transition.
type EventKind string

const (
	EventStarted EventKind = "started"
	EventChapter EventKind = "chapter"
	EventStopped EventKind = "stopped"
)

const (
	SubjectSessionPrefix  = "scripture.session"
	SubjectSessionStarted = SubjectSessionPrefix + ".started"
	SubjectSessionChapter = SubjectSessionPrefix + ".chapter"
	SubjectSessionStopped = SubjectSessionPrefix + ".stopped"
)

// SessionEvent is broadcast on the bus and recorded in the listening timeline.
type SessionEvent struct {
	SessionID   string    `json:"session_id"`
	Kind        EventKind `json:"kind"`
	Book        string    `json:"book"`
	Chapter     int       `json:"chapter"`
	Translation string    `json:"translation"`
	Voice       string    `json:"voice,omitempty"`
	BookOrder   string    `json:"book_order,omitempty"`
	Available   bool      `json:"available"`
	Timestamp   time.Time `json:"timestamp"`
}

// SubjectFor maps an event kind to its NATS subject.
func SubjectFor(kind EventKind) (string, error) {
	switch kind {
	case EventStarted:
		return SubjectSessionStarted, nil
	case EventChapter:
		return SubjectSessionChapter, nil
	case EventStopped:
		return SubjectSessionStopped, nil
	default:
		return "", fmt.Errorf("unknown session event kind %q", kind)
	}
}
