package alerts

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Key identifies an alertable condition, e.g. "disk:threshold" or
// "container:plex:stopped". The segment before the first colon is the class.
type Key string

// Class returns the alert class used to pick a cooldown window.
func (k Key) Class() string {
	s := string(k)
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[:i]
	}
	return s
}

// Severity levels for events.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// ActionKind names what pressing an action button does.
type ActionKind string

const (
	ActionDelete           ActionKind = "delete"
	ActionRestartContainer ActionKind = "restart-container"
)

// Action is an operator-invokable follow-up attached to an event.
type Action struct {
	Kind   ActionKind `json:"kind" yaml:"kind"`
	Target string     `json:"target" yaml:"target"`
	Label  string     `json:"label,omitempty" yaml:"label,omitempty"`
}

// Event is a single notification-worthy state change. Events are values and
// are not mutated once built.
type Event struct {
	ID        string    `json:"id"`
	Key       Key       `json:"key"`
	Severity  Severity  `json:"severity"`
	Topic     string    `json:"topic,omitempty"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Actions   []Action  `json:"actions,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// New builds an event with a fresh ID.
func New(key Key, sev Severity, title, message string, now time.Time) Event {
	return Event{
		ID:        uuid.NewString(),
		Key:       key,
		Severity:  sev,
		Title:     title,
		Message:   message,
		Timestamp: now,
	}
}

// WithTopic returns a copy of events with an empty topic set to topic.
func WithTopic(events []Event, topic string) []Event {
	if len(events) == 0 {
		return events
	}
	out := make([]Event, len(events))
	for i, ev := range events {
		if ev.Topic == "" {
			ev.Topic = topic
		}
		out[i] = ev
	}
	return out
}
