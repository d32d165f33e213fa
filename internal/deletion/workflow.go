// Package deletion implements the operator-confirmed file deletion flow.
// A disk alert offers candidate paths; pressing one opens a session that
// waits for an explicit confirmation, a cancellation or a timeout. The
// allow-list is checked when the session opens and again, against the host's
// resolved paths, immediately before deleting.
package deletion

import (
	"context"
	"fmt"
	"html"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marcus-qen/hostwarden/internal/alerts"
	"github.com/marcus-qen/hostwarden/internal/metrics"
	"github.com/marcus-qen/hostwarden/internal/telemetry"
)

// State is a session's position in the workflow.
type State string

const (
	StateIdle                 State = "idle"
	StateAwaitingConfirmation State = "awaiting_confirmation"
	StateCompleted            State = "completed"
	StateCancelled            State = "cancelled"
	StateExpired              State = "expired"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateExpired
}

// Session is one deletion request within a conversation.
type Session struct {
	ID           string    `json:"id"`
	Conversation string    `json:"conversation"`
	Path         string    `json:"path"`
	State        State     `json:"state"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	ClosedAt     time.Time `json:"closed_at,omitempty"`
	Detail       string    `json:"detail,omitempty"`

	inFlight bool
}

// Kind is an inbound event type.
type Kind string

const (
	KindPropose Kind = "propose"
	KindConfirm Kind = "confirm"
	KindCancel  Kind = "cancel"
)

// Event is an operator input. Ref is an offer token for propose and a
// session ID for confirm and cancel.
type Event struct {
	Conversation string
	Kind         Kind
	Ref          string
}

// Button is an inline choice in a prompt.
type Button struct {
	Label string
	Data  string
}

// Prompt is the message to show in the conversation. Text is HTML.
type Prompt struct {
	Text    string
	Buttons [][]Button
}

// Outcome describes what an event did.
type Outcome struct {
	Session *Session
	Prompt  *Prompt
	Events  []alerts.Event
	// Notice is a short acknowledgement for the button press.
	Notice  string
	Changed bool
}

// FileOps resolves and deletes paths on the host.
type FileOps interface {
	Resolver
	Delete(ctx context.Context, p string) error
}

// Config configures a Workflow.
type Config struct {
	Policy     Policy
	Ops        FileOps
	SessionTTL time.Duration
	OfferTTL   time.Duration
	Topic      string
	Logger     *zap.Logger
	// Now overrides the clock in tests.
	Now func() time.Time
}

type offer struct {
	path    string
	expires time.Time
}

// Workflow holds every session, keyed by conversation.
type Workflow struct {
	policy     Policy
	ops        FileOps
	sessionTTL time.Duration
	offerTTL   time.Duration
	topic      string
	logger     *zap.Logger
	now        func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	offers   map[string]offer
	offerBy  map[string]string // path -> token
}

// New creates a Workflow.
func New(cfg Config) *Workflow {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 10 * time.Minute
	}
	if cfg.OfferTTL <= 0 {
		cfg.OfferTTL = 24 * time.Hour
	}
	return &Workflow{
		policy:     cfg.Policy,
		ops:        cfg.Ops,
		sessionTTL: cfg.SessionTTL,
		offerTTL:   cfg.OfferTTL,
		topic:      cfg.Topic,
		logger:     cfg.Logger,
		now:        cfg.Now,
		sessions:   make(map[string]*Session),
		offers:     make(map[string]offer),
		offerBy:    make(map[string]string),
	}
}

// Offer registers path as a deletion candidate and returns its token. A live
// offer for the same path is reused and extended.
func (w *Workflow) Offer(p string) string {
	w.mu.Lock()
	defer w.mu.Unlock()

	expires := w.now().Add(w.offerTTL)
	if tok, ok := w.offerBy[p]; ok {
		w.offers[tok] = offer{path: p, expires: expires}
		return tok
	}
	tok := strings.ReplaceAll(uuid.NewString(), "-", "")
	w.offers[tok] = offer{path: p, expires: expires}
	w.offerBy[p] = tok
	return tok
}

// Get returns a copy of the conversation's session.
func (w *Workflow) Get(conversation string) (Session, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := w.sessions[conversation]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Pending returns the number of sessions awaiting confirmation.
func (w *Workflow) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, s := range w.sessions {
		if s.State == StateAwaitingConfirmation {
			n++
		}
	}
	return n
}

// Handle applies one operator event.
func (w *Workflow) Handle(ctx context.Context, ev Event) Outcome {
	switch ev.Kind {
	case KindPropose:
		return w.propose(ev)
	case KindConfirm:
		return w.confirm(ctx, ev)
	case KindCancel:
		return w.cancel(ev)
	}
	return Outcome{Notice: "Unknown action"}
}

func (w *Workflow) propose(ev Event) Outcome {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()

	of, ok := w.offers[ev.Ref]
	if !ok || now.After(of.expires) {
		return Outcome{
			Notice: "Offer expired",
			Prompt: &Prompt{Text: "This delete option has expired. Send /disk for a fresh list."},
		}
	}
	if err := w.policy.Check(of.path); err != nil {
		w.logger.Warn("deletion proposal rejected", zap.String("path", of.path), zap.Error(err))
		return Outcome{
			Notice: "Not allowed",
			Prompt: &Prompt{Text: fmt.Sprintf("⛔ <code>%s</code> is outside the allowed folders.", html.EscapeString(of.path))},
			Events: []alerts.Event{w.violation("", of.path, err, now)},
		}
	}

	if cur, ok := w.sessions[ev.Conversation]; ok && cur.State == StateAwaitingConfirmation {
		if cur.inFlight {
			return Outcome{Session: copySession(cur), Notice: "Deletion in progress"}
		}
		w.closeLocked(cur, StateCancelled, "superseded by a new request", now)
	}

	s := &Session{
		ID:           uuid.NewString(),
		Conversation: ev.Conversation,
		Path:         of.path,
		State:        StateAwaitingConfirmation,
		CreatedAt:    now,
		ExpiresAt:    now.Add(w.sessionTTL),
	}
	w.sessions[ev.Conversation] = s
	metrics.RecordDeletionTransition(string(StateAwaitingConfirmation))
	w.logger.Info("deletion proposed", zap.String("session", s.ID), zap.String("path", s.Path))

	return Outcome{
		Session: copySession(s),
		Changed: true,
		Notice:  "Confirm deletion",
		Prompt: &Prompt{
			Text: fmt.Sprintf("⚠️ Delete <code>%s</code>?\nThis cannot be undone. Confirm within %s.",
				html.EscapeString(s.Path), formatTTL(w.sessionTTL)),
			Buttons: [][]Button{{
				{Label: "✅ Confirm", Data: ConfirmData(s.ID)},
				{Label: "❌ Cancel", Data: CancelData(s.ID)},
			}},
		},
	}
}

func (w *Workflow) confirm(ctx context.Context, ev Event) Outcome {
	w.mu.Lock()
	s, ok := w.active(ev)
	if !ok {
		out := w.noopLocked(ev)
		w.mu.Unlock()
		return out
	}
	now := w.now()
	if !now.Before(s.ExpiresAt) {
		w.closeLocked(s, StateExpired, "confirmation arrived after the deadline", now)
		out := Outcome{Session: copySession(s), Changed: true, Notice: "Request expired", Prompt: expiredPrompt(s)}
		w.mu.Unlock()
		return out
	}
	s.inFlight = true
	target := s.Path
	w.mu.Unlock()

	_, verr := w.policy.Verify(ctx, w.ops, target)
	var derr error
	if verr == nil {
		actx, span := telemetry.StartActionSpan(ctx, "delete", target)
		derr = w.ops.Delete(actx, target)
		telemetry.EndActionSpan(span, derr)
		metrics.RecordAction("delete", derr)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	s.inFlight = false
	now = w.now()
	esc := html.EscapeString(target)

	switch {
	case verr != nil:
		w.logger.Warn("deletion blocked at confirmation", zap.String("session", s.ID), zap.String("path", target), zap.Error(verr))
		w.closeLocked(s, StateCancelled, verr.Error(), now)
		return Outcome{
			Session: copySession(s),
			Changed: true,
			Notice:  "Blocked",
			Prompt:  &Prompt{Text: fmt.Sprintf("⛔ Deletion of <code>%s</code> was blocked: %s", esc, html.EscapeString(verr.Error()))},
			Events:  []alerts.Event{w.violation(s.ID, target, verr, now)},
		}
	case derr != nil:
		w.logger.Error("deletion failed", zap.String("session", s.ID), zap.String("path", target), zap.Error(derr))
		w.closeLocked(s, StateCompleted, "delete failed: "+derr.Error(), now)
		failed := alerts.New(alerts.Key("deletion:"+s.ID+":failed"), alerts.SeverityWarning,
			"Deletion failed", fmt.Sprintf("Could not delete %s: %v", target, derr), now)
		failed.Topic = w.topic
		return Outcome{
			Session: copySession(s),
			Changed: true,
			Notice:  "Delete failed",
			Prompt:  &Prompt{Text: fmt.Sprintf("❗ Could not delete <code>%s</code>: %s", esc, html.EscapeString(derr.Error()))},
			Events:  []alerts.Event{failed},
		}
	}

	w.logger.Info("deletion completed", zap.String("session", s.ID), zap.String("path", target))
	w.closeLocked(s, StateCompleted, "", now)
	w.dropOfferLocked(target)
	done := alerts.New(alerts.Key("deletion:"+s.ID+":completed"), alerts.SeverityInfo,
		"Deleted", fmt.Sprintf("%s was deleted.", target), now)
	done.Topic = w.topic
	return Outcome{
		Session: copySession(s),
		Changed: true,
		Notice:  "Deleted",
		Prompt:  &Prompt{Text: fmt.Sprintf("🗑 Deleted <code>%s</code>.", esc)},
		Events:  []alerts.Event{done},
	}
}

func (w *Workflow) cancel(ev Event) Outcome {
	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := w.active(ev)
	if !ok {
		return w.noopLocked(ev)
	}
	w.closeLocked(s, StateCancelled, "cancelled by operator", w.now())
	return Outcome{
		Session: copySession(s),
		Changed: true,
		Notice:  "Cancelled",
		Prompt:  &Prompt{Text: fmt.Sprintf("Deletion of <code>%s</code> cancelled.", html.EscapeString(s.Path))},
	}
}

// Expire moves overdue sessions to expired and prunes terminal sessions and
// stale offers. The returned outcomes carry prompts for the affected
// conversations.
func (w *Workflow) Expire(now time.Time) []Outcome {
	w.mu.Lock()
	defer w.mu.Unlock()

	var outs []Outcome
	for conv, s := range w.sessions {
		switch {
		case s.State == StateAwaitingConfirmation && !s.inFlight && !now.Before(s.ExpiresAt):
			w.closeLocked(s, StateExpired, "no confirmation before the deadline", now)
			outs = append(outs, Outcome{Session: copySession(s), Changed: true, Prompt: expiredPrompt(s)})
		case s.State.Terminal() && now.Sub(s.ClosedAt) >= w.sessionTTL:
			delete(w.sessions, conv)
		}
	}
	for tok, of := range w.offers {
		if now.After(of.expires) {
			delete(w.offers, tok)
			if w.offerBy[of.path] == tok {
				delete(w.offerBy, of.path)
			}
		}
	}
	return outs
}

// active returns the conversation's session when ev targets it and it still
// accepts input.
func (w *Workflow) active(ev Event) (*Session, bool) {
	s, ok := w.sessions[ev.Conversation]
	if !ok || s.ID != ev.Ref || s.State != StateAwaitingConfirmation || s.inFlight {
		return nil, false
	}
	return s, true
}

func (w *Workflow) noopLocked(ev Event) Outcome {
	s, ok := w.sessions[ev.Conversation]
	if !ok || s.ID != ev.Ref {
		return Outcome{Notice: "This request is no longer active"}
	}
	if s.inFlight {
		return Outcome{Session: copySession(s), Notice: "Deletion in progress"}
	}
	return Outcome{Session: copySession(s), Notice: "Already " + string(s.State)}
}

func (w *Workflow) closeLocked(s *Session, st State, detail string, now time.Time) {
	s.State = st
	s.Detail = detail
	s.ClosedAt = now
	metrics.RecordDeletionTransition(string(st))
}

func (w *Workflow) dropOfferLocked(p string) {
	if tok, ok := w.offerBy[p]; ok {
		delete(w.offers, tok)
		delete(w.offerBy, p)
	}
}

func (w *Workflow) violation(sessionID, p string, err error, now time.Time) alerts.Event {
	key := "deletion:policy-violation"
	if sessionID != "" {
		key = "deletion:" + sessionID + ":policy-violation"
	}
	ev := alerts.New(alerts.Key(key), alerts.SeverityCritical,
		"Deletion blocked by allow-list",
		fmt.Sprintf("Refused to delete %s: %v", p, err), now)
	ev.Topic = w.topic
	return ev
}

func expiredPrompt(s *Session) *Prompt {
	return &Prompt{Text: fmt.Sprintf("⌛ Deletion of <code>%s</code> expired without confirmation.", html.EscapeString(s.Path))}
}

func copySession(s *Session) *Session {
	c := *s
	return &c
}

func formatTTL(d time.Duration) string {
	if d%time.Minute == 0 {
		return fmt.Sprintf("%d min", int(d/time.Minute))
	}
	return d.String()
}
