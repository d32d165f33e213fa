package chatops

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/marcus-qen/hostwarden/internal/alerts"
	"github.com/marcus-qen/hostwarden/internal/deletion"
	"github.com/marcus-qen/hostwarden/internal/monitor"
	"github.com/marcus-qen/hostwarden/internal/remote"
	"github.com/marcus-qen/hostwarden/internal/remote/remotetest"
	"github.com/marcus-qen/hostwarden/internal/scheduler"
	"github.com/marcus-qen/hostwarden/internal/telegram"
)

const testChat int64 = 1234

type sentMessage struct {
	ChatID int64
	Text   string
	KB     telegram.Keyboard
}

type editedMessage struct {
	ChatID, MessageID int64
	Text              string
	KB                telegram.Keyboard
}

type fakeAPI struct {
	mu      sync.Mutex
	updates [][]telegram.Update
	sent    []sentMessage
	edits   []editedMessage
	answers []string
	offsets []int64
}

func (f *fakeAPI) GetUpdates(_ context.Context, offset int64, _ time.Duration) ([]telegram.Update, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offsets = append(f.offsets, offset)
	if len(f.updates) == 0 {
		return nil, nil
	}
	next := f.updates[0]
	f.updates = f.updates[1:]
	return next, nil
}

func (f *fakeAPI) SendMessage(_ context.Context, chatID int64, text string, kb telegram.Keyboard) (telegram.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{ChatID: chatID, Text: text, KB: kb})
	return telegram.Message{MessageID: int64(100 + len(f.sent))}, nil
}

func (f *fakeAPI) EditMessageText(_ context.Context, chatID, messageID int64, text string, kb telegram.Keyboard) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, editedMessage{ChatID: chatID, MessageID: messageID, Text: text, KB: kb})
	return nil
}

func (f *fakeAPI) AnswerCallbackQuery(_ context.Context, _ string, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, text)
	return nil
}

type fakeSink struct {
	mu     sync.Mutex
	events []alerts.Event
}

func (s *fakeSink) Publish(events []alerts.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
}

type fakeStatus []scheduler.CheckStatus

func (f fakeStatus) Status() []scheduler.CheckStatus { return f }

type fakeLister struct {
	cands []monitor.Candidate
	err   error
}

func (l fakeLister) Candidates(context.Context) ([]monitor.Candidate, error) { return l.cands, l.err }

type fixture struct {
	bot   *Bot
	api   *fakeAPI
	exec  *remotetest.Fake
	sink  *fakeSink
	wf    *deletion.Workflow
	clock *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }

	exec := remotetest.New().
		On("realpath -e -- /srv/media", "/srv/media\n").
		On("realpath -e -- /srv/media/old.mkv", "/srv/media/old.mkv\n").
		On("rm -rf -- /srv/media/old.mkv", "").
		On("docker restart plex", "plex\n").
		OnResult("docker restart jellyfin", remote.Result{ExitCode: 1, Stderr: "No such container: jellyfin"})

	policy, err := deletion.NewPolicy([]string{"/srv/media"})
	if err != nil {
		t.Fatal(err)
	}
	wf := deletion.New(deletion.Config{
		Policy:     policy,
		Ops:        deletion.RemoteOps{Exec: exec},
		SessionTTL: 10 * time.Minute,
		OfferTTL:   time.Hour,
		Now:        now,
	})

	api := &fakeAPI{}
	sink := &fakeSink{}
	cooldown := alerts.NewEngine()
	cooldown.ShouldEmit("disk:threshold", clock, time.Hour)

	bot, err := NewBot(api, Config{
		AllowedChats: []int64{testChat},
		Workflow:     wf,
		Exec:         exec,
		Status: fakeStatus{
			{Name: "disk", Runs: 3, LastSuccess: clock.Add(-2 * time.Minute)},
			{Name: "vms", Runs: 2, ConsecutiveFailures: 2, LastError: "ssh: handshake failed"},
		},
		Cooldown: cooldown,
		Policy:   alerts.Policy{Default: time.Hour},
		Disk: fakeLister{cands: []monitor.Candidate{
			{Path: "/srv/media/old.mkv", Name: "old.mkv", Size: 3 << 30},
		}},
		Events: sink,
		Now:    now,
	}, logr.Discard())
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{bot: bot, api: api, exec: exec, sink: sink, wf: wf, clock: &clock}
}

func (f *fixture) press(t *testing.T, msgID int64, data string) {
	t.Helper()
	err := f.bot.handleCallback(context.Background(), telegram.CallbackQuery{
		ID:      "cb",
		Data:    data,
		Message: &telegram.Message{MessageID: msgID, Chat: telegram.Chat{ID: testChat}},
	})
	if err != nil {
		t.Fatalf("handleCallback(%s): %v", data, err)
	}
}

func TestNewBotValidation(t *testing.T) {
	if _, err := NewBot(nil, Config{AllowedChats: []int64{1}}, logr.Discard()); err == nil {
		t.Error("expected error without client")
	}
	if _, err := NewBot(&fakeAPI{}, Config{}, logr.Discard()); err == nil {
		t.Error("expected error without allowed chats")
	}
	if _, err := NewBot(&fakeAPI{}, Config{AllowedChats: []int64{0}}, logr.Discard()); err == nil {
		t.Error("expected error for zero chat id")
	}
}

func TestUnknownChatIsRejected(t *testing.T) {
	f := newFixture(t)
	err := f.bot.handleIncomingMessage(context.Background(), telegram.Message{
		Text: "/disk",
		Chat: telegram.Chat{ID: 9999},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(f.api.sent) != 1 || !strings.Contains(f.api.sent[0].Text, "not authorized") {
		t.Fatalf("sent = %+v", f.api.sent)
	}

	f.bot.handleCallback(context.Background(), telegram.CallbackQuery{
		ID: "cb", Data: "dok:x",
		Message: &telegram.Message{MessageID: 1, Chat: telegram.Chat{ID: 9999}},
	})
	if f.api.answers[0] != "Not authorized" {
		t.Fatalf("answers = %v", f.api.answers)
	}
	if len(f.exec.Commands()) != 0 {
		t.Fatalf("commands ran for unknown chat: %v", f.exec.Commands())
	}
}

func TestStatusCommand(t *testing.T) {
	f := newFixture(t)
	if err := f.bot.handleIncomingMessage(context.Background(), telegram.Message{Text: "/status@hostwarden_bot", Chat: telegram.Chat{ID: testChat}}); err != nil {
		t.Fatal(err)
	}
	text := f.api.sent[0].Text
	for _, want := range []string{"✅ disk: ok 2 minutes ago", "❌ vms: 2 failure(s)", "Cooling down: 1", "disk:threshold", "Pending deletions: 0"} {
		if !strings.Contains(text, want) {
			t.Errorf("status missing %q:\n%s", want, text)
		}
	}
}

func TestDiskCommandOffersCandidates(t *testing.T) {
	f := newFixture(t)
	if err := f.bot.handleIncomingMessage(context.Background(), telegram.Message{Text: "/disk", Chat: telegram.Chat{ID: testChat}}); err != nil {
		t.Fatal(err)
	}
	msg := f.api.sent[0]
	if !strings.Contains(msg.Text, "/srv/media/old.mkv") || !strings.Contains(msg.Text, "3.0 GiB") {
		t.Fatalf("text = %s", msg.Text)
	}
	if len(msg.KB) != 1 || !strings.HasPrefix(msg.KB[0][0].CallbackData, "del:") {
		t.Fatalf("keyboard = %+v", msg.KB)
	}
}

func TestDiskCommandError(t *testing.T) {
	f := newFixture(t)
	f.bot.cfg.Disk = fakeLister{err: errors.New("du: timeout")}
	reply, kb := f.bot.processCommand(context.Background(), "/disk")
	if !strings.Contains(reply, "du: timeout") || kb != nil {
		t.Fatalf("reply = %q kb = %v", reply, kb)
	}
}

func TestDeletionFlowThroughButtons(t *testing.T) {
	f := newFixture(t)
	btn, ok := f.bot.Bind(alerts.Event{}, alerts.Action{Kind: alerts.ActionDelete, Target: "/srv/media/old.mkv", Label: "🗑 old.mkv"})
	if !ok {
		t.Fatal("delete action not bound")
	}

	f.press(t, 77, btn.Data)
	if len(f.api.edits) != 1 || !strings.Contains(f.api.edits[0].Text, "Delete <code>/srv/media/old.mkv</code>?") {
		t.Fatalf("edits = %+v", f.api.edits)
	}
	confirm := f.api.edits[0].KB[0][0].CallbackData

	f.press(t, 77, confirm)
	if !f.exec.Ran("rm -rf -- /srv/media/old.mkv") {
		t.Fatalf("rm not run: %v", f.exec.Commands())
	}
	if f.api.answers[1] != "Deleted" {
		t.Fatalf("answers = %v", f.api.answers)
	}
	if len(f.api.edits[1].KB) != 0 {
		t.Fatal("buttons should be removed after completion")
	}
	if len(f.sink.events) != 1 || !strings.HasSuffix(string(f.sink.events[0].Key), ":completed") {
		t.Fatalf("events = %+v", f.sink.events)
	}

	// A second press is a no-op.
	f.press(t, 77, confirm)
	if f.api.answers[2] != "Already completed" {
		t.Fatalf("answers = %v", f.api.answers)
	}
	if n := len(f.exec.Commands()); n != 3 {
		t.Fatalf("commands = %v", f.exec.Commands())
	}
}

func TestExpiredOfferSendsNewMessage(t *testing.T) {
	f := newFixture(t)
	f.press(t, 5, deletion.ProposeData("unknown"))
	if len(f.api.edits) != 0 {
		t.Fatal("alert message must not be edited for a stale offer")
	}
	if len(f.api.sent) != 1 || !strings.Contains(f.api.sent[0].Text, "/disk") {
		t.Fatalf("sent = %+v", f.api.sent)
	}
}

func TestReapEditsExpiredPrompt(t *testing.T) {
	f := newFixture(t)
	btn, _ := f.bot.Bind(alerts.Event{}, alerts.Action{Kind: alerts.ActionDelete, Target: "/srv/media/old.mkv"})
	f.press(t, 42, btn.Data)

	if err := f.bot.Reap(context.Background(), f.clock.Add(11*time.Minute)); err != nil {
		t.Fatal(err)
	}
	last := f.api.edits[len(f.api.edits)-1]
	if last.MessageID != 42 || !strings.Contains(last.Text, "expired") || len(last.KB) != 0 {
		t.Fatalf("last edit = %+v", last)
	}

	events, next, err := ReaperCheck{Bot: f.bot}.Run(context.Background(), nil, f.clock.Add(12*time.Minute))
	if err != nil || events != nil || next != nil {
		t.Fatalf("reaper run = %v %v %v", events, next, err)
	}
}

func TestRestartFollowUp(t *testing.T) {
	f := newFixture(t)
	btn, ok := f.bot.Bind(alerts.Event{}, alerts.Action{Kind: alerts.ActionRestartContainer, Target: "plex"})
	if !ok || btn.Label != "🔄 Restart plex" {
		t.Fatalf("button = %+v, %v", btn, ok)
	}

	f.press(t, 9, btn.Data)
	if !f.exec.Ran("docker restart plex") {
		t.Fatalf("commands = %v", f.exec.Commands())
	}
	if f.api.answers[0] != "Done" {
		t.Fatalf("answers = %v", f.api.answers)
	}

	// One-shot: the token is consumed.
	f.press(t, 9, btn.Data)
	if f.api.answers[1] != "Action expired" {
		t.Fatalf("answers = %v", f.api.answers)
	}
}

func TestRestartFollowUpFailure(t *testing.T) {
	f := newFixture(t)
	btn, _ := f.bot.Bind(alerts.Event{}, alerts.Action{Kind: alerts.ActionRestartContainer, Target: "jellyfin"})
	f.press(t, 9, btn.Data)
	if f.api.answers[0] != "Failed" {
		t.Fatalf("answers = %v", f.api.answers)
	}
	if !strings.Contains(f.api.sent[0].Text, "No such container") {
		t.Fatalf("sent = %+v", f.api.sent)
	}
}

func TestFollowUpExpires(t *testing.T) {
	f := newFixture(t)
	btn, _ := f.bot.Bind(alerts.Event{}, alerts.Action{Kind: alerts.ActionRestartContainer, Target: "plex"})
	*f.clock = f.clock.Add(25 * time.Hour)
	f.press(t, 9, btn.Data)
	if f.api.answers[0] != "Action expired" || f.exec.Ran("docker restart plex") {
		t.Fatalf("answers = %v commands = %v", f.api.answers, f.exec.Commands())
	}
}

func TestBindWithoutExecutorSkipsFollowUps(t *testing.T) {
	f := newFixture(t)
	f.bot.cfg.Exec = nil
	if _, ok := f.bot.Bind(alerts.Event{}, alerts.Action{Kind: alerts.ActionRestartContainer, Target: "plex"}); ok {
		t.Fatal("restart bound without an executor")
	}
}

func TestPollOnceAdvancesOffset(t *testing.T) {
	f := newFixture(t)
	f.api.updates = [][]telegram.Update{{
		{UpdateID: 50, Message: &telegram.Message{Text: "/help", Chat: telegram.Chat{ID: testChat}}},
		{UpdateID: 51, Message: &telegram.Message{Text: "hello", Chat: telegram.Chat{ID: testChat}}},
	}}
	if err := f.bot.pollOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := f.bot.pollOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if f.api.offsets[1] != 52 {
		t.Fatalf("offsets = %v", f.api.offsets)
	}
	if len(f.api.sent) != 1 || !strings.Contains(f.api.sent[0].Text, "/disk") {
		t.Fatalf("sent = %+v", f.api.sent)
	}
}

func TestParseConversation(t *testing.T) {
	chat, msg, err := parseConversation(conversationID(-100123, 77))
	if err != nil || chat != -100123 || msg != 77 {
		t.Fatalf("parse = %d %d %v", chat, msg, err)
	}
	if _, _, err := parseConversation("nope"); err == nil {
		t.Fatal("expected error")
	}
}
