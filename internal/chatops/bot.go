// Package chatops is the interactive side of the Telegram integration: it
// long-polls for commands and button presses from allowed chats and routes
// them to the deletion workflow and follow-up actions.
package chatops

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/marcus-qen/hostwarden/internal/alerts"
	"github.com/marcus-qen/hostwarden/internal/deletion"
	"github.com/marcus-qen/hostwarden/internal/metrics"
	"github.com/marcus-qen/hostwarden/internal/monitor"
	"github.com/marcus-qen/hostwarden/internal/remote"
	"github.com/marcus-qen/hostwarden/internal/scheduler"
	"github.com/marcus-qen/hostwarden/internal/telegram"
)

const defaultFollowUpTTL = 24 * time.Hour

// BotAPI is the subset of the Bot API client the bot uses.
type BotAPI interface {
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]telegram.Update, error)
	SendMessage(ctx context.Context, chatID int64, text string, kb telegram.Keyboard) (telegram.Message, error)
	EditMessageText(ctx context.Context, chatID, messageID int64, text string, kb telegram.Keyboard) error
	AnswerCallbackQuery(ctx context.Context, id, text string) error
}

// StatusSource reports check health for /status.
type StatusSource interface {
	Status() []scheduler.CheckStatus
}

// EventSink accepts events produced by operator actions.
type EventSink interface {
	Publish(events []alerts.Event)
}

// CandidateLister lists deletion candidates for /disk.
type CandidateLister interface {
	Candidates(ctx context.Context) ([]monitor.Candidate, error)
}

// Config controls the bot.
type Config struct {
	AllowedChats    []int64
	PollInterval    time.Duration
	LongPollTimeout time.Duration

	Workflow *deletion.Workflow
	// Exec runs follow-up actions on the host. Nil disables them.
	Exec     remote.Executor
	Status   StatusSource
	Cooldown *alerts.Engine
	Policy   alerts.Policy
	Disk     CandidateLister
	Events   EventSink

	FollowUpTTL time.Duration
	Now         func() time.Time
}

// Bot polls Telegram updates and handles commands and button presses.
type Bot struct {
	cfg     Config
	api     BotAPI
	log     logr.Logger
	allowed map[int64]bool
	offset  int64

	followMu  sync.Mutex
	followUps map[string]followUp
}

// NewBot creates a Bot.
func NewBot(api BotAPI, cfg Config, log logr.Logger) (*Bot, error) {
	if api == nil {
		return nil, errors.New("telegram client is required")
	}
	if len(cfg.AllowedChats) == 0 {
		return nil, errors.New("at least one allowed chat is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.LongPollTimeout <= 0 {
		cfg.LongPollTimeout = 25 * time.Second
	}
	if cfg.FollowUpTTL <= 0 {
		cfg.FollowUpTTL = defaultFollowUpTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	allowed := make(map[int64]bool, len(cfg.AllowedChats))
	for _, id := range cfg.AllowedChats {
		if id == 0 {
			return nil, errors.New("allowed chats contain an empty chat id")
		}
		allowed[id] = true
	}

	return &Bot{
		cfg:       cfg,
		api:       api,
		log:       log.WithName("chatops-telegram"),
		allowed:   allowed,
		followUps: make(map[string]followUp),
	}, nil
}

// Start runs the long-poll loop until context cancellation.
func (b *Bot) Start(ctx context.Context) error {
	b.log.Info("Telegram bot starting", "allowedChats", len(b.allowed))

	for {
		if err := b.pollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.log.Error(err, "Telegram poll failed")
		}

		select {
		case <-ctx.Done():
			b.log.Info("Telegram bot stopping")
			return nil
		case <-time.After(b.cfg.PollInterval):
		}
	}
}

func (b *Bot) pollOnce(ctx context.Context) error {
	updates, err := b.api.GetUpdates(ctx, b.offset, b.cfg.LongPollTimeout)
	if err != nil {
		return err
	}

	for _, upd := range updates {
		if upd.UpdateID >= b.offset {
			b.offset = upd.UpdateID + 1
		}
		switch {
		case upd.CallbackQuery != nil:
			metrics.RecordChatUpdate("callback")
			if err := b.handleCallback(ctx, *upd.CallbackQuery); err != nil {
				b.log.Error(err, "Failed handling button press", "data", upd.CallbackQuery.Data)
			}
		case upd.Message != nil:
			metrics.RecordChatUpdate("message")
			if err := b.handleIncomingMessage(ctx, *upd.Message); err != nil {
				b.log.Error(err, "Failed handling Telegram message", "chatID", upd.Message.Chat.ID)
			}
		default:
			metrics.RecordChatUpdate("other")
		}
	}
	return nil
}

func (b *Bot) handleIncomingMessage(ctx context.Context, msg telegram.Message) error {
	text := strings.TrimSpace(msg.Text)
	if text == "" || !strings.HasPrefix(text, "/") {
		return nil
	}

	if !b.allowed[msg.Chat.ID] {
		b.log.Info("Rejected command from unknown chat", "chatID", msg.Chat.ID)
		_, err := b.api.SendMessage(ctx, msg.Chat.ID, "This chat is not authorized.", nil)
		return err
	}

	reply, kb := b.processCommand(ctx, text)
	if reply == "" {
		return nil
	}
	_, err := b.api.SendMessage(ctx, msg.Chat.ID, reply, kb)
	return err
}

func (b *Bot) handleCallback(ctx context.Context, cq telegram.CallbackQuery) error {
	if cq.Message == nil {
		return b.api.AnswerCallbackQuery(ctx, cq.ID, "Message unavailable")
	}
	chatID := cq.Message.Chat.ID
	if !b.allowed[chatID] {
		b.log.Info("Rejected button press from unknown chat", "chatID", chatID)
		return b.api.AnswerCallbackQuery(ctx, cq.ID, "Not authorized")
	}

	conversation := conversationID(chatID, cq.Message.MessageID)
	if ev, ok := deletion.ParseCallback(conversation, cq.Data); ok {
		return b.handleDeletion(ctx, cq, ev)
	}
	if token, ok := strings.CutPrefix(cq.Data, prefixFollowUp); ok {
		return b.handleFollowUp(ctx, cq, token)
	}
	return b.api.AnswerCallbackQuery(ctx, cq.ID, "Unknown action")
}

func (b *Bot) handleDeletion(ctx context.Context, cq telegram.CallbackQuery, ev deletion.Event) error {
	if b.cfg.Workflow == nil {
		return b.api.AnswerCallbackQuery(ctx, cq.ID, "Deletion is disabled")
	}
	out := b.cfg.Workflow.Handle(ctx, ev)
	if b.cfg.Events != nil {
		b.cfg.Events.Publish(out.Events)
	}

	var errs []error
	if err := b.api.AnswerCallbackQuery(ctx, cq.ID, out.Notice); err != nil {
		errs = append(errs, err)
	}
	if out.Prompt != nil {
		chatID := cq.Message.Chat.ID
		if out.Changed {
			err := b.api.EditMessageText(ctx, chatID, cq.Message.MessageID, out.Prompt.Text, keyboard(out.Prompt.Buttons))
			if err != nil && !errors.Is(err, telegram.ErrNotModified) {
				errs = append(errs, err)
			}
		} else if _, err := b.api.SendMessage(ctx, chatID, out.Prompt.Text, keyboard(out.Prompt.Buttons)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Reap expires overdue deletion sessions and strips the buttons from their
// messages. It also drops stale follow-up actions.
func (b *Bot) Reap(ctx context.Context, now time.Time) error {
	b.pruneFollowUps(now)
	if b.cfg.Workflow == nil {
		return nil
	}

	var errs []error
	for _, out := range b.cfg.Workflow.Expire(now) {
		if out.Session == nil || out.Prompt == nil {
			continue
		}
		chatID, msgID, err := parseConversation(out.Session.Conversation)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		b.log.Info("Deletion request expired", "session", out.Session.ID, "path", out.Session.Path)
		err = b.api.EditMessageText(ctx, chatID, msgID, out.Prompt.Text, nil)
		if err != nil && !errors.Is(err, telegram.ErrNotModified) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func keyboard(rows [][]deletion.Button) telegram.Keyboard {
	if len(rows) == 0 {
		return nil
	}
	kb := make(telegram.Keyboard, 0, len(rows))
	for _, row := range rows {
		r := make([]telegram.InlineButton, 0, len(row))
		for _, btn := range row {
			r = append(r, telegram.InlineButton{Text: btn.Label, CallbackData: btn.Data})
		}
		kb = append(kb, r)
	}
	return kb
}

// conversationID scopes a deletion session to one message in one chat.
func conversationID(chatID, messageID int64) string {
	return fmt.Sprintf("%d:%d", chatID, messageID)
}

func parseConversation(id string) (int64, int64, error) {
	chatPart, msgPart, ok := strings.Cut(id, ":")
	if !ok {
		return 0, 0, fmt.Errorf("malformed conversation id %q", id)
	}
	chatID, err := strconv.ParseInt(chatPart, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed conversation id %q: %w", id, err)
	}
	msgID, err := strconv.ParseInt(msgPart, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed conversation id %q: %w", id, err)
	}
	return chatID, msgID, nil
}

func parseCommand(text string) (string, []string) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 {
		return "", nil
	}
	cmd := strings.TrimPrefix(fields[0], "/")
	if idx := strings.Index(cmd, "@"); idx > 0 {
		cmd = cmd[:idx]
	}
	cmd = strings.ToLower(cmd)
	if len(fields) == 1 {
		return cmd, nil
	}
	return cmd, fields[1:]
}
