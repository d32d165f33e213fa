package chatops

import (
	"context"
	"fmt"
	"html"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/marcus-qen/hostwarden/internal/alerts"
	"github.com/marcus-qen/hostwarden/internal/deletion"
	"github.com/marcus-qen/hostwarden/internal/metrics"
	"github.com/marcus-qen/hostwarden/internal/notify"
	"github.com/marcus-qen/hostwarden/internal/remote"
	"github.com/marcus-qen/hostwarden/internal/telegram"
	"github.com/marcus-qen/hostwarden/internal/telemetry"
)

const prefixFollowUp = "run:"

type followUp struct {
	action  alerts.Action
	expires time.Time
}

var _ notify.ActionBinder = (*Bot)(nil)

// Bind turns an event action into an inline button. Delete actions become
// deletion offers; restart actions become one-shot follow-ups.
func (b *Bot) Bind(_ alerts.Event, a alerts.Action) (notify.Button, bool) {
	switch a.Kind {
	case alerts.ActionDelete:
		if b.cfg.Workflow == nil || a.Target == "" {
			return notify.Button{}, false
		}
		label := a.Label
		if label == "" {
			label = "🗑 " + path.Base(a.Target)
		}
		return notify.Button{Label: label, Data: deletion.ProposeData(b.cfg.Workflow.Offer(a.Target))}, true

	case alerts.ActionRestartContainer:
		if b.cfg.Exec == nil || a.Target == "" {
			return notify.Button{}, false
		}
		label := a.Label
		if label == "" {
			label = "🔄 Restart " + a.Target
		}
		token := strings.ReplaceAll(uuid.NewString(), "-", "")
		b.followMu.Lock()
		b.followUps[token] = followUp{action: a, expires: b.cfg.Now().Add(b.cfg.FollowUpTTL)}
		b.followMu.Unlock()
		return notify.Button{Label: label, Data: prefixFollowUp + token}, true
	}
	return notify.Button{}, false
}

func (b *Bot) handleFollowUp(ctx context.Context, cq telegram.CallbackQuery, token string) error {
	b.followMu.Lock()
	fu, ok := b.followUps[token]
	if ok {
		delete(b.followUps, token)
	}
	b.followMu.Unlock()

	if !ok || !b.cfg.Now().Before(fu.expires) {
		return b.api.AnswerCallbackQuery(ctx, cq.ID, "Action expired")
	}

	err := b.runAction(ctx, fu.action)
	notice, text := "Done", fmt.Sprintf("✅ %s completed.", html.EscapeString(describe(fu.action)))
	if err != nil {
		b.log.Error(err, "Follow-up action failed", "kind", fu.action.Kind, "target", fu.action.Target)
		notice = "Failed"
		text = fmt.Sprintf("❗ %s failed: %s", html.EscapeString(describe(fu.action)), html.EscapeString(err.Error()))
	}
	if aerr := b.api.AnswerCallbackQuery(ctx, cq.ID, notice); aerr != nil {
		b.log.Error(aerr, "Failed answering button press")
	}
	_, serr := b.api.SendMessage(ctx, cq.Message.Chat.ID, text, nil)
	return serr
}

func (b *Bot) runAction(ctx context.Context, a alerts.Action) error {
	switch a.Kind {
	case alerts.ActionRestartContainer:
		actx, span := telemetry.StartActionSpan(ctx, string(a.Kind), a.Target)
		_, err := remote.Output(actx, b.cfg.Exec, remote.Command("docker", "restart", a.Target))
		telemetry.EndActionSpan(span, err)
		metrics.RecordAction(string(a.Kind), err)
		return err
	}
	return fmt.Errorf("unsupported action %q", a.Kind)
}

func (b *Bot) pruneFollowUps(now time.Time) {
	b.followMu.Lock()
	defer b.followMu.Unlock()
	for tok, fu := range b.followUps {
		if !now.Before(fu.expires) {
			delete(b.followUps, tok)
		}
	}
}

func describe(a alerts.Action) string {
	switch a.Kind {
	case alerts.ActionRestartContainer:
		return "Restart of " + a.Target
	}
	return string(a.Kind) + " " + a.Target
}
