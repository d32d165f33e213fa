package chatops

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/marcus-qen/hostwarden/internal/deletion"
	"github.com/marcus-qen/hostwarden/internal/telegram"
)

const maxListedCooldowns = 10

func (b *Bot) processCommand(ctx context.Context, text string) (string, telegram.Keyboard) {
	cmd, _ := parseCommand(text)
	switch cmd {
	case "help", "start":
		return "<b>hostwarden commands</b>\n" +
			"/status: check health, active cooldowns and pending deletions\n" +
			"/disk: largest entries with delete buttons\n" +
			"/help: this message", nil
	case "status":
		return b.statusCommand(), nil
	case "disk":
		return b.diskCommand(ctx)
	default:
		return "Unknown command. Use /help.", nil
	}
}

func (b *Bot) statusCommand() string {
	now := b.cfg.Now()
	lines := []string{"<b>hostwarden status</b>"}

	if b.cfg.Status != nil {
		checks := b.cfg.Status.Status()
		if len(checks) == 0 {
			lines = append(lines, "No checks configured.")
		}
		for _, st := range checks {
			name := html.EscapeString(st.Name)
			switch {
			case st.Runs == 0:
				lines = append(lines, fmt.Sprintf("⏳ %s: not run yet", name))
			case st.ConsecutiveFailures > 0:
				lines = append(lines, fmt.Sprintf("❌ %s: %d failure(s), last error: %s",
					name, st.ConsecutiveFailures, html.EscapeString(st.LastError)))
			default:
				lines = append(lines, fmt.Sprintf("✅ %s: ok %s", name, humanize.RelTime(st.LastSuccess, now, "ago", "from now")))
			}
		}
	}

	if b.cfg.Cooldown != nil {
		active := b.cfg.Cooldown.Active(now, b.cfg.Policy)
		lines = append(lines, "", fmt.Sprintf("Cooling down: %d", len(active)))
		for i, k := range active {
			if i == maxListedCooldowns {
				lines = append(lines, fmt.Sprintf("… and %d more", len(active)-maxListedCooldowns))
				break
			}
			lines = append(lines, "• <code>"+html.EscapeString(string(k))+"</code>")
		}
	}

	if b.cfg.Workflow != nil {
		lines = append(lines, fmt.Sprintf("Pending deletions: %d", b.cfg.Workflow.Pending()))
	}
	return strings.Join(lines, "\n")
}

func (b *Bot) diskCommand(ctx context.Context) (string, telegram.Keyboard) {
	if b.cfg.Disk == nil {
		return "Disk monitoring is not configured.", nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	cands, err := b.cfg.Disk.Candidates(ctx)
	if err != nil {
		b.log.Error(err, "Listing deletion candidates failed")
		return "Listing candidates failed: " + html.EscapeString(err.Error()), nil
	}
	if len(cands) == 0 {
		return "No entries above the minimum size.", nil
	}

	lines := []string{"<b>Largest entries</b>"}
	var kb telegram.Keyboard
	for _, c := range cands {
		size := humanize.IBytes(uint64(c.Size))
		lines = append(lines, fmt.Sprintf("• <code>%s</code> %s", html.EscapeString(c.Path), size))
		if b.cfg.Workflow != nil {
			tok := b.cfg.Workflow.Offer(c.Path)
			kb = append(kb, []telegram.InlineButton{{
				Text:         fmt.Sprintf("🗑 %s (%s)", c.Name, size),
				CallbackData: deletion.ProposeData(tok),
			}})
		}
	}
	return strings.Join(lines, "\n"), kb
}
