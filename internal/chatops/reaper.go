package chatops

import (
	"context"
	"time"

	"github.com/marcus-qen/hostwarden/internal/alerts"
)

// ReaperCheck runs Bot.Reap on the scheduler.
type ReaperCheck struct {
	Bot *Bot
}

func (ReaperCheck) Name() string { return "deletion-reaper" }

// Run implements scheduler.Check. It keeps no snapshot.
func (r ReaperCheck) Run(ctx context.Context, _ any, now time.Time) ([]alerts.Event, any, error) {
	return nil, nil, r.Bot.Reap(ctx, now)
}
