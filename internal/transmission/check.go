package transmission

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/hostwarden/internal/alerts"
	"github.com/marcus-qen/hostwarden/internal/metrics"
	"github.com/marcus-qen/hostwarden/internal/telemetry"
)

// RPC is the subset of Client the check uses.
type RPC interface {
	List(ctx context.Context) ([]Transfer, error)
	Stop(ctx context.Context, id int64) error
	Remove(ctx context.Context, id int64, deleteData bool) error
}

// RecordStore persists watcher records.
type RecordStore interface {
	Load(ctx context.Context) ([]Record, error)
	Save(ctx context.Context, records []Record) error
}

// Check runs the watcher against the live transfer list and carries out the
// resulting actions. It satisfies the scheduler's check contract.
type Check struct {
	name    string
	topic   string
	rpc     RPC
	watcher *Watcher
	store   RecordStore
	logger  *zap.Logger
}

// NewCheck builds a check. store may be nil. Persisted records are restored
// into the watcher before returning.
func NewCheck(ctx context.Context, name, topic string, rpc RPC, watcher *Watcher, store RecordStore, logger *zap.Logger) (*Check, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Check{name: name, topic: topic, rpc: rpc, watcher: watcher, store: store, logger: logger}
	if store != nil {
		records, err := store.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("restore transfer records: %w", err)
		}
		watcher.Restore(records)
		logger.Info("restored transfer records", zap.Int("count", len(records)))
	}
	return c, nil
}

// Name returns the check name.
func (c *Check) Name() string { return c.name }

// Run lists transfers, ticks the watcher and applies its actions. Action
// failures become events; the watcher's records stay finalized so a failing
// action is not retried every tick.
func (c *Check) Run(ctx context.Context, prev any, now time.Time) ([]alerts.Event, any, error) {
	transfers, err := c.rpc.List(ctx)
	if err != nil {
		return nil, prev, fmt.Errorf("list transfers: %w", err)
	}

	res := c.watcher.Tick(now, transfers)
	events := res.Events

	for _, t := range res.Stop {
		if err := c.act(ctx, "torrent-stop", t, func(ctx context.Context) error { return c.rpc.Stop(ctx, t.ID) }); err != nil {
			events = append(events, actionFailed(t, "stop", err, now))
		}
	}
	for _, t := range res.Remove {
		if err := c.act(ctx, "torrent-remove", t, func(ctx context.Context) error { return c.rpc.Remove(ctx, t.ID, false) }); err != nil {
			events = append(events, actionFailed(t, "remove", err, now))
		}
	}

	if c.store != nil {
		if err := c.store.Save(ctx, c.watcher.Records()); err != nil {
			c.logger.Warn("persisting transfer records failed", zap.Error(err))
		}
	}
	return alerts.WithTopic(events, c.topic), nil, nil
}

// Observe returns the raw transfer list.
func (c *Check) Observe(ctx context.Context) (any, error) {
	return c.rpc.List(ctx)
}

func (c *Check) act(ctx context.Context, action string, t Transfer, fn func(context.Context) error) error {
	ctx, span := telemetry.StartActionSpan(ctx, action, strconv.FormatInt(t.ID, 10))
	err := fn(ctx)
	telemetry.EndActionSpan(span, err)
	metrics.RecordAction(action, err)
	if err != nil {
		c.logger.Warn("transfer action failed",
			zap.String("action", action),
			zap.Int64("id", t.ID),
			zap.String("name", t.Name),
			zap.Error(err))
		return err
	}
	c.logger.Info("transfer action applied",
		zap.String("action", action),
		zap.Int64("id", t.ID),
		zap.String("name", t.Name))
	return nil
}

func actionFailed(t Transfer, what string, err error, now time.Time) alerts.Event {
	return alerts.New(torrentKey(t.ID, "action-failed"), alerts.SeverityWarning,
		"Transfer action failed",
		fmt.Sprintf("Could not %s %s: %v", what, t.Name, err), now)
}
