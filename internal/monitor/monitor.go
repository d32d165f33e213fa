// Package monitor reduces raw observations of the remote host into alert
// events. Each monitor is a pure state machine over a previous snapshot and a
// fresh observation; probing is a separate step so the machines can be tested
// without a host.
//
// The first evaluation (no previous snapshot) records a baseline and emits
// nothing, so a restart never replays conditions that already existed.
package monitor

import (
	"context"
	"time"

	"github.com/marcus-qen/hostwarden/internal/alerts"
)

// Monitor turns an observation into events and the next snapshot.
// A nil prev means no baseline exists yet.
type Monitor[O, S any] interface {
	Evaluate(prev *S, obs O, now time.Time) ([]alerts.Event, S)
}

// Prober gathers one observation from the host.
type Prober[O any] interface {
	Probe(ctx context.Context) (O, error)
}

// ProberFunc adapts a function to Prober.
type ProberFunc[O any] func(ctx context.Context) (O, error)

// Probe implements Prober.
func (f ProberFunc[O]) Probe(ctx context.Context) (O, error) { return f(ctx) }

// Binding pairs a prober with its monitor under a name and topic. It is the
// unit the scheduler runs; the scheduler owns the snapshot between runs.
type Binding[O, S any] struct {
	name    string
	topic   string
	prober  Prober[O]
	monitor Monitor[O, S]
}

// Bind creates a Binding.
func Bind[O, S any](name, topic string, p Prober[O], m Monitor[O, S]) *Binding[O, S] {
	return &Binding[O, S]{name: name, topic: topic, prober: p, monitor: m}
}

// Name returns the binding's name.
func (b *Binding[O, S]) Name() string { return b.name }

// Run probes and evaluates. On probe failure it returns prev unchanged
// together with the error.
func (b *Binding[O, S]) Run(ctx context.Context, prev any, now time.Time) ([]alerts.Event, any, error) {
	obs, err := b.prober.Probe(ctx)
	if err != nil {
		return nil, prev, err
	}
	var p *S
	if s, ok := prev.(S); ok {
		p = &s
	}
	events, next := b.monitor.Evaluate(p, obs, now)
	return alerts.WithTopic(events, b.topic), next, nil
}

// Observe runs only the probe. Used for one-shot inspection.
func (b *Binding[O, S]) Observe(ctx context.Context) (any, error) {
	return b.prober.Probe(ctx)
}
