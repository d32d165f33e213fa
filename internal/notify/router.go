/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/marcus-qen/hostwarden/internal/alerts"
	"github.com/marcus-qen/hostwarden/internal/metrics"
	"github.com/marcus-qen/hostwarden/internal/telemetry"
)

// Routing outcomes recorded in metrics.
const (
	OutcomeSent       = "sent"
	OutcomeSuppressed = "suppressed"
	OutcomeFailed     = "failed"
	OutcomeUnrouted   = "unrouted"
)

// ActionBinder turns an event action into a button. ok is false when the
// action cannot be offered, e.g. its kind is not enabled.
type ActionBinder interface {
	Bind(ev alerts.Event, a alerts.Action) (Button, bool)
}

// RouterConfig configures a Router.
type RouterConfig struct {
	// Topics maps topic names to their channels.
	Topics       map[string][]Channel
	DefaultTopic string
	Cooldown     *alerts.Engine
	Policy       alerts.Policy
	Binder       ActionBinder
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Router dispatches events to the channels of their topic, applying the
// cooldown per event key.
type Router struct {
	topics       map[string][]Channel
	defaultTopic string
	engine       *alerts.Engine
	policy       alerts.Policy
	binder       ActionBinder
	now          func() time.Time
	log          logr.Logger
}

// NewRouter creates a notification router.
func NewRouter(cfg RouterConfig, log logr.Logger) *Router {
	if cfg.Cooldown == nil {
		cfg.Cooldown = alerts.NewEngine()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Router{
		topics:       cfg.Topics,
		defaultTopic: cfg.DefaultTopic,
		engine:       cfg.Cooldown,
		policy:       cfg.Policy,
		binder:       cfg.Binder,
		now:          cfg.Now,
		log:          log.WithName("notify"),
	}
}

// SetBinder installs the action binder. It must be called before the first
// Dispatch.
func (r *Router) SetBinder(b ActionBinder) { r.binder = b }

// Cooldown returns the engine used for suppression.
func (r *Router) Cooldown() *alerts.Engine { return r.engine }

// Policy returns the cooldown policy.
func (r *Router) Policy() alerts.Policy { return r.policy }

// Dispatch sends each event that passes its cooldown to every channel of its
// topic. Delivery errors are logged, counted and returned.
func (r *Router) Dispatch(ctx context.Context, events []alerts.Event) []error {
	if len(events) == 0 {
		return nil
	}
	ctx, span := telemetry.StartDispatchSpan(ctx, len(events))
	defer span.End()

	var errs []error
	for _, ev := range events {
		topic, channels := r.resolve(ev.Topic)
		if len(channels) == 0 {
			r.log.Info("no channels for event", "key", ev.Key, "topic", topic)
			metrics.RecordEvent(topic, OutcomeUnrouted)
			continue
		}

		// Judge the cooldown at observation time, not after queueing.
		at := ev.Timestamp
		if at.IsZero() {
			at = r.now()
		}
		if !r.engine.ShouldEmit(ev.Key, at, r.policy.Window(ev.Key)) {
			r.log.V(1).Info("event suppressed by cooldown", "key", ev.Key)
			metrics.RecordEvent(topic, OutcomeSuppressed)
			continue
		}

		msg := r.message(topic, ev)
		errs = append(errs, r.send(ctx, topic, channels, msg)...)
	}
	return errs
}

// Notice sends a plain message to a topic, bypassing the cooldown. Used for
// startup and shutdown announcements.
func (r *Router) Notice(ctx context.Context, topic, title, body string) []error {
	topic, channels := r.resolve(topic)
	msg := Message{
		Topic:     topic,
		Key:       alerts.Key("notice"),
		Severity:  alerts.SeverityInfo,
		Title:     title,
		Body:      body,
		Timestamp: r.now(),
	}
	return r.send(ctx, topic, channels, msg)
}

func (r *Router) send(ctx context.Context, topic string, channels []Channel, msg Message) []error {
	var errs []error
	for _, ch := range channels {
		if err := ch.Send(ctx, msg); err != nil {
			r.log.Error(err, "notification failed", "type", ch.Type(), "topic", topic, "key", msg.Key)
			metrics.RecordEvent(topic, OutcomeFailed)
			errs = append(errs, fmt.Errorf("%s/%s: %w", topic, ch.Type(), err))
			continue
		}
		r.log.Info("notification sent", "type", ch.Type(), "topic", topic, "key", msg.Key, "severity", msg.Severity)
		metrics.RecordEvent(topic, OutcomeSent)
	}
	return errs
}

func (r *Router) resolve(topic string) (string, []Channel) {
	if topic == "" {
		topic = r.defaultTopic
	}
	if chans := r.topics[topic]; len(chans) > 0 {
		return topic, chans
	}
	if topic != r.defaultTopic {
		r.log.V(1).Info("unknown topic, using default", "topic", topic, "default", r.defaultTopic)
		return r.defaultTopic, r.topics[r.defaultTopic]
	}
	return topic, nil
}

func (r *Router) message(topic string, ev alerts.Event) Message {
	msg := Message{
		Topic:     topic,
		Key:       ev.Key,
		Severity:  ev.Severity,
		Title:     ev.Title,
		Body:      ev.Message,
		Timestamp: ev.Timestamp,
	}
	if r.binder == nil {
		return msg
	}
	for _, a := range ev.Actions {
		if b, ok := r.binder.Bind(ev, a); ok {
			msg.Buttons = append(msg.Buttons, []Button{b})
		}
	}
	return msg
}
