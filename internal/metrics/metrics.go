/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package metrics defines Prometheus metrics for hostwarden.
//
// All metrics are registered with Registry, which Handler serves.
//
// Metric naming follows Prometheus conventions:
//   - hostwarden_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every hostwarden collector plus the Go runtime collectors.
var Registry = prometheus.NewRegistry()

var (
	// CheckRunsTotal counts scheduled check runs by check and result.
	CheckRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hostwarden_check_runs_total",
			Help: "Total scheduled check runs by check and result.",
		},
		[]string{"check", "result"},
	)

	// CheckDurationSeconds is a histogram of check run duration.
	CheckDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hostwarden_check_duration_seconds",
			Help:    "Duration of scheduled check runs in seconds.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"check"},
	)

	// CheckLastSuccess is the unix time of each check's last successful run.
	CheckLastSuccess = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hostwarden_check_last_success_timestamp_seconds",
			Help: "Unix time of the last successful run of each check.",
		},
		[]string{"check"},
	)

	// EventsTotal counts alert events by topic and routing outcome
	// (sent, suppressed, failed).
	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hostwarden_events_total",
			Help: "Alert events by topic and routing outcome.",
		},
		[]string{"topic", "outcome"},
	)

	// ActionsTotal counts side-effecting actions by kind and result.
	ActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hostwarden_actions_total",
			Help: "Actions taken on the host or transfer client by kind and result.",
		},
		[]string{"action", "result"},
	)

	// DeletionTransitionsTotal counts deletion sessions entering each state.
	DeletionTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hostwarden_deletion_transitions_total",
			Help: "Deletion sessions entering each state.",
		},
		[]string{"state"},
	)

	// ChatUpdatesTotal counts inbound chat updates by kind.
	ChatUpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hostwarden_chat_updates_total",
			Help: "Inbound chat updates by kind.",
		},
		[]string{"kind"},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		CheckRunsTotal,
		CheckDurationSeconds,
		CheckLastSuccess,
		EventsTotal,
		ActionsTotal,
		DeletionTransitionsTotal,
		ChatUpdatesTotal,
	)
}

// Handler serves Registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

// RecordCheckRun records one check run.
func RecordCheckRun(check string, duration time.Duration, err error) {
	CheckDurationSeconds.WithLabelValues(check).Observe(duration.Seconds())
	if err != nil {
		CheckRunsTotal.WithLabelValues(check, "failure").Inc()
		return
	}
	CheckRunsTotal.WithLabelValues(check, "success").Inc()
	CheckLastSuccess.WithLabelValues(check).SetToCurrentTime()
}

// RecordEvent records the routing outcome of one event.
func RecordEvent(topic, outcome string) {
	EventsTotal.WithLabelValues(topic, outcome).Inc()
}

// RecordAction records a side-effecting action.
func RecordAction(action string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	ActionsTotal.WithLabelValues(action, result).Inc()
}

// RecordDeletionTransition records a deletion session entering state.
func RecordDeletionTransition(state string) {
	DeletionTransitionsTotal.WithLabelValues(state).Inc()
}

// RecordChatUpdate records one inbound chat update.
func RecordChatUpdate(kind string) {
	ChatUpdatesTotal.WithLabelValues(kind).Inc()
}
