/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package notify delivers alert events to external channels. Events are
// routed by topic; each topic fans out to Telegram, Slack or generic
// webhooks.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/marcus-qen/hostwarden/internal/alerts"
	"github.com/marcus-qen/hostwarden/internal/telegram"
)

// Channel is the interface for all notification backends.
type Channel interface {
	// Send delivers a notification. Returns an error if delivery fails.
	Send(ctx context.Context, msg Message) error

	// Type returns the channel type name.
	Type() string
}

// Button is an interactive follow-up rendered by channels that support it.
type Button struct {
	Label string
	Data  string
}

// Message is a notification to be delivered.
type Message struct {
	Topic     string
	Key       alerts.Key
	Severity  alerts.Severity
	Title     string
	Body      string
	Buttons   [][]Button
	Timestamp time.Time
}

// --- Telegram ---

// TelegramSender is the part of the Bot API client the channel needs.
type TelegramSender interface {
	SendMessage(ctx context.Context, chatID int64, text string, kb telegram.Keyboard) (telegram.Message, error)
}

// TelegramChannel sends notifications to one chat, with inline buttons.
type TelegramChannel struct {
	ChatID int64
	client TelegramSender
}

// NewTelegramChannel creates a Telegram notification channel.
func NewTelegramChannel(client TelegramSender, chatID int64) *TelegramChannel {
	return &TelegramChannel{ChatID: chatID, client: client}
}

func (t *TelegramChannel) Type() string { return "telegram" }

func (t *TelegramChannel) Send(ctx context.Context, msg Message) error {
	text := fmt.Sprintf("%s <b>%s</b>\n%s",
		severityEmoji(msg.Severity),
		html.EscapeString(msg.Title),
		html.EscapeString(msg.Body),
	)

	var kb telegram.Keyboard
	for _, row := range msg.Buttons {
		var r []telegram.InlineButton
		for _, b := range row {
			r = append(r, telegram.InlineButton{Text: b.Label, CallbackData: b.Data})
		}
		if len(r) > 0 {
			kb = append(kb, r)
		}
	}

	if _, err := t.client.SendMessage(ctx, t.ChatID, text, kb); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// --- Slack ---

// SlackChannel sends notifications to Slack via webhook. Buttons are
// listed as text since incoming webhooks cannot call back.
type SlackChannel struct {
	WebhookURL string
	client     *http.Client
}

// NewSlackChannel creates a Slack notification channel.
func NewSlackChannel(webhookURL string) *SlackChannel {
	return &SlackChannel{
		WebhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *SlackChannel) Type() string { return "slack" }

func (s *SlackChannel) Send(ctx context.Context, msg Message) error {
	text := fmt.Sprintf("%s *[%s] %s*\n%s", severityEmoji(msg.Severity), strings.ToUpper(string(msg.Severity)), msg.Title, msg.Body)
	if labels := buttonLabels(msg.Buttons); len(labels) > 0 {
		text += "\nActions (use Telegram): " + strings.Join(labels, ", ")
	}

	return postJSON(ctx, s.client, "slack", s.WebhookURL, nil, map[string]any{"text": text})
}

// --- Webhook ---

// WebhookChannel sends JSON notifications to any HTTP endpoint.
type WebhookChannel struct {
	URL     string
	Headers map[string]string // optional auth headers
	client  *http.Client
}

// NewWebhookChannel creates a generic webhook notification channel.
func NewWebhookChannel(url string, headers map[string]string) *WebhookChannel {
	return &WebhookChannel{
		URL:     url,
		Headers: headers,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookChannel) Type() string { return "webhook" }

func (w *WebhookChannel) Send(ctx context.Context, msg Message) error {
	payload := map[string]any{
		"topic":     msg.Topic,
		"key":       string(msg.Key),
		"severity":  string(msg.Severity),
		"title":     msg.Title,
		"body":      msg.Body,
		"timestamp": msg.Timestamp.Format(time.RFC3339),
	}
	if labels := buttonLabels(msg.Buttons); len(labels) > 0 {
		payload["actions"] = labels
	}
	return postJSON(ctx, w.client, "webhook", w.URL, w.Headers, payload)
}

func postJSON(ctx context.Context, client *http.Client, kind, url string, headers map[string]string, payload any) error {
	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s request: %w", kind, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s send: %w", kind, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s returned %d: %s", kind, resp.StatusCode, string(respBody))
	}
	return nil
}

// --- Helpers ---

func buttonLabels(rows [][]Button) []string {
	var labels []string
	for _, row := range rows {
		for _, b := range row {
			labels = append(labels, b.Label)
		}
	}
	return labels
}

func severityEmoji(severity alerts.Severity) string {
	switch severity {
	case alerts.SeverityCritical:
		return "🔴"
	case alerts.SeverityWarning:
		return "🟡"
	case alerts.SeverityInfo:
		return "🔵"
	default:
		return "⚪"
	}
}
