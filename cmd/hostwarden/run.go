package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"go.uber.org/zap"

	"github.com/marcus-qen/hostwarden/internal/alerts"
	"github.com/marcus-qen/hostwarden/internal/chatops"
	"github.com/marcus-qen/hostwarden/internal/config"
	"github.com/marcus-qen/hostwarden/internal/deletion"
	"github.com/marcus-qen/hostwarden/internal/metrics"
	"github.com/marcus-qen/hostwarden/internal/notify"
	"github.com/marcus-qen/hostwarden/internal/remote"
	"github.com/marcus-qen/hostwarden/internal/scheduler"
	"github.com/marcus-qen/hostwarden/internal/telegram"
	"github.com/marcus-qen/hostwarden/internal/telemetry"
)

func cmdRun(ctx context.Context, args []string) error {
	cfg, _, err := loadConfig(args)
	if err != nil {
		return err
	}
	logger, log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	shutdownTracing, err := telemetry.InitTraceProvider(ctx, cfg.OTLPEndpoint, version)
	if err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
	} else {
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTracing(sctx)
		}()
	}

	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	exec, err := newExecutor(cfg.SSH, logger)
	if err != nil {
		return err
	}
	defer func() { _ = exec.Close() }()

	var tg *telegram.Client
	if cfg.Telegram.BotToken != "" {
		tg, err = telegram.NewClient(telegram.Config{
			Token:         cfg.Telegram.BotToken,
			BaseURL:       cfg.Telegram.APIBaseURL,
			RatePerSecond: cfg.Telegram.RatePerSecond,
		})
		if err != nil {
			return err
		}
	}

	router, err := buildRouter(cfg, tg, log)
	if err != nil {
		return err
	}

	checks, err := buildChecks(ctx, cfg, exec, logger)
	if err != nil {
		return err
	}
	defer func() { _ = checks.Close() }()

	sched := scheduler.New(router, logger.Named("scheduler"), log, scheduler.Config{})
	for _, job := range checks.jobs {
		if err := sched.Add(job); err != nil {
			return err
		}
	}

	var bot *chatops.Bot
	if tg != nil {
		bot, err = buildBot(cfg, tg, exec, router, sched, checks, logger, log)
		if err != nil {
			return err
		}
		router.SetBinder(bot)
		if cfg.Deletion.Enabled() {
			if err := sched.Add(scheduler.Job{Check: chatops.ReaperCheck{Bot: bot}, Interval: cfg.Deletion.ReapInterval}); err != nil {
				return err
			}
		}
	}

	sched.Start(ctx)
	if bot != nil {
		go func() {
			if err := bot.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("telegram bot stopped", zap.Error(err))
			}
		}()
	}
	router.Notice(ctx, cfg.DefaultTopic, "hostwarden started",
		fmt.Sprintf("Watching %s with %d check(s).", cfg.SSH.Host, len(checks.jobs)))
	logger.Info("hostwarden running", zap.String("host", cfg.SSH.Host), zap.String("version", version))

	<-ctx.Done()
	logger.Info("shutting down")
	sched.Stop()

	nctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	router.Notice(nctx, cfg.DefaultTopic, "hostwarden stopped", "Monitoring is paused until the service restarts.")
	return nil
}

// buildRouter creates one channel per configured sink and groups them by topic.
func buildRouter(cfg config.Config, tg *telegram.Client, log logr.Logger) (*notify.Router, error) {
	topics := make(map[string][]notify.Channel, len(cfg.Topics))
	for name, t := range cfg.Topics {
		var chans []notify.Channel
		if t.Telegram != nil {
			if tg == nil {
				return nil, fmt.Errorf("topic %s: telegram sink without a bot token", name)
			}
			chans = append(chans, notify.NewTelegramChannel(tg, t.Telegram.ChatID))
		}
		if t.Slack != nil {
			chans = append(chans, notify.NewSlackChannel(t.Slack.WebhookURL))
		}
		if t.Webhook != nil {
			chans = append(chans, notify.NewWebhookChannel(t.Webhook.URL, t.Webhook.Headers))
		}
		topics[name] = chans
	}
	return notify.NewRouter(notify.RouterConfig{
		Topics:       topics,
		DefaultTopic: cfg.DefaultTopic,
		Cooldown:     alerts.NewEngine(),
		Policy:       cfg.Cooldowns.Policy(),
	}, log), nil
}

func buildBot(cfg config.Config, api chatops.BotAPI, exec remote.Executor, router *notify.Router,
	sched *scheduler.Scheduler, checks *checkSet, logger *zap.Logger, log logr.Logger) (*chatops.Bot, error) {
	bc := chatops.Config{
		AllowedChats:    cfg.Telegram.AllowedChats,
		PollInterval:    cfg.Telegram.PollInterval,
		LongPollTimeout: cfg.Telegram.LongPollTimeout,
		Exec:            exec,
		Status:          sched,
		Cooldown:        router.Cooldown(),
		Policy:          router.Policy(),
		Events:          sched,
	}
	if checks.disk != nil {
		bc.Disk = checks.disk
	}
	if cfg.Deletion.Enabled() {
		policy, err := deletion.NewPolicy(cfg.Deletion.AllowedRoots)
		if err != nil {
			return nil, err
		}
		bc.Workflow = deletion.New(deletion.Config{
			Policy:     policy,
			Ops:        deletion.RemoteOps{Exec: exec},
			SessionTTL: cfg.Deletion.SessionTTL,
			OfferTTL:   cfg.Deletion.OfferTTL,
			Topic:      cfg.Deletion.Topic,
			Logger:     logger.Named("deletion"),
		})
	}
	return chatops.NewBot(api, bc, log)
}
