// Package config loads hostwarden configuration.
// Sources in priority order: HOSTWARDEN_* env vars > YAML file > defaults.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/marcus-qen/hostwarden/internal/alerts"
)

// Config holds all hostwarden configuration.
type Config struct {
	LogLevel     string `yaml:"log_level"`
	DataDir      string `yaml:"data_dir"`
	MetricsAddr  string `yaml:"metrics_addr"`
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty"`

	SSH      SSHConfig      `yaml:"ssh"`
	Telegram TelegramConfig `yaml:"telegram"`

	DefaultTopic string                 `yaml:"default_topic"`
	Topics       map[string]TopicConfig `yaml:"topics"`
	Cooldowns    CooldownConfig         `yaml:"cooldowns"`

	Monitors      MonitorsConfig      `yaml:"monitors"`
	Transmission  TransmissionConfig  `yaml:"transmission"`
	HomeAssistant HomeAssistantConfig `yaml:"home_assistant"`
	Deletion      DeletionConfig      `yaml:"deletion"`
}

// SSHConfig describes the monitored host.
type SSHConfig struct {
	Host                  string        `yaml:"host"`
	Port                  int           `yaml:"port"`
	User                  string        `yaml:"user"`
	KeyPath               string        `yaml:"key_path,omitempty"`
	KnownHosts            string        `yaml:"known_hosts,omitempty"`
	InsecureIgnoreHostKey bool          `yaml:"insecure_ignore_host_key,omitempty"`
	UseAgent              bool          `yaml:"use_agent,omitempty"`
	DialTimeout           time.Duration `yaml:"dial_timeout"`
	CommandTimeout        time.Duration `yaml:"command_timeout"`
}

// TelegramConfig configures the bot used for delivery and button presses.
type TelegramConfig struct {
	BotToken        string        `yaml:"bot_token,omitempty"`
	APIBaseURL      string        `yaml:"api_base_url,omitempty"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	LongPollTimeout time.Duration `yaml:"long_poll_timeout"`
	AllowedChats    []int64       `yaml:"allowed_chats"`
	RatePerSecond   float64       `yaml:"rate_per_second"`
}

// TopicConfig lists the sinks of one topic.
type TopicConfig struct {
	Telegram *TelegramSink `yaml:"telegram,omitempty"`
	Slack    *SlackSink    `yaml:"slack,omitempty"`
	Webhook  *WebhookSink  `yaml:"webhook,omitempty"`
}

// TelegramSink posts to one chat.
type TelegramSink struct {
	ChatID int64 `yaml:"chat_id"`
}

// SlackSink posts to an incoming webhook.
type SlackSink struct {
	WebhookURL string `yaml:"webhook_url"`
}

// WebhookSink posts JSON to any endpoint.
type WebhookSink struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers,omitempty"`
}

// CooldownConfig sets suppression windows per alert class.
type CooldownConfig struct {
	Default time.Duration            `yaml:"default"`
	Classes map[string]time.Duration `yaml:"classes,omitempty"`
}

// Policy converts the config to an alerts.Policy.
func (c CooldownConfig) Policy() alerts.Policy {
	return alerts.Policy{Default: c.Default, PerClass: c.Classes}
}

// Schedule is shared by every check.
type Schedule struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	// Cron is a five-field cron expression; it wins over Interval.
	Cron  string `yaml:"schedule,omitempty"`
	Topic string `yaml:"topic,omitempty"`
}

// MonitorsConfig holds every monitor section.
type MonitorsConfig struct {
	Disk       DiskConfig       `yaml:"disk"`
	Containers ContainerConfig  `yaml:"containers"`
	VMs        VMConfig         `yaml:"vms"`
	Mounts     MountConfig      `yaml:"mounts"`
	System     SystemConfig     `yaml:"system"`
	Issues     IssuesConfig     `yaml:"issues"`
	Watchtower WatchtowerConfig `yaml:"watchtower"`
}

// DiskConfig configures the disk monitor.
type DiskConfig struct {
	Schedule         `yaml:",inline"`
	Path             string   `yaml:"path"`
	Threshold        float64  `yaml:"threshold"`
	CriticalAt       float64  `yaml:"critical_at"`
	Roots            []string `yaml:"roots,omitempty"`
	MinCandidateSize int64    `yaml:"min_candidate_size"`
	Exclude          []string `yaml:"exclude,omitempty"`
	MaxCandidates    int      `yaml:"max_candidates"`
}

// ContainerConfig configures the container monitor.
type ContainerConfig struct {
	Schedule `yaml:",inline"`
	Ignore   []string `yaml:"ignore,omitempty"`
}

// VMConfig configures the VM and USB monitor.
type VMConfig struct {
	Schedule `yaml:",inline"`
	Names    []string `yaml:"names,omitempty"`
}

// MountConfig configures the mount monitor.
type MountConfig struct {
	Schedule `yaml:",inline"`
	Paths    []string `yaml:"paths,omitempty"`
}

// SystemConfig configures resource thresholds. Zero disables a resource.
type SystemConfig struct {
	Schedule    `yaml:",inline"`
	RAMPercent  float64 `yaml:"ram_percent"`
	SwapPercent float64 `yaml:"swap_percent"`
	Load5       float64 `yaml:"load5"`
	TempCelsius float64 `yaml:"temp_celsius"`
}

// IssuesConfig configures the issue tracker monitor.
type IssuesConfig struct {
	Schedule         `yaml:",inline"`
	Token            string         `yaml:"token,omitempty"`
	BaseURL          string         `yaml:"base_url,omitempty"`
	CommentThreshold int            `yaml:"comment_threshold"`
	Tracked          []TrackedIssue `yaml:"tracked,omitempty"`
}

// WatchtowerConfig configures the container auto-update monitor.
type WatchtowerConfig struct {
	Schedule  `yaml:",inline"`
	Container string        `yaml:"container"`
	Since     time.Duration `yaml:"since"`
}

// TrackedIssue is one watched issue and its follow-up action.
type TrackedIssue struct {
	Repo   string         `yaml:"repo"`
	Number int            `yaml:"number"`
	Name   string         `yaml:"name,omitempty"`
	Action *alerts.Action `yaml:"action,omitempty"`
}

// TransmissionConfig configures the torrent watcher.
type TransmissionConfig struct {
	Schedule         `yaml:",inline"`
	URL              string `yaml:"url"`
	Username         string `yaml:"username,omitempty"`
	Password         string `yaml:"password,omitempty"`
	HoursUntilRemove int    `yaml:"hours_until_remove"`
}

// HomeAssistantConfig configures integration repair.
type HomeAssistantConfig struct {
	Schedule       `yaml:",inline"`
	URL            string        `yaml:"url"`
	Token          string        `yaml:"token,omitempty"`
	VM             string        `yaml:"vm"`
	Integrations   []string      `yaml:"integrations"`
	RebootCooldown time.Duration `yaml:"reboot_cooldown"`
	SettleDelay    time.Duration `yaml:"settle_delay"`
}

// DeletionConfig configures operator-confirmed deletion. It is enabled when
// AllowedRoots is non-empty.
type DeletionConfig struct {
	AllowedRoots []string      `yaml:"allowed_roots,omitempty"`
	SessionTTL   time.Duration `yaml:"session_ttl"`
	OfferTTL     time.Duration `yaml:"offer_ttl"`
	Topic        string        `yaml:"topic,omitempty"`
	ReapInterval time.Duration `yaml:"reap_interval"`
}

// Enabled reports whether deletion is configured.
func (d DeletionConfig) Enabled() bool { return len(d.AllowedRoots) > 0 }

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		LogLevel:    "info",
		DataDir:     defaultDataDir(),
		MetricsAddr: ":9109",
		SSH: SSHConfig{
			Port:           22,
			DialTimeout:    10 * time.Second,
			CommandTimeout: 30 * time.Second,
		},
		Telegram: TelegramConfig{
			PollInterval:    2 * time.Second,
			LongPollTimeout: 25 * time.Second,
			RatePerSecond:   1,
		},
		DefaultTopic: "alerts",
		Cooldowns: CooldownConfig{
			Default: time.Hour,
			Classes: map[string]time.Duration{
				"container": 15 * time.Minute,
				"deletion":  0,
			},
		},
		Monitors: MonitorsConfig{
			Disk: DiskConfig{
				Schedule:         Schedule{Interval: 5 * time.Minute},
				Path:             "/",
				Threshold:        80,
				CriticalAt:       95,
				MinCandidateSize: 500 << 20,
				MaxCandidates:    10,
			},
			Containers: ContainerConfig{Schedule: Schedule{Interval: time.Minute}},
			VMs:        VMConfig{Schedule: Schedule{Interval: time.Minute}},
			Mounts:     MountConfig{Schedule: Schedule{Interval: 2 * time.Minute}},
			System: SystemConfig{
				Schedule:    Schedule{Interval: time.Minute},
				RAMPercent:  90,
				SwapPercent: 80,
				Load5:       4,
				TempCelsius: 80,
			},
			Issues: IssuesConfig{
				Schedule:         Schedule{Interval: 15 * time.Minute},
				CommentThreshold: 5,
			},
			Watchtower: WatchtowerConfig{
				Schedule:  Schedule{Interval: 30 * time.Minute},
				Container: "watchtower",
				Since:     6 * time.Hour,
			},
		},
		Transmission: TransmissionConfig{
			Schedule:         Schedule{Interval: 5 * time.Minute},
			HoursUntilRemove: 24,
		},
		HomeAssistant: HomeAssistantConfig{
			Schedule:       Schedule{Interval: 5 * time.Minute},
			VM:             "ha",
			Integrations:   []string{"zwave_js"},
			RebootCooldown: time.Hour,
			SettleDelay:    10 * time.Second,
		},
		Deletion: DeletionConfig{
			SessionTTL:   10 * time.Minute,
			OfferTTL:     24 * time.Hour,
			ReapInterval: 30 * time.Second,
		},
	}
}

// DefaultPath returns ~/.config/hostwarden/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".config", "hostwarden", "config.yaml")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/var/lib/hostwarden"
	}
	return filepath.Join(home, ".local", "share", "hostwarden")
}

// Load reads configuration from a file, then overlays environment variables.
// It does not validate.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	str := map[string]*string{
		"HOSTWARDEN_LOG_LEVEL":             &cfg.LogLevel,
		"HOSTWARDEN_DATA_DIR":              &cfg.DataDir,
		"HOSTWARDEN_METRICS_ADDR":          &cfg.MetricsAddr,
		"HOSTWARDEN_OTLP_ENDPOINT":         &cfg.OTLPEndpoint,
		"HOSTWARDEN_SSH_HOST":              &cfg.SSH.Host,
		"HOSTWARDEN_SSH_USER":              &cfg.SSH.User,
		"HOSTWARDEN_SSH_KEY_PATH":          &cfg.SSH.KeyPath,
		"HOSTWARDEN_SSH_KNOWN_HOSTS":       &cfg.SSH.KnownHosts,
		"HOSTWARDEN_TELEGRAM_BOT_TOKEN":    &cfg.Telegram.BotToken,
		"HOSTWARDEN_GITHUB_TOKEN":          &cfg.Monitors.Issues.Token,
		"HOSTWARDEN_TRANSMISSION_URL":      &cfg.Transmission.URL,
		"HOSTWARDEN_TRANSMISSION_USERNAME": &cfg.Transmission.Username,
		"HOSTWARDEN_TRANSMISSION_PASSWORD": &cfg.Transmission.Password,
		"HOSTWARDEN_HA_URL":                &cfg.HomeAssistant.URL,
		"HOSTWARDEN_HA_TOKEN":              &cfg.HomeAssistant.Token,
	}
	for key, dst := range str {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("HOSTWARDEN_SSH_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("HOSTWARDEN_SSH_PORT: %w", err)
		}
		cfg.SSH.Port = port
	}
	if v := os.Getenv("HOSTWARDEN_TELEGRAM_ALLOWED_CHATS"); v != "" {
		var chats []int64
		for _, part := range strings.Split(v, ",") {
			id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
			if err != nil {
				return fmt.Errorf("HOSTWARDEN_TELEGRAM_ALLOWED_CHATS: %w", err)
			}
			chats = append(chats, id)
		}
		cfg.Telegram.AllowedChats = chats
	}
	return nil
}

// Validate reports every configuration problem at once.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		add("log_level %q must be one of debug, info, warn, error", c.LogLevel)
	}

	if c.SSH.Host == "" {
		add("ssh.host is required")
	}
	if c.SSH.User == "" {
		add("ssh.user is required")
	}
	if c.SSH.Port <= 0 || c.SSH.Port > 65535 {
		add("ssh.port %d is out of range", c.SSH.Port)
	}
	if c.SSH.KeyPath == "" && !c.SSH.UseAgent {
		add("ssh.key_path or ssh.use_agent is required")
	}
	if c.SSH.KnownHosts == "" && !c.SSH.InsecureIgnoreHostKey {
		add("ssh.known_hosts is required unless ssh.insecure_ignore_host_key is set")
	}

	if c.Telegram.BotToken != "" && len(c.Telegram.AllowedChats) == 0 {
		add("telegram.allowed_chats is required when telegram.bot_token is set")
	}
	if c.Telegram.APIBaseURL != "" {
		if _, err := url.ParseRequestURI(c.Telegram.APIBaseURL); err != nil {
			add("telegram.api_base_url: %v", err)
		}
	}

	errs = append(errs, c.validateTopics()...)
	errs = append(errs, c.validateMonitors()...)

	if c.Cooldowns.Default < 0 {
		add("cooldowns.default must not be negative")
	}
	for class, w := range c.Cooldowns.Classes {
		if w < 0 {
			add("cooldowns.classes.%s must not be negative", class)
		}
	}

	if c.Deletion.Enabled() {
		if c.Telegram.BotToken == "" {
			add("deletion requires telegram.bot_token for confirmations")
		}
		for _, root := range c.Deletion.AllowedRoots {
			if !path.IsAbs(root) {
				add("deletion.allowed_roots: %q is not absolute", root)
			} else if path.Clean(root) == "/" {
				add("deletion.allowed_roots: / is not allowed")
			}
		}
		if c.Deletion.SessionTTL <= 0 {
			add("deletion.session_ttl must be positive")
		}
		if c.Deletion.ReapInterval <= 0 {
			add("deletion.reap_interval must be positive")
		}
		c.checkTopic(&errs, "deletion.topic", c.Deletion.Topic)
	}

	return errors.Join(errs...)
}

func (c Config) validateTopics() []error {
	var errs []error
	if len(c.Topics) == 0 {
		return []error{errors.New("at least one topic is required")}
	}
	if _, ok := c.Topics[c.DefaultTopic]; !ok {
		errs = append(errs, fmt.Errorf("default_topic %q is not defined in topics", c.DefaultTopic))
	}
	for name, t := range c.Topics {
		if t.Telegram == nil && t.Slack == nil && t.Webhook == nil {
			errs = append(errs, fmt.Errorf("topics.%s has no sinks", name))
		}
		if t.Telegram != nil {
			if c.Telegram.BotToken == "" {
				errs = append(errs, fmt.Errorf("topics.%s.telegram requires telegram.bot_token", name))
			}
			if t.Telegram.ChatID == 0 {
				errs = append(errs, fmt.Errorf("topics.%s.telegram.chat_id is required", name))
			}
		}
		if t.Slack != nil && t.Slack.WebhookURL == "" {
			errs = append(errs, fmt.Errorf("topics.%s.slack.webhook_url is required", name))
		}
		if t.Webhook != nil && t.Webhook.URL == "" {
			errs = append(errs, fmt.Errorf("topics.%s.webhook.url is required", name))
		}
	}
	return errs
}

func (c Config) validateMonitors() []error {
	var errs []error
	m := c.Monitors

	c.checkSchedule(&errs, "monitors.disk", m.Disk.Schedule)
	if m.Disk.Enabled {
		if !path.IsAbs(m.Disk.Path) {
			errs = append(errs, fmt.Errorf("monitors.disk.path %q is not absolute", m.Disk.Path))
		}
		if m.Disk.Threshold <= 0 || m.Disk.Threshold > 100 {
			errs = append(errs, fmt.Errorf("monitors.disk.threshold %.1f must be in (0, 100]", m.Disk.Threshold))
		}
		for _, r := range m.Disk.Roots {
			if !path.IsAbs(r) {
				errs = append(errs, fmt.Errorf("monitors.disk.roots: %q is not absolute", r))
			}
		}
	}

	c.checkSchedule(&errs, "monitors.containers", m.Containers.Schedule)

	c.checkSchedule(&errs, "monitors.vms", m.VMs.Schedule)
	if m.VMs.Enabled && len(m.VMs.Names) == 0 {
		errs = append(errs, errors.New("monitors.vms.names is required when enabled"))
	}

	c.checkSchedule(&errs, "monitors.mounts", m.Mounts.Schedule)
	if m.Mounts.Enabled && len(m.Mounts.Paths) == 0 {
		errs = append(errs, errors.New("monitors.mounts.paths is required when enabled"))
	}

	c.checkSchedule(&errs, "monitors.system", m.System.Schedule)

	c.checkSchedule(&errs, "monitors.issues", m.Issues.Schedule)
	if m.Issues.Enabled {
		if len(m.Issues.Tracked) == 0 {
			errs = append(errs, errors.New("monitors.issues.tracked is required when enabled"))
		}
		for i, ti := range m.Issues.Tracked {
			owner, name, ok := strings.Cut(ti.Repo, "/")
			if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
				errs = append(errs, fmt.Errorf("monitors.issues.tracked[%d].repo %q must be owner/name", i, ti.Repo))
			}
			if ti.Number <= 0 {
				errs = append(errs, fmt.Errorf("monitors.issues.tracked[%d].number must be positive", i))
			}
			if ti.Action != nil && ti.Action.Kind != alerts.ActionRestartContainer {
				errs = append(errs, fmt.Errorf("monitors.issues.tracked[%d].action.kind %q is not supported", i, ti.Action.Kind))
			}
		}
	}

	c.checkSchedule(&errs, "transmission", c.Transmission.Schedule)
	if c.Transmission.Enabled {
		if _, err := url.ParseRequestURI(c.Transmission.URL); err != nil {
			errs = append(errs, fmt.Errorf("transmission.url: %w", err))
		}
		if c.Transmission.HoursUntilRemove <= 0 {
			errs = append(errs, errors.New("transmission.hours_until_remove must be positive"))
		}
	}

	c.checkSchedule(&errs, "monitors.watchtower", m.Watchtower.Schedule)
	if m.Watchtower.Enabled {
		if m.Watchtower.Container == "" {
			errs = append(errs, errors.New("monitors.watchtower.container is required when enabled"))
		}
		if m.Watchtower.Since < time.Minute {
			errs = append(errs, errors.New("monitors.watchtower.since must be at least 1m"))
		}
	}

	ha := c.HomeAssistant
	c.checkSchedule(&errs, "home_assistant", ha.Schedule)
	if ha.Enabled {
		if _, err := url.ParseRequestURI(ha.URL); err != nil {
			errs = append(errs, fmt.Errorf("home_assistant.url: %w", err))
		}
		if ha.Token == "" {
			errs = append(errs, errors.New("home_assistant.token is required when enabled"))
		}
		if ha.VM == "" {
			errs = append(errs, errors.New("home_assistant.vm is required when enabled"))
		}
		if len(ha.Integrations) == 0 {
			errs = append(errs, errors.New("home_assistant.integrations is required when enabled"))
		}
	}
	return errs
}

func (c Config) checkSchedule(errs *[]error, section string, s Schedule) {
	if !s.Enabled {
		return
	}
	if s.Cron != "" {
		if _, err := cron.ParseStandard(s.Cron); err != nil {
			*errs = append(*errs, fmt.Errorf("%s.schedule: %w", section, err))
		}
	} else if s.Interval <= 0 {
		*errs = append(*errs, fmt.Errorf("%s.interval must be positive", section))
	}
	c.checkTopic(errs, section+".topic", s.Topic)
}

func (c Config) checkTopic(errs *[]error, field, topic string) {
	if topic == "" {
		return
	}
	if _, ok := c.Topics[topic]; !ok {
		*errs = append(*errs, fmt.Errorf("%s %q is not defined in topics", field, topic))
	}
}
