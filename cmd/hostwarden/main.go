// hostwarden watches one media host over SSH and reports to chat.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/marcus-qen/hostwarden/internal/config"
	"github.com/marcus-qen/hostwarden/internal/remote"
)

var (
	version string
	commit  string
	date    string
)

func init() {
	if version == "" {
		version = "dev"
	}
	if commit == "" {
		commit = "unknown"
	}
	if date == "" {
		date = buildTimestamp()
	}
}

func buildTimestamp() string {
	exePath, err := os.Executable()
	if err == nil {
		if info, statErr := os.Stat(exePath); statErr == nil {
			return info.ModTime().UTC().Format(time.RFC3339)
		}
	}
	return time.Now().UTC().Format(time.RFC3339)
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := newSignalContext(context.Background())
	defer cancel()

	var err error
	switch os.Args[1] {
	case "run":
		err = cmdRun(ctx, os.Args[2:])
	case "check-config":
		err = cmdCheckConfig(os.Args[2:])
	case "probe":
		err = cmdProbe(ctx, os.Args[2:])
	case "version":
		fmt.Printf("hostwarden %s (commit: %s, built: %s)\n", version, commit, date)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: hostwarden <command>

Commands:
  run            Start the monitors, the notifier and the Telegram bot
  check-config   Load and validate the configuration, then exit
  probe <name>   Run one check's probe once and print what it sees
  version        Print version information
  help           Show this help

Global flags:
  --config <path>   Config file (default ~/.config/hostwarden/config.yaml)`)
}

// parseConfigPath extracts --config from args, returning the path and remaining args.
func parseConfigPath(args []string) (string, []string) {
	path := ""
	var remaining []string
	for i := 0; i < len(args); i++ {
		if (args[i] == "--config" || args[i] == "-c") && i+1 < len(args) {
			path = args[i+1]
			i++
		} else {
			remaining = append(remaining, args[i])
		}
	}
	if path == "" {
		path = os.Getenv("HOSTWARDEN_CONFIG")
	}
	if path == "" {
		path = config.DefaultPath()
	}
	return path, remaining
}

func loadConfig(args []string) (config.Config, []string, error) {
	path, rest := parseConfigPath(args)
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, rest, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, rest, fmt.Errorf("invalid config %s:\n%w", path, err)
	}
	return cfg, rest, nil
}

func newLogger(level string) (*zap.Logger, logr.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, logr.Discard(), err
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := zc.Build()
	if err != nil {
		return nil, logr.Discard(), err
	}
	return logger, zapr.NewLogger(logger), nil
}

func cmdCheckConfig(args []string) error {
	cfg, _, err := loadConfig(args)
	if err != nil {
		return err
	}
	fmt.Printf("config ok: %d topic(s), %d check(s) enabled, deletion %s\n",
		len(cfg.Topics), len(enabledChecks(cfg)), onOff(cfg.Deletion.Enabled()))
	return nil
}

func onOff(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}

var errUsage = errors.New("usage: hostwarden probe <name> [--config <path>]")

func newExecutor(c config.SSHConfig, logger *zap.Logger) (*remote.SSHExecutor, error) {
	exec, err := remote.NewSSHExecutor(remote.Config{
		Host:                  c.Host,
		Port:                  c.Port,
		User:                  c.User,
		KeyPath:               c.KeyPath,
		KnownHostsPath:        c.KnownHosts,
		InsecureIgnoreHostKey: c.InsecureIgnoreHostKey,
		UseAgent:              c.UseAgent,
		DialTimeout:           c.DialTimeout,
		CommandTimeout:        c.CommandTimeout,
	}, logger.Named("ssh"))
	if err != nil {
		return nil, fmt.Errorf("ssh: %w", err)
	}
	return exec, nil
}
