package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

func cmdProbe(ctx context.Context, args []string) error {
	cfg, rest, err := loadConfig(args)
	if err != nil {
		return err
	}
	if len(rest) != 1 {
		return errUsage
	}
	logger, _, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	exec, err := newExecutor(cfg.SSH, logger)
	if err != nil {
		return err
	}
	defer func() { _ = exec.Close() }()

	checks, err := buildChecks(ctx, cfg, exec, zap.NewNop())
	if err != nil {
		return err
	}
	defer func() { _ = checks.Close() }()

	return runProbe(ctx, checks, rest[0], os.Stdout)
}

// runProbe observes one check and writes the result as YAML.
func runProbe(ctx context.Context, checks *checkSet, name string, w io.Writer) error {
	obs, ok := checks.observers[name]
	if !ok {
		names := make([]string, 0, len(checks.observers))
		for n := range checks.observers {
			names = append(names, n)
		}
		sort.Strings(names)
		return fmt.Errorf("no enabled check named %q (enabled: %s)", name, strings.Join(names, ", "))
	}
	out, err := obs.Observe(ctx)
	if err != nil {
		return fmt.Errorf("probe %s: %w", name, err)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(out); err != nil {
		return err
	}
	return enc.Close()
}
