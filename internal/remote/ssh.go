/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package remote runs shell commands on the monitored host over SSH.
// Authentication is key-based only: a private key file, the local
// ssh-agent, or both.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	defaultDialTimeout    = 10 * time.Second
	defaultCommandTimeout = 30 * time.Second
	maxOutput             = 1 << 20
)

// ErrTimeout is returned when a command exceeds its deadline.
var ErrTimeout = errors.New("remote command timed out")

// Result is the outcome of a command that ran to completion. A non-zero
// ExitCode is not an error.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// OK reports whether the command exited with status zero.
func (r Result) OK() bool { return r.ExitCode == 0 }

// Executor runs a command on the monitored host.
type Executor interface {
	Run(ctx context.Context, cmd string) (Result, error)
}

// Config holds SSH connection settings.
type Config struct {
	Host                  string
	Port                  int
	User                  string
	KeyPath               string
	KnownHostsPath        string
	InsecureIgnoreHostKey bool
	UseAgent              bool
	DialTimeout           time.Duration
	CommandTimeout        time.Duration
}

// SSHExecutor runs commands over a cached SSH connection, reconnecting once
// when the cached connection turns out to be stale.
type SSHExecutor struct {
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex
	client *ssh.Client
}

// NewSSHExecutor validates cfg and returns an executor. No connection is made
// until the first Run.
func NewSSHExecutor(cfg Config, logger *zap.Logger) (*SSHExecutor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("ssh: host is required")
	}
	if cfg.User == "" {
		return nil, fmt.Errorf("ssh: user is required")
	}
	if cfg.KeyPath == "" && !cfg.UseAgent {
		return nil, fmt.Errorf("ssh: a key_path or use_agent is required")
	}
	if cfg.KnownHostsPath == "" && !cfg.InsecureIgnoreHostKey {
		return nil, fmt.Errorf("ssh: known_hosts is required unless host key checking is disabled")
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}
	return &SSHExecutor{cfg: cfg, logger: logger}, nil
}

// Run executes cmd and waits for it to finish or for the command timeout.
func (e *SSHExecutor) Run(ctx context.Context, cmd string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.CommandTimeout)
	defer cancel()

	client, err := e.connection(ctx)
	if err != nil {
		return Result{}, err
	}

	session, err := client.NewSession()
	if err != nil {
		// Cached connection may be stale; reconnect once.
		e.logger.Debug("ssh session failed, reconnecting", zap.Error(err))
		e.drop(client)
		client, err = e.connection(ctx)
		if err != nil {
			return Result{}, err
		}
		session, err = client.NewSession()
		if err != nil {
			e.drop(client)
			return Result{}, fmt.Errorf("ssh: create session: %w", err)
		}
	}
	defer session.Close()

	var stdout, stderr limitedBuffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	select {
	case err := <-done:
		res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
		if err == nil {
			return res, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		e.drop(client)
		return res, fmt.Errorf("ssh: run command: %w", err)
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{}, fmt.Errorf("%w after %v", ErrTimeout, e.cfg.CommandTimeout)
		}
		return Result{}, ctx.Err()
	}
}

// Close closes the cached connection.
func (e *SSHExecutor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client == nil {
		return nil
	}
	err := e.client.Close()
	e.client = nil
	return err
}

func (e *SSHExecutor) connection(ctx context.Context) (*ssh.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client != nil {
		return e.client, nil
	}

	clientCfg, err := e.clientConfig()
	if err != nil {
		return nil, err
	}
	addr := net.JoinHostPort(e.cfg.Host, strconv.Itoa(e.cfg.Port))
	client, err := dialContext(ctx, addr, clientCfg, e.cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("ssh: connect %s: %w", addr, err)
	}
	e.logger.Info("ssh connected", zap.String("addr", addr), zap.String("user", e.cfg.User))
	e.client = client
	return client, nil
}

func (e *SSHExecutor) drop(client *ssh.Client) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client == client {
		_ = e.client.Close()
		e.client = nil
	}
}

func (e *SSHExecutor) clientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if e.cfg.KeyPath != "" {
		key, err := os.ReadFile(e.cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("ssh: read key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("ssh: parse key %s: %w", e.cfg.KeyPath, err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if e.cfg.UseAgent {
		sock := os.Getenv("SSH_AUTH_SOCK")
		if sock == "" {
			return nil, fmt.Errorf("ssh: use_agent set but SSH_AUTH_SOCK is empty")
		}
		conn, err := net.Dial("unix", sock)
		if err != nil {
			return nil, fmt.Errorf("ssh: connect agent: %w", err)
		}
		auth = append(auth, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if !e.cfg.InsecureIgnoreHostKey {
		cb, err := knownhosts.New(e.cfg.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("ssh: load known_hosts: %w", err)
		}
		hostKeyCallback = cb
	}

	return &ssh.ClientConfig{
		User:            e.cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         e.cfg.DialTimeout,
	}, nil
}

func dialContext(ctx context.Context, addr string, cfg *ssh.ClientConfig, timeout time.Duration) (*ssh.Client, error) {
	type result struct {
		client *ssh.Client
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		client, err := ssh.Dial("tcp", addr, cfg)
		ch <- result{client: client, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		go func() {
			if out := <-ch; out.client != nil {
				_ = out.client.Close()
			}
		}()
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("dial timeout after %v", timeout)
	case out := <-ch:
		return out.client, out.err
	}
}

// limitedBuffer keeps at most maxOutput bytes and discards the rest.
type limitedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := maxOutput - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
