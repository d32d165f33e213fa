/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package remote

import (
	"context"
	"fmt"
	"strings"

	shellquote "github.com/kballard/go-shellquote"
)

// Quote escapes a single argument for a POSIX shell.
func Quote(arg string) string {
	return shellquote.Join(arg)
}

// Command joins name and args into a shell-safe command line.
func Command(name string, args ...string) string {
	return shellquote.Join(append([]string{name}, args...)...)
}

// Output runs cmd and returns stdout, treating a non-zero exit as an error.
func Output(ctx context.Context, exec Executor, cmd string) (string, error) {
	res, err := exec.Run(ctx, cmd)
	if err != nil {
		return "", err
	}
	if !res.OK() {
		msg := strings.TrimSpace(res.Stderr)
		if msg == "" {
			msg = strings.TrimSpace(res.Stdout)
		}
		return res.Stdout, &ExitError{Cmd: cmd, Code: res.ExitCode, Msg: msg}
	}
	return res.Stdout, nil
}

// ExitError reports a command that exited non-zero.
type ExitError struct {
	Cmd  string
	Code int
	Msg  string
}

func (e *ExitError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%q exited with status %d", e.Cmd, e.Code)
	}
	return fmt.Sprintf("%q exited with status %d: %s", e.Cmd, e.Code, e.Msg)
}
