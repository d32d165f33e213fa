// Package remotetest provides a scripted Executor for tests.
package remotetest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/marcus-qen/hostwarden/internal/remote"
)

// Fake answers commands from a table. Commands are matched exactly first,
// then by the longest registered prefix.
type Fake struct {
	mu      sync.Mutex
	exact   map[string]reply
	prefix  map[string]reply
	history []string
}

type reply struct {
	res remote.Result
	err error
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{exact: map[string]reply{}, prefix: map[string]reply{}}
}

// On registers stdout for an exact command.
func (f *Fake) On(cmd, stdout string) *Fake {
	return f.OnResult(cmd, remote.Result{Stdout: stdout})
}

// OnResult registers a full result for an exact command.
func (f *Fake) OnResult(cmd string, res remote.Result) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exact[cmd] = reply{res: res}
	return f
}

// OnPrefix registers a result for any command starting with prefix.
func (f *Fake) OnPrefix(prefix string, res remote.Result) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prefix[prefix] = reply{res: res}
	return f
}

// Fail makes an exact command return err.
func (f *Fake) Fail(cmd string, err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exact[cmd] = reply{err: err}
	return f
}

// Run implements remote.Executor.
func (f *Fake) Run(_ context.Context, cmd string) (remote.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history = append(f.history, cmd)

	if r, ok := f.exact[cmd]; ok {
		return r.res, r.err
	}
	best := ""
	for p := range f.prefix {
		if strings.HasPrefix(cmd, p) && len(p) > len(best) {
			best = p
		}
	}
	if best != "" {
		r := f.prefix[best]
		return r.res, r.err
	}
	return remote.Result{}, fmt.Errorf("remotetest: unexpected command %q", cmd)
}

// Commands returns every command run so far.
func (f *Fake) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.history...)
}

// Ran reports whether cmd was run.
func (f *Fake) Ran(cmd string) bool {
	for _, c := range f.Commands() {
		if c == cmd {
			return true
		}
	}
	return false
}
