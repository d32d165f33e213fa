package deletion

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/marcus-qen/hostwarden/internal/remote"
)

// RemoteOps resolves and deletes paths on the monitored host.
type RemoteOps struct {
	Exec remote.Executor
}

// Resolve returns the canonical path, failing if it does not exist.
func (o RemoteOps) Resolve(ctx context.Context, p string) (string, error) {
	out, err := remote.Output(ctx, o.Exec, "realpath -e -- "+remote.Quote(p))
	if err != nil {
		return "", err
	}
	resolved := strings.TrimSpace(out)
	if resolved == "" {
		return "", fmt.Errorf("realpath returned nothing for %s", p)
	}
	return resolved, nil
}

// Delete removes p recursively. A symlink is removed, not its target.
func (o RemoteOps) Delete(ctx context.Context, p string) error {
	if clean := path.Clean(p); clean == "/" || clean == "." {
		return fmt.Errorf("refusing to delete %q", p)
	}
	_, err := remote.Output(ctx, o.Exec, "rm -rf -- "+remote.Quote(p))
	return err
}
