package deletion

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrOutsideAllowList is returned for paths not strictly below an allowed root.
var ErrOutsideAllowList = errors.New("path is outside the allowed roots")

// Resolver canonicalizes a path on the host, following symlinks.
type Resolver interface {
	Resolve(ctx context.Context, p string) (string, error)
}

// Policy restricts deletion to entries strictly below a set of roots.
type Policy struct {
	roots []string
}

// NewPolicy validates and cleans roots. Roots must be absolute and must not
// be the filesystem root.
func NewPolicy(roots []string) (Policy, error) {
	if len(roots) == 0 {
		return Policy{}, errors.New("at least one allowed root is required")
	}
	cleaned := make([]string, 0, len(roots))
	for _, r := range roots {
		if !path.IsAbs(r) {
			return Policy{}, fmt.Errorf("allowed root %q is not absolute", r)
		}
		c := path.Clean(r)
		if c == "/" {
			return Policy{}, fmt.Errorf("allowed root %q would permit deleting anything", r)
		}
		cleaned = append(cleaned, c)
	}
	return Policy{roots: cleaned}, nil
}

// Roots returns the cleaned roots.
func (p Policy) Roots() []string { return append([]string(nil), p.roots...) }

// Check is the lexical test: p must be absolute and strictly below a root
// after cleaning.
func (p Policy) Check(target string) error {
	if !path.IsAbs(target) {
		return fmt.Errorf("%w: %q is not absolute", ErrOutsideAllowList, target)
	}
	clean := path.Clean(target)
	for _, root := range p.roots {
		if strictlyWithin(clean, root) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrOutsideAllowList, clean)
}

// Verify re-checks target against the host's view of the filesystem: the
// resolved target must be strictly below a resolved root. It returns the
// resolved target.
func (p Policy) Verify(ctx context.Context, r Resolver, target string) (string, error) {
	if err := p.Check(target); err != nil {
		return "", err
	}
	resolved, err := r.Resolve(ctx, target)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", target, err)
	}
	for _, root := range p.roots {
		realRoot, err := r.Resolve(ctx, root)
		if err != nil {
			continue
		}
		if strictlyWithin(resolved, realRoot) {
			return resolved, nil
		}
	}
	return "", fmt.Errorf("%w: %s resolves to %s", ErrOutsideAllowList, target, resolved)
}

func strictlyWithin(p, root string) bool {
	if p == root {
		return false
	}
	prefix := root
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return strings.HasPrefix(p, prefix)
}
