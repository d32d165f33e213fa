package monitor

import (
	"bufio"
	"context"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/marcus-qen/hostwarden/internal/remote"
)

// DiskProber reads filesystem usage and, once usage reaches ListAbove, lists
// large entries under Roots.
type DiskProber struct {
	Exec          remote.Executor
	Path          string
	ListAbove     float64
	Roots         []string
	MinSize       int64
	Exclude       []string
	MaxCandidates int
	Logger        *zap.Logger
}

// Probe implements Prober.
func (p *DiskProber) Probe(ctx context.Context) (DiskObservation, error) {
	mount := p.Path
	if mount == "" {
		mount = "/"
	}
	out, err := remote.Output(ctx, p.Exec, fmt.Sprintf("df --output=pcent %s | tail -1", remote.Quote(mount)))
	if err != nil {
		return DiskObservation{}, fmt.Errorf("read disk usage: %w", err)
	}
	pct, err := parsePercent(out)
	if err != nil {
		return DiskObservation{}, err
	}

	obs := DiskObservation{Path: mount, UsedPercent: pct}
	if len(p.Roots) > 0 && pct >= p.ListAbove {
		cands, err := p.Candidates(ctx)
		if err != nil {
			// Usage is still valid without the candidate list.
			if p.Logger != nil {
				p.Logger.Warn("listing delete candidates failed", zap.Error(err))
			}
			return obs, nil
		}
		obs.Candidates = cands
	}
	return obs, nil
}

// Candidates lists entries under every root, dot-entries included, largest first.
func (p *DiskProber) Candidates(ctx context.Context) ([]Candidate, error) {
	var all []Candidate
	for _, root := range p.Roots {
		root = path.Clean(root)
		out, err := remote.Output(ctx, p.Exec, fmt.Sprintf("find %s -mindepth 1 -maxdepth 1 -exec du -sb {} + 2>/dev/null; true", remote.Quote(root)))
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", root, err)
		}
		dirsOut, err := remote.Output(ctx, p.Exec, fmt.Sprintf("find %s -mindepth 1 -maxdepth 1 -type d", remote.Quote(root)))
		if err != nil {
			return nil, fmt.Errorf("list directories in %s: %w", root, err)
		}
		dirs := make(map[string]bool)
		for _, line := range strings.Split(dirsOut, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				dirs[line] = true
			}
		}
		for _, c := range parseDU(out) {
			if c.Size < p.MinSize || p.excluded(c.Name) {
				continue
			}
			c.IsDir = dirs[c.Path]
			all = append(all, c)
		}
	}

	sort.SliceStable(all, func(i, j int) bool { return all[i].Size > all[j].Size })
	if p.MaxCandidates > 0 && len(all) > p.MaxCandidates {
		all = all[:p.MaxCandidates]
	}
	return all, nil
}

func (p *DiskProber) excluded(name string) bool {
	for _, ex := range p.Exclude {
		if ex == name {
			return true
		}
		if ok, _ := path.Match(ex, name); ok {
			return true
		}
	}
	return false
}

// parsePercent reads a df pcent column such as " 85%".
func parsePercent(s string) (float64, error) {
	v := strings.TrimSuffix(strings.TrimSpace(s), "%")
	pct, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, fmt.Errorf("parse disk usage %q: %w", strings.TrimSpace(s), err)
	}
	return pct, nil
}

// parseDU parses `du -sb` lines of "<bytes>\t<path>".
func parseDU(out string) []Candidate {
	var cands []Candidate
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		sizeStr, p, ok := strings.Cut(line, "\t")
		if !ok {
			continue
		}
		size, err := strconv.ParseInt(strings.TrimSpace(sizeStr), 10, 64)
		if err != nil {
			continue
		}
		cands = append(cands, Candidate{Path: p, Name: path.Base(p), Size: size})
	}
	return cands
}
