package transmission

import (
	"fmt"
	"sort"
	"time"

	"github.com/marcus-qen/hostwarden/internal/alerts"
)

// DefaultRemoveAfter is how long a completed transfer stays listed.
const DefaultRemoveAfter = 24 * time.Hour

// Record is the watcher's knowledge of one transfer.
type Record struct {
	ID   int64
	Name string
	// Hash is the torrent info hash. IDs are only stable within one daemon
	// session; the hash tells a renumbered transfer apart from the old one.
	Hash            string
	FirstCompleteAt *time.Time
	Stopped         bool
}

// TickResult is what the caller must do after a tick.
type TickResult struct {
	Stop   []Transfer
	Remove []Transfer
	Events []alerts.Event
}

// Watcher stops completed transfers and removes them from the client once
// they have been complete for RemoveAfter. It is not safe for concurrent use;
// the scheduler never runs two ticks of one check at once.
type Watcher struct {
	RemoveAfter time.Duration

	records  map[int64]*Record
	complete map[int64]bool
	removed  map[int64]bool
	primed   bool
}

// NewWatcher creates a watcher.
func NewWatcher(removeAfter time.Duration) *Watcher {
	if removeAfter <= 0 {
		removeAfter = DefaultRemoveAfter
	}
	return &Watcher{
		RemoveAfter: removeAfter,
		records:     map[int64]*Record{},
		complete:    map[int64]bool{},
		removed:     map[int64]bool{},
	}
}

// Restore loads previously persisted records. Call before the first Tick.
func (w *Watcher) Restore(records []Record) {
	for i := range records {
		r := records[i]
		w.records[r.ID] = &r
		if r.FirstCompleteAt != nil {
			w.complete[r.ID] = true
		}
	}
}

// Records returns a copy of the tracked records ordered by ID.
func (w *Watcher) Records() []Record {
	out := make([]Record, 0, len(w.records))
	for _, r := range w.records {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Tick reconciles the tracked records with the current transfer list.
func (w *Watcher) Tick(now time.Time, transfers []Transfer) TickResult {
	var res TickResult
	present := make(map[int64]bool, len(transfers))

	for _, t := range transfers {
		present[t.ID] = true
		rec, ok := w.records[t.ID]
		if ok && !rec.sameTransfer(t) {
			// The ID now belongs to a different torrent.
			w.forget(t.ID)
			delete(w.removed, t.ID)
			ok = false
		}
		if !ok {
			rec = &Record{ID: t.ID, Name: t.Name, Hash: t.HashString}
			w.records[t.ID] = rec
			// Still listed after a removal: already announced.
			if w.removed[t.ID] {
				w.complete[t.ID] = true
			}
		}
		rec.Name = t.Name
		if rec.Hash == "" {
			rec.Hash = t.HashString
		}

		if !t.Complete() {
			w.complete[t.ID] = false
			rec.FirstCompleteAt = nil
			rec.Stopped = false
			continue
		}

		if rec.FirstCompleteAt == nil {
			at := now
			rec.FirstCompleteAt = &at
		}
		if w.primed && !w.complete[t.ID] {
			res.Events = append(res.Events, alerts.New(torrentKey(t.ID, "completed"), alerts.SeverityInfo,
				"Download complete", fmt.Sprintf("%s finished downloading.", t.Name), now))
		}
		w.complete[t.ID] = true

		if now.Sub(*rec.FirstCompleteAt) >= w.RemoveAfter {
			res.Remove = append(res.Remove, t)
			res.Events = append(res.Events, alerts.New(torrentKey(t.ID, "removed"), alerts.SeverityInfo,
				"Transfer removed",
				fmt.Sprintf("%s removed from the client %.0fh after completing. Files were kept.", t.Name, w.RemoveAfter.Hours()), now))
			w.forget(t.ID)
			w.removed[t.ID] = true
			continue
		}

		if !rec.Stopped {
			if t.Seeding() {
				res.Stop = append(res.Stop, t)
				res.Events = append(res.Events, alerts.New(torrentKey(t.ID, "stopped"), alerts.SeverityInfo,
					"Seeding stopped", fmt.Sprintf("%s stopped seeding (ratio %.2f).", t.Name, t.UploadRatio), now))
			}
			rec.Stopped = true
		}
	}

	for id := range w.records {
		if !present[id] {
			w.forget(id)
		}
	}
	for id := range w.removed {
		if !present[id] {
			delete(w.removed, id)
		}
	}
	w.primed = true
	return res
}

// sameTransfer compares info hashes when both are known, names otherwise.
func (r *Record) sameTransfer(t Transfer) bool {
	if r.Hash != "" && t.HashString != "" {
		return r.Hash == t.HashString
	}
	return r.Name == t.Name
}

func (w *Watcher) forget(id int64) {
	delete(w.records, id)
	delete(w.complete, id)
}

func torrentKey(id int64, what string) alerts.Key {
	return alerts.Key(fmt.Sprintf("torrent:%d:%s", id, what))
}
