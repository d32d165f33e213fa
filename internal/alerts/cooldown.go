package alerts

import (
	"sort"
	"sync"
	"time"
)

// Engine suppresses repeated emission of the same key within a window.
// State lives in memory only and is reset on restart.
type Engine struct {
	mu   sync.Mutex
	last map[Key]time.Time
}

// NewEngine creates an empty cooldown engine.
func NewEngine() *Engine {
	return &Engine{last: make(map[Key]time.Time)}
}

// ShouldEmit reports whether key may be emitted at now. When it returns true
// the emission time is recorded. The check and the update happen under one
// lock, so concurrent callers for the same key see exactly one true per window.
func (e *Engine) ShouldEmit(key Key, now time.Time, window time.Duration) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if last, ok := e.last[key]; ok && now.Sub(last) < window {
		return false
	}
	e.last[key] = now
	return true
}

// Forget clears any recorded emission for key.
func (e *Engine) Forget(key Key) {
	e.mu.Lock()
	delete(e.last, key)
	e.mu.Unlock()
}

// Len returns the number of keys with a recorded emission.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.last)
}

// Active returns keys still inside their window at now, sorted.
func (e *Engine) Active(now time.Time, policy Policy) []Key {
	e.mu.Lock()
	defer e.mu.Unlock()

	var keys []Key
	for k, at := range e.last {
		if now.Sub(at) < policy.Window(k) {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Policy maps alert classes to cooldown windows.
type Policy struct {
	Default  time.Duration
	PerClass map[string]time.Duration
}

// Window returns the cooldown window for key.
func (p Policy) Window(key Key) time.Duration {
	if w, ok := p.PerClass[key.Class()]; ok {
		return w
	}
	return p.Default
}
