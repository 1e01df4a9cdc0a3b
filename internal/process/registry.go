// Package process tracks child processes spawned by tools. The registry
// is capacity-bounded and acts as an admission gate: at capacity the
// spawning tool returns a failure result instead of blocking.
package process

import (
	"log/slog"
	"sort"
	"sync"
	"syscall"
	"time"
)

// Entry is one tracked subprocess.
type Entry struct {
	PID       int       `json:"pid"`
	Purpose   string    `json:"purpose"`
	CreatedAt time.Time `json:"created_at"`
}

// Registry is the bounded set of tracked child processes. Safe for
// concurrent use.
type Registry struct {
	mu      sync.Mutex
	entries map[int]Entry
	max     int

	logger *slog.Logger
	now    func() time.Time

	// kill and alive are swappable for tests.
	kill  func(pid int) error
	alive func(pid int) bool
}

// NewRegistry builds a registry with the given capacity.
func NewRegistry(maxProcesses int, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if maxProcesses <= 0 {
		maxProcesses = 16
	}
	return &Registry{
		entries: make(map[int]Entry),
		max:     maxProcesses,
		logger:  logger.With("component", "process"),
		now:     time.Now,
		kill:    func(pid int) error { return syscall.Kill(pid, syscall.SIGTERM) },
		alive:   func(pid int) bool { return syscall.Kill(pid, 0) == nil },
	}
}

// Register tracks a spawned process. Returns false at capacity.
func (r *Registry) Register(pid int, purpose string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) >= r.max {
		return false
	}
	r.entries[pid] = Entry{PID: pid, Purpose: purpose, CreatedAt: r.now()}
	return true
}

// Unregister removes a process on exit.
func (r *Registry) Unregister(pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, pid)
}

// AtCapacity reports whether further spawns must be refused.
func (r *Registry) AtCapacity() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries) >= r.max
}

// List returns a snapshot of tracked processes ordered by age.
func (r *Registry) List() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ReapExpired sends SIGTERM to processes older than maxAge and prunes
// them. Returns the pids reaped.
func (r *Registry) ReapExpired(maxAge time.Duration) []int {
	r.mu.Lock()
	cutoff := r.now().Add(-maxAge)
	var expired []Entry
	for _, e := range r.entries {
		if e.CreatedAt.Before(cutoff) {
			expired = append(expired, e)
		}
	}
	for _, e := range expired {
		delete(r.entries, e.PID)
	}
	r.mu.Unlock()

	reaped := make([]int, 0, len(expired))
	for _, e := range expired {
		if err := r.kill(e.PID); err != nil {
			r.logger.Warn("terminate failed", "pid", e.PID, "purpose", e.Purpose, "error", err)
		} else {
			r.logger.Info("reaped expired process", "pid", e.PID, "purpose", e.Purpose)
		}
		reaped = append(reaped, e.PID)
	}
	return reaped
}

// CleanupDead prunes entries whose pids no longer exist. Returns the
// number removed.
func (r *Registry) CleanupDead() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for pid := range r.entries {
		if !r.alive(pid) {
			delete(r.entries, pid)
			removed++
		}
	}
	return removed
}
