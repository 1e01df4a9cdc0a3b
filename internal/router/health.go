package router

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const probeTimeout = 5 * time.Second

// HealthStatus is the externally visible state of one provider.
type HealthStatus struct {
	Name         string    `json:"name"`
	Enabled      bool      `json:"enabled"`
	Healthy      bool      `json:"healthy"`
	Local        bool      `json:"local"`
	LastFailedAt time.Time `json:"last_failed_at,omitempty"`
}

type healthRecord struct {
	enabled      bool
	healthy      bool
	local        bool
	lastFailedAt time.Time
}

// HealthMonitor tracks per-provider health. Healthy starts true; a
// completion failure clears it and stamps the failure time; a successful
// probe or explicit enable resets both. Only local providers are gated
// by the healthy flag, cloud providers stay eligible after transient
// failures but still count toward recovery-mode detection.
type HealthMonitor struct {
	mu      sync.RWMutex
	records map[string]*healthRecord

	logger *slog.Logger

	// onAllDown fires when a probe round finds every enabled provider
	// failing. Wired to the recovery handler.
	onAllDown func()
}

// NewHealthMonitor builds a monitor for the named providers. local
// lists the providers whose failure implies a hard local outage.
func NewHealthMonitor(names []string, local map[string]bool, logger *slog.Logger) *HealthMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	m := &HealthMonitor{
		records: make(map[string]*healthRecord, len(names)),
		logger:  logger.With("component", "health"),
	}
	for _, n := range names {
		m.records[n] = &healthRecord{enabled: true, healthy: true, local: local[n]}
	}
	return m
}

// OnAllDown registers the recovery callback.
func (m *HealthMonitor) OnAllDown(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onAllDown = fn
}

// SetEnabled flips a provider's enabled bit. Enabling also resets the
// healthy flag.
func (m *HealthMonitor) SetEnabled(name string, enabled bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[name]
	if !ok {
		return false
	}
	r.enabled = enabled
	if enabled {
		r.healthy = true
		r.lastFailedAt = time.Time{}
	}
	return true
}

// MarkFailure records a completion failure.
func (m *HealthMonitor) MarkFailure(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[name]; ok {
		r.healthy = false
		r.lastFailedAt = time.Now()
	}
}

// MarkHealthy records a successful probe or completion.
func (m *HealthMonitor) MarkHealthy(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[name]; ok {
		r.healthy = true
		r.lastFailedAt = time.Time{}
	}
}

// Eligible reports whether selection may pick this provider. Cloud
// providers stay eligible while unhealthy; local ones do not.
func (m *HealthMonitor) Eligible(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[name]
	if !ok || !r.enabled {
		return false
	}
	if r.local && !r.healthy {
		return false
	}
	return true
}

// Snapshot returns the current state of every provider, sorted by name.
func (m *HealthMonitor) Snapshot() []HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]HealthStatus, 0, len(m.records))
	for name, r := range m.records {
		out = append(out, HealthStatus{
			Name: name, Enabled: r.enabled, Healthy: r.healthy,
			Local: r.local, LastFailedAt: r.lastFailedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// CheckAll runs every probe in parallel with a short timeout and updates
// the health map. When every enabled provider fails, the recovery
// callback fires. Returns per-provider probe outcomes.
func (m *HealthMonitor) CheckAll(ctx context.Context, probes map[string]func(context.Context) error) map[string]error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	type outcome struct {
		name string
		err  error
	}
	results := make(chan outcome, len(probes))
	var wg sync.WaitGroup
	for name, probe := range probes {
		if !m.isEnabled(name) {
			continue
		}
		wg.Add(1)
		go func(name string, probe func(context.Context) error) {
			defer wg.Done()
			results <- outcome{name, probe(ctx)}
		}(name, probe)
	}
	wg.Wait()
	close(results)

	out := make(map[string]error)
	allFailed := true
	any := false
	for o := range results {
		any = true
		out[o.name] = o.err
		if o.err != nil {
			m.MarkFailure(o.name)
			m.logger.Warn("probe failed", "provider", o.name, "error", o.err)
		} else {
			m.MarkHealthy(o.name)
			allFailed = false
		}
	}

	if any && allFailed {
		m.mu.RLock()
		cb := m.onAllDown
		m.mu.RUnlock()
		if cb != nil {
			m.logger.Error("all providers failing, entering recovery")
			cb()
		}
	}
	return out
}

func (m *HealthMonitor) isEnabled(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[name]
	return ok && r.enabled
}

// Schedule runs probe rounds on a fixed interval until ctx is cancelled.
func (m *HealthMonitor) Schedule(ctx context.Context, spec string, probes map[string]func(context.Context) error) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		m.CheckAll(ctx, probes)
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	go func() {
		<-ctx.Done()
		c.Stop()
	}()
	return c, nil
}
