package provider

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/dvaper/proxmox-commander/internal/pkg/errors"
	"github.com/dvaper/proxmox-commander/internal/pkg/logger"
)

// SystemStatus represents the health of one external system.
type SystemStatus string

const (
	SystemStatusUnknown     SystemStatus = "UNKNOWN"
	SystemStatusHealthy     SystemStatus = "HEALTHY"
	SystemStatusUnhealthy   SystemStatus = "UNHEALTHY"
	SystemStatusUnreachable SystemStatus = "UNREACHABLE"
)

// SystemHealth contains health check results.
type SystemHealth struct {
	System      string       `json:"system"`
	Status      SystemStatus `json:"status"`
	LastChecked time.Time    `json:"last_checked"`
	Error       string       `json:"error,omitempty"`
}

// Probe performs one lightweight call against a system.
type Probe func(ctx context.Context) error

// HealthChecker performs periodic health checks on the external systems.
type HealthChecker struct {
	probes   map[string]Probe
	interval time.Duration
	timeout  time.Duration
	results  map[string]*SystemHealth
	mu       sync.RWMutex
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewHealthChecker creates a HealthChecker. Each probe runs with timeout.
func NewHealthChecker(probes map[string]Probe, interval, timeout time.Duration) *HealthChecker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HealthChecker{
		probes:   probes,
		interval: interval,
		timeout:  timeout,
		results:  make(map[string]*SystemHealth),
		stopCh:   make(chan struct{}),
	}
}

// Check performs a single health check for a system.
func (c *HealthChecker) Check(ctx context.Context, system string) *SystemHealth {
	health := &SystemHealth{
		System:      system,
		LastChecked: time.Now(),
	}

	probe, ok := c.probes[system]
	if !ok {
		health.Status = SystemStatusUnknown
		health.Error = "no probe registered"
		return health
	}

	probeCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := probe(probeCtx); err != nil {
		health.Error = err.Error()
		if apperrors.Is(err, apperrors.KindUnavailable) {
			health.Status = SystemStatusUnreachable
		} else {
			health.Status = SystemStatusUnhealthy
		}
		logger.Warn("System health check failed",
			logger.System(system),
			zap.Error(err),
		)
		return health
	}

	health.Status = SystemStatusHealthy
	return health
}

// Get returns the cached health status for a system.
func (c *HealthChecker) Get(system string) *SystemHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if h, ok := c.results[system]; ok {
		return h
	}
	return &SystemHealth{
		System: system,
		Status: SystemStatusUnknown,
	}
}

// All returns the cached status of every probed system, ordered by name.
func (c *HealthChecker) All() []*SystemHealth {
	names := make([]string, 0, len(c.probes))
	for name := range c.probes {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]*SystemHealth, 0, len(names))
	for _, name := range names {
		out = append(out, c.Get(name))
	}
	return out
}

// Update stores a health check result.
func (c *HealthChecker) Update(health *SystemHealth) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[health.System] = health
}

// Start begins periodic health checking.
// nolint:naked-goroutine // health checker ticker loop; doesn't fit worker pool pattern.
func (c *HealthChecker) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		c.CheckAll(ctx)

		for {
			select {
			case <-ticker.C:
				c.CheckAll(ctx)
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts periodic health checking. Safe to call more than once.
func (c *HealthChecker) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
}

// CheckAll probes every system once and caches the results.
func (c *HealthChecker) CheckAll(ctx context.Context) {
	for name := range c.probes {
		c.Update(c.Check(ctx, name))
	}
}
