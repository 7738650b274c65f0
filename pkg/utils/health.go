package utils

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/LICODX/chunkproof/pkg/logging"
)

type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

type HealthCheck func(ctx context.Context) (HealthStatus, string)

type ComponentHealth struct {
	Name      string       `json:"name"`
	Status    HealthStatus `json:"status"`
	Message   string       `json:"message,omitempty"`
	LastCheck time.Time    `json:"lastCheck"`
}

type HealthReport struct {
	Status     HealthStatus      `json:"status"`
	Uptime     string            `json:"uptime"`
	Components []ComponentHealth `json:"components"`
	Timestamp  time.Time         `json:"timestamp"`
}

type HealthMonitor struct {
	mutex         sync.RWMutex
	components    map[string]*ComponentHealth
	healthChecks  map[string]HealthCheck
	startTime     time.Time
	checkInterval time.Duration
	log           *logging.StructuredLogger
}

func NewHealthMonitor(checkInterval time.Duration) *HealthMonitor {
	return &HealthMonitor{
		components:    make(map[string]*ComponentHealth),
		healthChecks:  make(map[string]HealthCheck),
		startTime:     time.Now(),
		checkInterval: checkInterval,
		log:           logging.Component("health"),
	}
}

func (hm *HealthMonitor) RegisterComponent(name string, check HealthCheck) {
	hm.mutex.Lock()
	defer hm.mutex.Unlock()

	hm.components[name] = &ComponentHealth{
		Name:      name,
		Status:    StatusHealthy,
		LastCheck: time.Now(),
	}
	hm.healthChecks[name] = check
}

func (hm *HealthMonitor) CheckHealth(ctx context.Context, name string) {
	hm.mutex.RLock()
	check, ok := hm.healthChecks[name]
	hm.mutex.RUnlock()
	if !ok {
		return
	}

	// checks may do I/O; run them outside the lock
	status, message := check(ctx)

	hm.mutex.Lock()
	defer hm.mutex.Unlock()
	comp, ok := hm.components[name]
	if !ok {
		return
	}
	if status != comp.Status && status != StatusHealthy {
		hm.log.WarnWithFields("component health changed", map[string]interface{}{
			"target":  name,
			"status":  status,
			"message": message,
		})
	}
	comp.Status = status
	comp.Message = message
	comp.LastCheck = time.Now()
}

func (hm *HealthMonitor) CheckAllHealth(ctx context.Context) {
	hm.mutex.RLock()
	names := make([]string, 0, len(hm.healthChecks))
	for name := range hm.healthChecks {
		names = append(names, name)
	}
	hm.mutex.RUnlock()

	for _, name := range names {
		hm.CheckHealth(ctx, name)
	}
}

func (hm *HealthMonitor) overallLocked() HealthStatus {
	hasDegraded := false
	for _, comp := range hm.components {
		switch comp.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			hasDegraded = true
		}
	}
	if hasDegraded {
		return StatusDegraded
	}
	return StatusHealthy
}

func (hm *HealthMonitor) GetOverallHealth() HealthStatus {
	hm.mutex.RLock()
	defer hm.mutex.RUnlock()
	return hm.overallLocked()
}

func (hm *HealthMonitor) GetHealthReport() HealthReport {
	hm.mutex.RLock()
	defer hm.mutex.RUnlock()

	comps := make([]ComponentHealth, 0, len(hm.components))
	for _, c := range hm.components {
		comps = append(comps, *c)
	}
	sort.Slice(comps, func(i, j int) bool { return comps[i].Name < comps[j].Name })

	return HealthReport{
		Status:     hm.overallLocked(),
		Uptime:     time.Since(hm.startTime).Round(time.Second).String(),
		Components: comps,
		Timestamp:  time.Now().UTC(),
	}
}

// StartPeriodicChecks runs every check on checkInterval until ctx is done.
func (hm *HealthMonitor) StartPeriodicChecks(ctx context.Context) {
	SafeGoroutine("health", func() {
		ticker := time.NewTicker(hm.checkInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				hm.CheckAllHealth(ctx)
			}
		}
	})
}
