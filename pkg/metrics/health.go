package metrics

import (
	"sort"
	"sync"
	"time"
)

// ComponentHealth is one subsystem's latest self-report.
type ComponentHealth struct {
	Name    string    `json:"name"`
	Healthy bool      `json:"healthy"`
	Message string    `json:"message,omitempty"`
	Updated time.Time `json:"updated"`
}

// Health is the aggregate snapshot the health endpoint serves. Healthy
// only when every reported component is.
type Health struct {
	Healthy    bool              `json:"healthy"`
	Version    string            `json:"version,omitempty"`
	Uptime     time.Duration     `json:"uptime"`
	Components []ComponentHealth `json:"components"`
}

// registry collects subsystem self-reports. Subsystems report at
// startup and whenever their state changes; the API server renders
// the aggregate on /healthz.
type registry struct {
	mu         sync.RWMutex
	components map[string]ComponentHealth
	started    time.Time
	version    string
}

var health = &registry{
	components: make(map[string]ComponentHealth),
	started:    time.Now(),
}

// SetVersion records the running version for health responses.
func SetVersion(v string) {
	health.mu.Lock()
	defer health.mu.Unlock()
	health.version = v
}

// SetComponent records a subsystem's health. First report registers
// the component; later reports overwrite it.
func SetComponent(name string, healthy bool, message string) {
	health.mu.Lock()
	defer health.mu.Unlock()
	health.components[name] = ComponentHealth{
		Name:    name,
		Healthy: healthy,
		Message: message,
		Updated: time.Now(),
	}
}

// GetHealth snapshots the registry, components sorted by name.
func GetHealth() Health {
	health.mu.RLock()
	defer health.mu.RUnlock()

	h := Health{
		Healthy: true,
		Version: health.version,
		Uptime:  time.Since(health.started),
	}
	for _, c := range health.components {
		if !c.Healthy {
			h.Healthy = false
		}
		h.Components = append(h.Components, c)
	}
	sort.Slice(h.Components, func(i, j int) bool {
		return h.Components[i].Name < h.Components[j].Name
	})
	return h
}
