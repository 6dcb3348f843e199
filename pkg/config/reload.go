package config

import (
	"reflect"
	"sync"
)

// liveSections take effect without restarting the daemon.
var liveSections = map[string]bool{
	"motion":            true,
	"syringe-channel-1": true,
	"syringe-channel-2": true,
	"syringe-channel-3": true,
	"log":               true,
}

// Changes lists the sections that differ between old and updated, in
// file order.
func Changes(old, updated *Config) []string {
	type pair struct {
		name string
		a, b interface{}
	}
	pairs := []pair{
		{"connection", old.Connection, updated.Connection},
		{"motion", old.Motion, updated.Motion},
		{"syringe-channel-1", old.Channel1, updated.Channel1},
		{"syringe-channel-2", old.Channel2, updated.Channel2},
		{"syringe-channel-3", old.Channel3, updated.Channel3},
		{"api", old.API, updated.API},
		{"telemetry", old.Telemetry, updated.Telemetry},
		{"metrics", old.Metrics, updated.Metrics},
		{"log", old.Log, updated.Log},
	}
	var changed []string
	for _, p := range pairs {
		if !reflect.DeepEqual(p.a, p.b) {
			changed = append(changed, p.name)
		}
	}
	return changed
}

// RestartRequired returns the sections of changed that only take
// effect at startup.
func RestartRequired(changed []string) []string {
	var out []string
	for _, name := range changed {
		if !liveSections[name] {
			out = append(out, name)
		}
	}
	return out
}

// Reloader re-reads the configuration file on request.
type Reloader struct {
	mu      sync.RWMutex
	path    string
	current *Config
}

// NewReloader tracks cfg, which must have been loaded from a file.
func NewReloader(cfg *Config) *Reloader {
	return &Reloader{path: cfg.Path(), current: cfg}
}

// Current returns the configuration in effect.
func (r *Reloader) Current() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Reload loads the file again. On error the current configuration is
// kept. It returns the new configuration and the changed sections.
func (r *Reloader) Reload() (*Config, []string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	updated, err := Load(r.path)
	if err != nil {
		return r.current, nil, err
	}
	changed := Changes(r.current, updated)
	r.current = updated
	return updated, changed, nil
}
