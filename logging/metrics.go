package logging

import "sync"

// Metrics is a registry of named counters and gauges shared by the router's
// owners. The zero value is ready to use.
type Metrics struct {
	mu     sync.Mutex
	values map[string]uint64
}

// TelemetryAdd increments key by delta.
func (m *Metrics) TelemetryAdd(key string, delta uint64) {
	if m == nil || key == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.values == nil {
		m.values = make(map[string]uint64)
	}
	m.values[key] += delta
}

// TelemetryStore overwrites key with value.
func (m *Metrics) TelemetryStore(key string, value uint64) {
	if m == nil || key == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.values == nil {
		m.values = make(map[string]uint64)
	}
	m.values[key] = value
}

// Snapshot copies the current values.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out
}
