package metrics

import (
	"sync"
	"time"
)

// MetricsCollector defines the interface for collecting agent metrics
type MetricsCollector interface {
	// Gauges - current state
	SetPollersRunning(count int)
	SetDemoPollers(count int)

	// Counters - event tracking
	IncStepAttempts(pollerName, stepName, status string)
	IncStepRetries(pollerName, stepName string)
	IncCycles(pollerName, state string)
	IncRecoveryRuns(pollerName, reason string)
	IncForwarded(pollerName, status string)

	// Histograms - duration tracking
	ObserveCycleDuration(pollerName string, duration time.Duration)
	ObserveStepDuration(pollerName, stepName string, duration time.Duration)
}

// NoOpMetrics is a metrics collector that does nothing
type NoOpMetrics struct{}

func NewNoOpMetrics() *NoOpMetrics {
	return &NoOpMetrics{}
}

func (m *NoOpMetrics) SetPollersRunning(count int)                                     {}
func (m *NoOpMetrics) SetDemoPollers(count int)                                        {}
func (m *NoOpMetrics) IncStepAttempts(pollerName, stepName, status string)             {}
func (m *NoOpMetrics) IncStepRetries(pollerName, stepName string)                      {}
func (m *NoOpMetrics) IncCycles(pollerName, state string)                              {}
func (m *NoOpMetrics) IncRecoveryRuns(pollerName, reason string)                       {}
func (m *NoOpMetrics) IncForwarded(pollerName, status string)                          {}
func (m *NoOpMetrics) ObserveCycleDuration(pollerName string, duration time.Duration) {}
func (m *NoOpMetrics) ObserveStepDuration(pollerName, stepName string, duration time.Duration) {
}

// InMemoryMetrics is a simple in-memory metrics collector for testing and basic monitoring
type InMemoryMetrics struct {
	mu sync.RWMutex

	// Gauges
	pollersRunning int
	demoPollers    int

	// Counters - using map with composite key
	stepAttempts map[string]int64 // key: "poller:step:status"
	stepRetries  map[string]int64 // key: "poller:step"
	cycles       map[string]int64 // key: "poller:state"
	recoveryRuns map[string]int64 // key: "poller:reason"
	forwarded    map[string]int64 // key: "poller:status"

	// Histograms - storing observations
	cycleDurations map[string][]time.Duration // key: "poller"
	stepDurations  map[string][]time.Duration // key: "poller:step"
}

func NewInMemoryMetrics() *InMemoryMetrics {
	m := &InMemoryMetrics{}
	m.Reset()
	return m
}

// Gauges
func (m *InMemoryMetrics) SetPollersRunning(count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pollersRunning = count
}

func (m *InMemoryMetrics) SetDemoPollers(count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.demoPollers = count
}

func (m *InMemoryMetrics) GetPollersRunning() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pollersRunning
}

func (m *InMemoryMetrics) GetDemoPollers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.demoPollers
}

// Counters
func (m *InMemoryMetrics) IncStepAttempts(pollerName, stepName, status string) {
	m.inc(m.stepAttempts, pollerName+":"+stepName+":"+status)
}

func (m *InMemoryMetrics) IncStepRetries(pollerName, stepName string) {
	m.inc(m.stepRetries, pollerName+":"+stepName)
}

func (m *InMemoryMetrics) IncCycles(pollerName, state string) {
	m.inc(m.cycles, pollerName+":"+state)
}

func (m *InMemoryMetrics) IncRecoveryRuns(pollerName, reason string) {
	m.inc(m.recoveryRuns, pollerName+":"+reason)
}

func (m *InMemoryMetrics) IncForwarded(pollerName, status string) {
	m.inc(m.forwarded, pollerName+":"+status)
}

func (m *InMemoryMetrics) inc(counter map[string]int64, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counter[key]++
}

func (m *InMemoryMetrics) get(counter map[string]int64, key string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return counter[key]
}

func (m *InMemoryMetrics) GetStepAttempts(pollerName, stepName, status string) int64 {
	return m.get(m.stepAttempts, pollerName+":"+stepName+":"+status)
}

func (m *InMemoryMetrics) GetStepRetries(pollerName, stepName string) int64 {
	return m.get(m.stepRetries, pollerName+":"+stepName)
}

func (m *InMemoryMetrics) GetCycles(pollerName, state string) int64 {
	return m.get(m.cycles, pollerName+":"+state)
}

func (m *InMemoryMetrics) GetRecoveryRuns(pollerName, reason string) int64 {
	return m.get(m.recoveryRuns, pollerName+":"+reason)
}

func (m *InMemoryMetrics) GetForwarded(pollerName, status string) int64 {
	return m.get(m.forwarded, pollerName+":"+status)
}

// Histograms
func (m *InMemoryMetrics) ObserveCycleDuration(pollerName string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cycleDurations[pollerName] = append(m.cycleDurations[pollerName], duration)
}

func (m *InMemoryMetrics) ObserveStepDuration(pollerName, stepName string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pollerName + ":" + stepName
	m.stepDurations[key] = append(m.stepDurations[key], duration)
}

// Helper methods for getting histogram statistics
func (m *InMemoryMetrics) GetCycleDurations(pollerName string) []time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	durations := m.cycleDurations[pollerName]
	result := make([]time.Duration, len(durations))
	copy(result, durations)
	return result
}

func (m *InMemoryMetrics) GetStepDurations(pollerName, stepName string) []time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	durations := m.stepDurations[pollerName+":"+stepName]
	result := make([]time.Duration, len(durations))
	copy(result, durations)
	return result
}

// Reset clears all metrics (useful for testing)
func (m *InMemoryMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pollersRunning = 0
	m.demoPollers = 0
	m.stepAttempts = make(map[string]int64)
	m.stepRetries = make(map[string]int64)
	m.cycles = make(map[string]int64)
	m.recoveryRuns = make(map[string]int64)
	m.forwarded = make(map[string]int64)
	m.cycleDurations = make(map[string][]time.Duration)
	m.stepDurations = make(map[string][]time.Duration)
}
