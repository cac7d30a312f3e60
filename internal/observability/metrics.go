package observability

import (
	"strconv"
	"sync"
	"time"
)

// Counter names for the orchestration pipeline.
const (
	CounterTurnsFlushed       = "turns_flushed"
	CounterDuplicatesRejected = "duplicates_rejected"
	CounterMessagesDropped    = "messages_dropped"
	CounterAssistantCalls     = "assistant_calls"
	CounterAssistantFailures  = "assistant_failures"
	CounterEscalationsApplied = "escalations_applied"
	CounterTicketsCreated     = "tickets_created"
	CounterTicketsReopened    = "tickets_reopened"
	CounterDispatchFailures   = "dispatch_failures"
)

// Metrics provides basic in-memory counters.
type Metrics struct {
	mu           sync.Mutex
	requestCount map[string]int64
	errorCount   map[string]int64
	counters     map[string]int64
}

// NewMetrics initializes metrics storage.
func NewMetrics() *Metrics {
	return &Metrics{
		requestCount: make(map[string]int64),
		errorCount:   make(map[string]int64),
		counters:     make(map[string]int64),
	}
}

// RecordRequest increments counters for requests.
func (m *Metrics) RecordRequest(path, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	key := pathKey(path, method, status)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestCount[key]++
}

// RecordError increments error counters.
func (m *Metrics) RecordError(path, method, code string) {
	if m == nil {
		return
	}
	key := path + "|" + method + "|" + code
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorCount[key]++
}

// Inc increments a named pipeline counter by one.
func (m *Metrics) Inc(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name]++
}

// Snapshot returns a copy of all counters for the summary endpoint.
func (m *Metrics) Snapshot() map[string]map[string]int64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]map[string]int64{
		"requests": make(map[string]int64, len(m.requestCount)),
		"errors":   make(map[string]int64, len(m.errorCount)),
		"pipeline": make(map[string]int64, len(m.counters)),
	}
	for k, v := range m.requestCount {
		out["requests"][k] = v
	}
	for k, v := range m.errorCount {
		out["errors"][k] = v
	}
	for k, v := range m.counters {
		out["pipeline"][k] = v
	}
	return out
}

func pathKey(path, method string, status int) string {
	return path + "|" + method + "|" + strconv.Itoa(status)
}
