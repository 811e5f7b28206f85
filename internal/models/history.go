package models

import "sync"

// maxAdjustment bounds the learned score adjustment in either direction.
const maxAdjustment = 10.0

type historyKey struct {
	model     string
	operation string
}

type outcome struct {
	successes int
	total     int
}

// History tracks per (model, operation) outcomes for the selector's learned
// adjustment. Safe for concurrent use.
type History struct {
	mu    sync.RWMutex
	stats map[historyKey]outcome
}

// NewHistory creates an empty History.
func NewHistory() *History {
	return &History{stats: make(map[historyKey]outcome)}
}

// Record adds one call outcome.
func (h *History) Record(model, operation string, success bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	k := historyKey{model, operation}
	o := h.stats[k]
	o.total++
	if success {
		o.successes++
	}
	h.stats[k] = o
}

// SuccessRate returns the Laplace-smoothed success rate; 0.5 with no data.
func (h *History) SuccessRate(model, operation string) float64 {
	if h == nil {
		return 0.5
	}
	h.mu.RLock()
	o := h.stats[historyKey{model, operation}]
	h.mu.RUnlock()
	return float64(o.successes+1) / float64(o.total+2)
}

// Calls returns how many outcomes were recorded for the pair.
func (h *History) Calls(model, operation string) int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.stats[historyKey{model, operation}].total
}

// Adjustment maps the success rate onto [-10, +10] score points.
func (h *History) Adjustment(model, operation string) float64 {
	return (h.SuccessRate(model, operation) - 0.5) * 2 * maxAdjustment
}
