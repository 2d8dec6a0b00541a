// Package usage aggregates token and cost accounting for repair calls.
package usage

import "sync"

// Record captures the cost of one successful repair call. Records are
// write-once; aggregation sums them but never mutates one after the fact.
type Record struct {
	Provider         string  `json:"provider"`
	Model            string  `json:"model"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	Cost             float64 `json:"cost_usd"`
	DurationMS       int64   `json:"duration_ms"`
}

// Totals holds summed counters for one aggregation dimension.
type Totals struct {
	Calls            int     `json:"calls"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	Cost             float64 `json:"cost_usd"`
}

func (t *Totals) add(r Record) {
	t.Calls++
	t.PromptTokens += int64(r.PromptTokens)
	t.CompletionTokens += int64(r.CompletionTokens)
	t.TotalTokens += int64(r.TotalTokens)
	t.Cost += r.Cost
}

// Snapshot is a point-in-time copy of the aggregate.
type Snapshot struct {
	Total      Totals            `json:"total"`
	ByProvider map[string]Totals `json:"by_provider"`
	ByModel    map[string]Totals `json:"by_model"`
}

// Sink receives usage records. Implementations must not block the caller.
type Sink interface {
	Record(Record)
}

// Collector is the single accumulation point for usage across all diagram
// instances in the process. It accepts additive updates concurrently.
type Collector struct {
	mu         sync.Mutex
	total      Totals
	byProvider map[string]Totals
	byModel    map[string]Totals
	observers  []func(Snapshot)
}

func NewCollector() *Collector {
	return &Collector{
		byProvider: make(map[string]Totals),
		byModel:    make(map[string]Totals),
	}
}

// Record adds rec to the aggregate. Observers are notified on a separate
// goroutine so a slow observer never blocks the recording path.
func (c *Collector) Record(rec Record) {
	c.mu.Lock()
	c.total.add(rec)
	tp := c.byProvider[rec.Provider]
	tp.add(rec)
	c.byProvider[rec.Provider] = tp
	tm := c.byModel[rec.Model]
	tm.add(rec)
	c.byModel[rec.Model] = tm
	snap := c.snapshotLocked()
	observers := c.observers
	c.mu.Unlock()

	for _, fn := range observers {
		go fn(snap)
	}
}

// Notify registers an observer called with a snapshot after every record.
func (c *Collector) Notify(fn func(Snapshot)) {
	c.mu.Lock()
	c.observers = append(c.observers, fn)
	c.mu.Unlock()
}

func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Collector) snapshotLocked() Snapshot {
	s := Snapshot{
		Total:      c.total,
		ByProvider: make(map[string]Totals, len(c.byProvider)),
		ByModel:    make(map[string]Totals, len(c.byModel)),
	}
	for k, v := range c.byProvider {
		s.ByProvider[k] = v
	}
	for k, v := range c.byModel {
		s.ByModel[k] = v
	}
	return s
}
