package journal

import (
	"fmt"
	"sync"
	"time"

	"github.com/glimte/mmate-esb/messaging"
	"github.com/google/uuid"
)

// Entry records one completed exchange
type Entry struct {
	ID         string        `json:"id"`
	Timestamp  time.Time     `json:"timestamp"`
	ExchangeID string        `json:"exchangeId"`
	MessageID  string        `json:"messageId,omitempty"`
	Service    string        `json:"service"`
	Version    string        `json:"version,omitempty"`
	Operation  string        `json:"operation,omitempty"`
	Pattern    string        `json:"pattern"`
	Phase      string        `json:"phase"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Faulted reports whether the exchange ended in a fault
func (e *Entry) Faulted() bool {
	return e.Error != ""
}

// Stats summarizes the journal
type Stats struct {
	TotalEntries     int64            `json:"totalEntries"`
	EntriesByService map[string]int64 `json:"entriesByService"`
	EntriesByPhase   map[string]int64 `json:"entriesByPhase"`
	FaultCount       int64            `json:"faultCount"`
	AverageDuration  time.Duration    `json:"averageDuration"`
	LastEntry        time.Time        `json:"lastEntry"`
}

// Journal keeps a bounded in-memory history of completed exchanges.
// It observes a domain and records each exchange when it reaches DONE.
type Journal struct {
	entries       []*Entry
	byExchangeID  map[string]*Entry
	byService     map[string][]*Entry
	mu            sync.RWMutex
	maxEntries    int
	rotatePercent float64
}

var _ messaging.ExchangeObserver = (*Journal)(nil)

// Option configures the journal
type Option func(*Journal)

// WithMaxEntries sets the maximum number of entries kept
func WithMaxEntries(max int) Option {
	return func(j *Journal) {
		if max > 0 {
			j.maxEntries = max
		}
	}
}

// WithRotatePercent sets the share of oldest entries dropped when full
func WithRotatePercent(percent float64) Option {
	return func(j *Journal) {
		if percent > 0 && percent <= 1 {
			j.rotatePercent = percent
		}
	}
}

// New creates an empty journal
func New(opts ...Option) *Journal {
	j := &Journal{
		byExchangeID:  make(map[string]*Entry),
		byService:     make(map[string][]*Entry),
		maxEntries:    10000,
		rotatePercent: 0.2,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// ExchangeStarted implements messaging.ExchangeObserver
func (j *Journal) ExchangeStarted(ex *messaging.Exchange) {}

// ExchangeCompleted implements messaging.ExchangeObserver
func (j *Journal) ExchangeCompleted(ex *messaging.Exchange) {
	entry := &Entry{
		ExchangeID: ex.ID(),
		Operation:  ex.Operation().Name,
		Pattern:    ex.Pattern().String(),
		Phase:      ex.Phase().String(),
		Duration:   ex.Duration(),
	}
	if svc := ex.Service(); svc != nil {
		entry.Service = svc.Name
		entry.Version = svc.Version
	}
	if msg := ex.Message(); msg != nil {
		entry.MessageID = msg.ID()
		if ex.Phase().IsFault() {
			entry.Error = faultText(msg.Content())
		}
	}
	j.Record(entry)
}

func faultText(content interface{}) string {
	switch c := content.(type) {
	case nil:
		return "fault"
	case error:
		return c.Error()
	case string:
		return c
	default:
		return fmt.Sprint(c)
	}
}

// Record appends entry, dropping the oldest entries when the journal is full
func (j *Journal) Record(entry *Entry) {
	if entry == nil {
		return
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if len(j.entries) >= j.maxEntries {
		j.rotate()
	}
	j.entries = append(j.entries, entry)
	j.index(entry)
}

// ByExchangeID returns the entry of an exchange
func (j *Journal) ByExchangeID(id string) (Entry, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	e, ok := j.byExchangeID[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// ByService returns up to limit of the most recent entries of a service,
// oldest first. A limit of zero returns all of them.
func (j *Journal) ByService(service string, limit int) []Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return copyTail(j.byService[service], limit)
}

// Recent returns up to limit of the most recent entries, oldest first
func (j *Journal) Recent(limit int) []Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return copyTail(j.entries, limit)
}

// ByTimeRange returns entries recorded in [start, end)
func (j *Journal) ByTimeRange(start, end time.Time) []Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var out []Entry
	for _, e := range j.entries {
		if !e.Timestamp.Before(start) && e.Timestamp.Before(end) {
			out = append(out, *e)
		}
	}
	return out
}

func copyTail(entries []*Entry, limit int) []Entry {
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]Entry, len(entries))
	for i, e := range entries {
		out[i] = *e
	}
	return out
}

// Stats summarizes the recorded entries
func (j *Journal) Stats() Stats {
	j.mu.RLock()
	defer j.mu.RUnlock()

	stats := Stats{
		TotalEntries:     int64(len(j.entries)),
		EntriesByService: make(map[string]int64),
		EntriesByPhase:   make(map[string]int64),
	}

	var total time.Duration
	for _, e := range j.entries {
		stats.EntriesByService[e.Service]++
		stats.EntriesByPhase[e.Phase]++
		if e.Faulted() {
			stats.FaultCount++
		}
		total += e.Duration
		if e.Timestamp.After(stats.LastEntry) {
			stats.LastEntry = e.Timestamp
		}
	}
	if len(j.entries) > 0 {
		stats.AverageDuration = total / time.Duration(len(j.entries))
	}
	return stats
}

// Clear removes entries older than olderThan and returns how many were removed
func (j *Journal) Clear(olderThan time.Duration) int {
	j.mu.Lock()
	defer j.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	kept := make([]*Entry, 0, len(j.entries))
	for _, e := range j.entries {
		if e.Timestamp.After(cutoff) {
			kept = append(kept, e)
		}
	}
	removed := len(j.entries) - len(kept)
	j.entries = kept
	j.rebuildIndexes()
	return removed
}

// Len returns the number of entries
func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.entries)
}

func (j *Journal) rotate() {
	n := int(float64(j.maxEntries) * j.rotatePercent)
	if n < 1 {
		n = 1
	}
	if n > len(j.entries) {
		n = len(j.entries)
	}
	j.entries = append([]*Entry(nil), j.entries[n:]...)
	j.rebuildIndexes()
}

func (j *Journal) index(e *Entry) {
	if e.ExchangeID != "" {
		j.byExchangeID[e.ExchangeID] = e
	}
	if e.Service != "" {
		j.byService[e.Service] = append(j.byService[e.Service], e)
	}
}

func (j *Journal) rebuildIndexes() {
	j.byExchangeID = make(map[string]*Entry)
	j.byService = make(map[string][]*Entry)
	for _, e := range j.entries {
		j.index(e)
	}
}
