package logging

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// aggregateKey separates summaries by component, event and the values of
// the attached attributes, so "fallthrough" on out and on err are counted
// apart.
type aggregateKey struct {
	component string
	event     string
	attrs     string
}

type aggregateEntry struct {
	count int64
	total int64
	max   int64
	first time.Time
	attrs []slog.Attr
}

// Aggregator batches high-frequency events and emits one event_summary
// record per key and interval. The dispatch path records here instead of
// logging per write.
type Aggregator struct {
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries map[aggregateKey]*aggregateEntry

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewAggregator creates an aggregator that flushes every intervalSecs seconds.
// If logger is nil, recorded events are silently dropped.
func NewAggregator(logger *slog.Logger, intervalSecs int) *Aggregator {
	if intervalSecs <= 0 {
		intervalSecs = 30
	}
	return &Aggregator{
		logger:   logger,
		interval: time.Duration(intervalSecs) * time.Second,
		now:      time.Now,
		entries:  make(map[aggregateKey]*aggregateEntry),
		done:     make(chan struct{}),
	}
}

// Start begins the background flush goroutine.
func (a *Aggregator) Start() {
	a.wg.Add(1)
	go a.flushLoop()
}

// Stop flushes remaining entries and stops the background goroutine. It is
// safe to call more than once.
func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() { close(a.done) })
	a.wg.Wait()
	a.flush()
}

// Record counts one occurrence of event carrying amount n (bytes, for
// dispatch events).
func (a *Aggregator) Record(component, event string, n int64, attrs ...slog.Attr) {
	key := aggregateKey{component: component, event: event, attrs: attrKey(attrs)}

	a.mu.Lock()
	defer a.mu.Unlock()
	entry, ok := a.entries[key]
	if !ok {
		entry = &aggregateEntry{first: a.now(), attrs: attrs}
		a.entries[key] = entry
	}
	entry.count++
	entry.total += n
	entry.max = max(entry.max, n)
}

func attrKey(attrs []slog.Attr) string {
	if len(attrs) == 0 {
		return ""
	}
	var b strings.Builder
	for _, at := range attrs {
		b.WriteString(at.String())
		b.WriteByte(';')
	}
	return b.String()
}

func (a *Aggregator) flushLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.flush()
		case <-a.done:
			return
		}
	}
}

func (a *Aggregator) flush() {
	a.mu.Lock()
	if len(a.entries) == 0 {
		a.mu.Unlock()
		return
	}
	entries := a.entries
	a.entries = make(map[aggregateKey]*aggregateEntry)
	now := a.now()
	a.mu.Unlock()

	if a.logger == nil {
		return
	}
	for key, e := range entries {
		args := []any{
			slog.String("component", key.component),
			slog.String("event", key.event),
			slog.Int64("count", e.count),
			slog.Int64("total", e.total),
			slog.Int64("max", e.max),
			slog.Duration("span", now.Sub(e.first)),
		}
		for _, at := range e.attrs {
			args = append(args, at)
		}
		a.logger.Info("event_summary", args...)
	}
}
