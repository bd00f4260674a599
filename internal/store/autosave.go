package store

import (
	"context"
	"sync"
	"time"

	"github.com/daykeep/daykeep/internal/observability"
	"github.com/daykeep/daykeep/internal/record"
)

// Autosaver periodically flushes dirty collections to the store, the
// background-save driver the application runs on a timer.
type Autosaver struct {
	store    Store
	log      *observability.Logger
	interval time.Duration

	mu    sync.Mutex
	dirty map[string][]record.Record

	stop chan struct{}
	done chan struct{}
}

// NewAutosaver creates a stopped autosaver flushing every interval.
func NewAutosaver(s Store, interval time.Duration, log *observability.Logger) *Autosaver {
	if log == nil {
		log = observability.NewLogger("autosave", nil)
	}
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	return &Autosaver{
		store:    s,
		log:      log,
		interval: interval,
		dirty:    map[string][]record.Record{},
	}
}

// Mark queues an entity's current collection for the next flush. Later
// marks for the same entity replace earlier ones.
func (a *Autosaver) Mark(entity string, records []record.Record) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dirty[entity] = records
}

// Start launches the flush loop.
func (a *Autosaver) Start() {
	a.stop = make(chan struct{})
	a.done = make(chan struct{})
	go func() {
		defer close(a.done)
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.Flush(context.Background())
			case <-a.stop:
				return
			}
		}
	}()
}

// Stop halts the loop and flushes anything still pending.
func (a *Autosaver) Stop() {
	if a.stop == nil {
		return
	}
	close(a.stop)
	<-a.done
	a.Flush(context.Background())
}

// Flush saves every dirty collection. A collection that fails validation is
// dropped from the queue and logged; autosave must not wedge on bad data.
func (a *Autosaver) Flush(ctx context.Context) {
	a.mu.Lock()
	pending := a.dirty
	a.dirty = map[string][]record.Record{}
	a.mu.Unlock()

	for entity, records := range pending {
		if err := a.store.Save(ctx, entity, records, true); err != nil {
			a.log.Warn("autosave failed", "entity", entity, "err", err)
		}
	}
}
