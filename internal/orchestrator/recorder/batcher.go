// Package recorder batches fire records into the history database.
package recorder

import (
	"context"
	"sync"
	"time"

	"github.com/GriffinCanCode/quietrefresh/internal/history"
	"github.com/GriffinCanCode/quietrefresh/internal/trace"
)

// Batcher defaults
const (
	DefaultMaxSize    = 20
	DefaultFlushDelay = 2 * time.Second
)

// Store persists a batch of records.
type Store interface {
	CreateBatch(recs []*history.FireRecord) error
}

// Batcher accumulates fire records and writes them in batches so a burst of
// refreshes costs a single transaction.
type Batcher struct {
	store      Store
	maxSize    int
	flushDelay time.Duration
	mu         sync.Mutex
	items      []*history.FireRecord
	timer      *time.Timer
	stopped    bool
	wg         sync.WaitGroup
}

// NewBatcher creates a batcher writing to store.
func NewBatcher(store Store, maxSize int, flushDelay time.Duration) *Batcher {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if flushDelay <= 0 {
		flushDelay = DefaultFlushDelay
	}
	return &Batcher{
		store:      store,
		maxSize:    maxSize,
		flushDelay: flushDelay,
		items:      make([]*history.FireRecord, 0, maxSize),
	}
}

// Add queues rec. Records added after Stop are dropped.
func (b *Batcher) Add(rec *history.FireRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}

	b.items = append(b.items, rec)
	if len(b.items) >= b.maxSize {
		b.flushLocked()
		return
	}

	if b.timer == nil {
		b.timer = time.AfterFunc(b.flushDelay, b.timerFlush)
	} else {
		b.timer.Reset(b.flushDelay)
	}
}

func (b *Batcher) timerFlush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked()
}

func (b *Batcher) flushLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.items) == 0 {
		return
	}
	items := b.items
	b.items = make([]*history.FireRecord, 0, b.maxSize)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ctx, span := trace.StartSpan(context.Background(), "history_batch_flush")
		defer span.End()
		span.SetAttr("count", len(items))

		log := trace.Logger(ctx)
		if err := b.store.CreateBatch(items); err != nil {
			span.SetAttr("error", err.Error())
			log.Warn("history batch store failed", "error", err, "count", len(items))
			return
		}
		log.Debug("history batch stored", "count", len(items))
	}()
}

// Pending returns the number of queued records.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Flush writes queued records now.
func (b *Batcher) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked()
}

// Stop flushes remaining records and waits for in-flight writes.
func (b *Batcher) Stop() {
	b.mu.Lock()
	b.stopped = true
	b.flushLocked()
	b.mu.Unlock()
	b.wg.Wait()
}
