/*
Copyright © 2025 DegenPotato.

Released under MIT license.
*/

// Package analysisqueue runs the background wallet-analysis pipeline one item
// at a time. Each analysis issues many rate-limited RPC and market-data
// calls, so parallel analyses would multiply load on every other limiter
// unpredictably; this queue guarantees at most one is in flight.
//
// Ordering is priority-then-FIFO: the pending list is re-sorted on every
// dequeue by priority (descending) with enqueue time as the tie-breaker, so
// a high-priority wallet enqueued late can overtake waiting items but never
// an analysis already running. One live item per identity key: enqueueing a
// wallet already pending or currently being processed is a no-op.
package analysisqueue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/acronis/go-appkit/log"
	"github.com/rs/xid"
)

// Item is one queued analysis request.
type Item struct {
	ID         string // assigned on enqueue, for log correlation
	Key        string // identity key, e.g. the wallet address
	Payload    any
	Priority   int
	EnqueuedAt time.Time
}

// Processor handles one dequeued item. A returned error is logged and the
// drain continues with the next item; it never aborts the loop.
type Processor func(ctx context.Context, item Item) error

// Stats is a read-only snapshot of the queue state.
type Stats struct {
	Pending       int
	ProcessingKey string // empty when idle
	Draining      bool
	Stopped       bool
	Processed     int64
	Failed        int64
}

// Queue is a sequential priority work queue with identity-based dedupe.
type Queue struct {
	logger log.FieldLogger

	mu          sync.Mutex
	processor   Processor
	pending     []Item
	pendingKeys map[string]struct{}
	currentKey  string
	draining    bool
	stopped     bool
	processed   int64
	failed      int64
}

// New creates a Queue. A processor must be registered with SetProcessor
// before anything can be enqueued.
func New(logger log.FieldLogger) *Queue {
	return &Queue{
		logger:      logger,
		pendingKeys: make(map[string]struct{}),
	}
}

// SetProcessor registers the analysis callback. Call it once at startup,
// before the first Enqueue.
func (q *Queue) SetProcessor(p Processor) {
	q.mu.Lock()
	q.processor = p
	q.mu.Unlock()
}

// Enqueue adds an analysis request and starts draining if the queue is idle.
// It reports false without side effects when the queue is stopped, when no
// processor is registered, or when an item with the same key is already
// pending or currently being processed.
func (q *Queue) Enqueue(key string, payload any, priority int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped || q.processor == nil {
		return false
	}
	if _, dup := q.pendingKeys[key]; dup || key == q.currentKey {
		return false
	}
	item := Item{
		ID:         xid.New().String(),
		Key:        key,
		Payload:    payload,
		Priority:   priority,
		EnqueuedAt: time.Now(),
	}
	q.pending = append(q.pending, item)
	q.pendingKeys[key] = struct{}{}
	if !q.draining {
		q.draining = true
		go q.drain()
	}
	return true
}

// Stop discards all pending items and sets the stopped flag. An item already
// being processed is allowed to finish. New enqueues are rejected until
// Resume is called.
func (q *Queue) Stop() {
	q.mu.Lock()
	discarded := len(q.pending)
	q.stopped = true
	q.pending = nil
	q.pendingKeys = make(map[string]struct{})
	q.mu.Unlock()
	if q.logger != nil {
		q.logger.Info("analysis queue stopped",
			log.Int("discarded", discarded))
	}
}

// Resume clears the stopped flag. It does not repopulate or restart
// draining; a fresh drain begins on the next Enqueue.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.stopped = false
	q.mu.Unlock()
}

// Stats returns a snapshot of the queue state.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Pending:       len(q.pending),
		ProcessingKey: q.currentKey,
		Draining:      q.draining,
		Stopped:       q.stopped,
		Processed:     q.processed,
		Failed:        q.failed,
	}
}

func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if q.stopped || len(q.pending) == 0 {
			q.draining = false
			q.mu.Unlock()
			return
		}
		// Re-sort the whole pending list on every dequeue so priorities
		// assigned after enqueue-time still win, FIFO within a band.
		sort.SliceStable(q.pending, func(i, j int) bool {
			if q.pending[i].Priority != q.pending[j].Priority {
				return q.pending[i].Priority > q.pending[j].Priority
			}
			return q.pending[i].EnqueuedAt.Before(q.pending[j].EnqueuedAt)
		})
		item := q.pending[0]
		q.pending = q.pending[1:]
		delete(q.pendingKeys, item.Key)
		q.currentKey = item.Key
		processor := q.processor
		q.mu.Unlock()

		err := processor(context.Background(), item)

		q.mu.Lock()
		q.currentKey = ""
		if err != nil {
			q.failed++
		} else {
			q.processed++
		}
		q.mu.Unlock()

		if err != nil && q.logger != nil {
			q.logger.Error("analysis failed",
				log.String("item_id", item.ID),
				log.String("key", item.Key),
				log.Int("priority", item.Priority),
				log.Error(err))
		}
	}
}
