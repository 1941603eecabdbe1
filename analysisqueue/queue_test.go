/*
Copyright © 2025 DegenPotato.

Released under MIT license.
*/

package analysisqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/acronis/go-appkit/log/logtest"
	"github.com/stretchr/testify/require"
)

// blockingProcessor records processed keys and lets tests gate the first item.
type blockingProcessor struct {
	mu      sync.Mutex
	keys    []string
	started chan string
	gate    chan struct{}
	errFor  map[string]error
}

func newBlockingProcessor() *blockingProcessor {
	return &blockingProcessor{
		started: make(chan string, 100),
		gate:    make(chan struct{}),
		errFor:  map[string]error{},
	}
}

func (p *blockingProcessor) process(_ context.Context, item Item) error {
	p.started <- item.Key
	if item.Key == "blocker" {
		<-p.gate
	}
	p.mu.Lock()
	p.keys = append(p.keys, item.Key)
	p.mu.Unlock()
	return p.errFor[item.Key]
}

func (p *blockingProcessor) processedKeys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.keys...)
}

func waitIdle(t *testing.T, q *Queue) {
	t.Helper()
	require.Eventually(t, func() bool {
		st := q.Stats()
		return !st.Draining && st.ProcessingKey == ""
	}, 2*time.Second, time.Millisecond)
}

func TestEnqueueWithoutProcessorRejected(t *testing.T) {
	q := New(nil)
	require.False(t, q.Enqueue("wallet-a", nil, 0))
}

func TestPriorityThenFIFOOrder(t *testing.T) {
	q := New(nil)
	p := newBlockingProcessor()
	q.SetProcessor(p.process)

	// The blocker occupies the single processing slot so A, B, C are
	// sorted together on the next dequeue.
	require.True(t, q.Enqueue("blocker", nil, 0))
	<-p.started

	require.True(t, q.Enqueue("A", nil, 0))
	require.True(t, q.Enqueue("B", nil, 5))
	require.True(t, q.Enqueue("C", nil, 5))
	close(p.gate)

	waitIdle(t, q)
	require.Equal(t, []string{"blocker", "B", "C", "A"}, p.processedKeys(),
		"priority desc, FIFO within a band")
}

func TestDedupeWhilePending(t *testing.T) {
	q := New(nil)
	p := newBlockingProcessor()
	q.SetProcessor(p.process)

	require.True(t, q.Enqueue("blocker", nil, 0))
	<-p.started

	require.True(t, q.Enqueue("A", nil, 0))
	require.False(t, q.Enqueue("A", nil, 9), "a pending key must not be enqueued twice")
	require.Equal(t, 1, q.Stats().Pending)

	close(p.gate)
	waitIdle(t, q)
	require.Equal(t, []string{"blocker", "A"}, p.processedKeys())
}

func TestDedupeWhileProcessing(t *testing.T) {
	q := New(nil)
	p := newBlockingProcessor()
	q.SetProcessor(p.process)

	require.True(t, q.Enqueue("blocker", nil, 0))
	<-p.started
	require.Equal(t, "blocker", q.Stats().ProcessingKey)

	require.False(t, q.Enqueue("blocker", nil, 0),
		"the key currently being processed must not be enqueued")

	close(p.gate)
	waitIdle(t, q)
	require.Equal(t, []string{"blocker"}, p.processedKeys())
}

func TestStopDiscardsPendingAndResumeStartsFresh(t *testing.T) {
	q := New(nil)
	p := newBlockingProcessor()
	q.SetProcessor(p.process)

	require.True(t, q.Enqueue("blocker", nil, 0))
	<-p.started

	for _, k := range []string{"w1", "w2", "w3", "w4", "w5"} {
		require.True(t, q.Enqueue(k, nil, 0))
	}
	require.Equal(t, 5, q.Stats().Pending)

	q.Stop()
	require.Equal(t, 0, q.Stats().Pending)
	require.True(t, q.Stats().Stopped)
	require.False(t, q.Enqueue("w6", nil, 0), "stopped queue must reject enqueues")

	// The in-flight item is allowed to finish.
	close(p.gate)
	waitIdle(t, q)
	require.Equal(t, []string{"blocker"}, p.processedKeys())

	// Resume alone does not restart draining.
	q.Resume()
	require.False(t, q.Stats().Draining)

	// A fresh enqueue drains only the new item, never the discarded ones.
	require.True(t, q.Enqueue("w7", nil, 0))
	waitIdle(t, q)
	require.Equal(t, []string{"blocker", "w7"}, p.processedKeys())
}

func TestProcessorErrorLoggedAndDrainContinues(t *testing.T) {
	logRecorder := logtest.NewRecorder()
	q := New(logRecorder)
	p := newBlockingProcessor()
	p.errFor["bad"] = errors.New("analysis blew up")
	q.SetProcessor(p.process)

	require.True(t, q.Enqueue("blocker", nil, 0))
	<-p.started
	require.True(t, q.Enqueue("bad", nil, 5))
	require.True(t, q.Enqueue("good", nil, 0))
	close(p.gate)

	waitIdle(t, q)
	require.Equal(t, []string{"blocker", "bad", "good"}, p.processedKeys(),
		"a processor error must not abort the drain loop")

	st := q.Stats()
	require.Equal(t, int64(2), st.Processed)
	require.Equal(t, int64(1), st.Failed)

	entry, found := logRecorder.FindEntry("analysis failed")
	require.True(t, found)
	field, found := entry.FindField("key")
	require.True(t, found)
	require.Equal(t, "bad", string(field.Bytes))
}

func TestReEnqueueAfterProcessingAllowed(t *testing.T) {
	q := New(nil)
	p := newBlockingProcessor()
	q.SetProcessor(p.process)

	require.True(t, q.Enqueue("A", nil, 0))
	waitIdle(t, q)
	require.True(t, q.Enqueue("A", nil, 0), "a finished key may be analyzed again")
	waitIdle(t, q)
	require.Equal(t, []string{"A", "A"}, p.processedKeys())
}
