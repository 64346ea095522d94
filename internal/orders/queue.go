package orders

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/ksred/trading-core/internal/venue"
)

var (
	ErrQueueFull   = errors.New("fill queue full")
	ErrQueueClosed = errors.New("fill queue closed")
)

// FillQueue is a bounded, non-blocking queue between the venue's fill
// subscription and the order service. Workers drain it concurrently;
// per-order serialization happens inside ProcessFill, so two fills for the
// same order never interleave while fills for unrelated orders proceed in
// parallel.
type FillQueue struct {
	ch     chan venue.FillEvent
	closed uint32
	svc    *Service
	wg     sync.WaitGroup
}

// NewFillQueue allocates a queue with the given capacity.
func NewFillQueue(svc *Service, capacity int) *FillQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &FillQueue{
		ch:  make(chan venue.FillEvent, capacity),
		svc: svc,
	}
}

// Submit enqueues a fill event without blocking. Suitable as the venue
// subscription callback.
func (q *FillQueue) Submit(event venue.FillEvent) error {
	if atomic.LoadUint32(&q.closed) != 0 {
		return ErrQueueClosed
	}
	select {
	case q.ch <- event:
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitCallback adapts Submit to the venue subscription signature, logging
// drops instead of returning them.
func (q *FillQueue) SubmitCallback(event venue.FillEvent) {
	if err := q.Submit(event); err != nil {
		log.Error().
			Str("component", "fill_queue").
			Str("venue_fill_id", event.VenueFillID).
			Err(err).
			Msg("fill event dropped, recovery will re-ingest it")
	}
}

// Start launches worker goroutines that consume events until the context is
// done or the queue is closed and drained.
func (q *FillQueue) Start(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case event, ok := <-q.ch:
					if !ok {
						return
					}
					if err := q.svc.ProcessFill(event); err != nil {
						log.Error().
							Str("component", "fill_queue").
							Str("venue_fill_id", event.VenueFillID).
							Err(err).
							Msg("fill processing failed")
					}
				}
			}
		}()
	}
}

// Close stops the queue from accepting new events. Workers finish whatever
// is already queued.
func (q *FillQueue) Close() {
	if atomic.CompareAndSwapUint32(&q.closed, 0, 1) {
		close(q.ch)
	}
}

// Wait blocks until all workers have exited.
func (q *FillQueue) Wait() {
	q.wg.Wait()
}
