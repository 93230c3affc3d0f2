// service/queue.go
package service

import (
	"context"
	"errors"
	"sync"

	"votecommit/models"
)

var ErrQueueFull = errors.New("seal queue is full")

var ErrQueueStopped = errors.New("seal queue is stopped")

// SealRequest is one ballot waiting to be sealed.
type SealRequest struct {
	UserID   string
	Ballot   models.Ballot
	Election models.ElectionContext
	Payment  *models.PaymentSummary
}

// SealResult carries the outcome of one queued request. Index is the
// position of the request in its batch.
type SealResult struct {
	Index      int
	Commitment *models.VoteCommitment
	Receipt    *models.Receipt
	Err        error
}

type queuedSeal struct {
	ctx      context.Context
	index    int
	request  SealRequest
	resultCh chan<- SealResult
}

// SealQueue seals ballots on a fixed pool of workers so bulk imports do not
// run unbounded concurrent builds.
type SealQueue struct {
	commitments *CommitmentService
	sealCh      chan *queuedSeal
	shutdownCh  chan struct{}
	processing  sync.WaitGroup
	stopOnce    sync.Once

	// mu orders sends against Stop: a send happens under the read lock and
	// only while stopped is false, so Stop's drain sees every accepted job.
	mu      sync.RWMutex
	stopped bool
}

func NewSealQueue(commitments *CommitmentService, workers, queueSize int) *SealQueue {
	if workers <= 0 {
		workers = 1
	}

	q := &SealQueue{
		commitments: commitments,
		sealCh:      make(chan *queuedSeal, queueSize),
		shutdownCh:  make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		q.processing.Add(1)
		go q.worker()
	}
	return q
}

// Stop waits for in-flight seals and drops anything still queued. Dropped
// requests, and any queued after Stop, receive ErrQueueStopped.
func (q *SealQueue) Stop() {
	q.stopOnce.Do(func() {
		q.mu.Lock()
		q.stopped = true
		q.mu.Unlock()

		close(q.shutdownCh)
		q.processing.Wait()

		for {
			select {
			case job := <-q.sealCh:
				job.resultCh <- SealResult{Index: job.index, Err: ErrQueueStopped}
				close(job.resultCh)
			default:
				return
			}
		}
	})
}

// Queue adds a request without blocking. A full queue answers immediately
// with ErrQueueFull.
func (q *SealQueue) Queue(ctx context.Context, req SealRequest) <-chan SealResult {
	return q.queue(ctx, 0, req)
}

func (q *SealQueue) queue(ctx context.Context, index int, req SealRequest) <-chan SealResult {
	resultCh := make(chan SealResult, 1)

	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.stopped {
		resultCh <- SealResult{Index: index, Err: ErrQueueStopped}
		close(resultCh)
		return resultCh
	}

	select {
	case q.sealCh <- &queuedSeal{ctx: ctx, index: index, request: req, resultCh: resultCh}:
	default:
		q.commitments.logger.Warnf("Seal queue is full, request for user %s rejected", req.UserID)
		resultCh <- SealResult{Index: index, Err: ErrQueueFull}
		close(resultCh)
	}
	return resultCh
}

// SealBatch queues every request and waits for all results, returned in
// request order. Requests are fed as workers free up, so a batch larger
// than the queue never sees ErrQueueFull.
func (q *SealQueue) SealBatch(ctx context.Context, requests []SealRequest) []SealResult {
	results := make([]SealResult, len(requests))
	pending := make([]<-chan SealResult, len(requests))

	for i, req := range requests {
		resultCh, err := q.feed(ctx, i, req)
		if err != nil {
			results[i] = SealResult{Index: i, Err: err}
			continue
		}
		pending[i] = resultCh
	}

	for i, ch := range pending {
		if ch != nil {
			results[i] = <-ch
		}
	}
	return results
}

// feed blocks until a worker has room for the job. Workers keep draining
// while a feed holds the read lock, since Stop closes shutdownCh only after
// taking the write lock.
func (q *SealQueue) feed(ctx context.Context, index int, req SealRequest) (<-chan SealResult, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.stopped {
		return nil, ErrQueueStopped
	}

	resultCh := make(chan SealResult, 1)
	select {
	case q.sealCh <- &queuedSeal{ctx: ctx, index: index, request: req, resultCh: resultCh}:
		return resultCh, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *SealQueue) worker() {
	defer q.processing.Done()

	for {
		select {
		case <-q.shutdownCh:
			return
		case job := <-q.sealCh:
			result := SealResult{Index: job.index}
			if err := job.ctx.Err(); err != nil {
				result.Err = err
			} else {
				req := job.request
				result.Commitment, result.Receipt, result.Err = q.commitments.BuildWithPayment(job.ctx, req.UserID, req.Ballot, req.Election, req.Payment)
			}
			job.resultCh <- result
			close(job.resultCh)
		}
	}
}
