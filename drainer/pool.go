package drainer

import (
	"sync"
	"time"

	"github.com/verso-db/verso/common"
	log "github.com/verso-db/verso/logger"
)

// ErrorSink receives drainer failures. The owning ingestion task stages the
// error and surfaces it on its next loop iteration.
type ErrorSink func(partition int32, err error)

// Pool is a small set of drainer workers, each owning one bounded queue.
// Partitions map to queues by id, so records of one partition are applied in
// FIFO order by a single worker. Each ingestion task creates its own pool and
// stops it on close; a pool reports errors to a single ErrorSink and is not
// shared between tasks.
type Pool struct {
	queues    []*boundedQueue
	errorSink ErrorSink
	stopWg    sync.WaitGroup
	stopOnce  sync.Once
}

// NewPool creates numWriters workers. The memory capacity and notify delta
// are split evenly between their queues.
func NewPool(numWriters int, memoryCapacity int64, notifyDelta int64, errorSink ErrorSink) *Pool {
	p := &Pool{errorSink: errorSink}
	perQueueCapacity := memoryCapacity / int64(numWriters)
	perQueueDelta := notifyDelta / int64(numWriters)
	if perQueueDelta < 1 {
		perQueueDelta = 1
	}
	for i := 0; i < numWriters; i++ {
		queue := newBoundedQueue(perQueueCapacity, perQueueDelta)
		p.queues = append(p.queues, queue)
		p.stopWg.Add(1)
		common.Go(func() {
			defer p.stopWg.Done()
			p.runDrainer(queue)
		})
	}
	return p
}

func (p *Pool) queueFor(partition int32) *boundedQueue {
	idx := int(partition) % len(p.queues)
	if idx < 0 {
		idx += len(p.queues)
	}
	return p.queues[idx]
}

// Submit blocks until the entry is admitted to the partition's queue.
func (p *Pool) Submit(entry Entry) error {
	return p.queueFor(entry.Partition).put(entry)
}

// Barrier enqueues a marker behind everything queued for the partition and
// returns a future completing once all of it has been applied.
func (p *Pool) Barrier(partition int32) *common.CompletionFuture {
	fut := common.NewCompletionFuture()
	err := p.Submit(Entry{Partition: partition, Apply: func() error {
		fut.Complete(nil)
		return nil
	}})
	if err != nil {
		fut.Complete(err)
	}
	return fut
}

// WaitForDrain waits until every entry queued for the partition before the
// call has been applied.
func (p *Pool) WaitForDrain(partition int32, timeout time.Duration) error {
	return p.Barrier(partition).Get(timeout)
}

// UsedBytes reports the accounted bytes currently queued, per queue.
func (p *Pool) UsedBytes() []int64 {
	used := make([]int64, len(p.queues))
	for i, q := range p.queues {
		used[i] = q.usedBytes()
	}
	return used
}

func (p *Pool) runDrainer(queue *boundedQueue) {
	for {
		entry, ok := queue.pop()
		if !ok {
			return
		}
		if entry.Apply == nil {
			continue
		}
		if err := entry.Apply(); err != nil {
			log.Errorf("drainer failed to apply record for partition %d: %v", entry.Partition, err)
			if p.errorSink != nil {
				p.errorSink(entry.Partition, err)
			}
		}
	}
}

// Stop closes the queues and waits for the workers to finish applying the
// backlog and exit.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		for _, q := range p.queues {
			q.close()
		}
	})
	p.stopWg.Wait()
}
