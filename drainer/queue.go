// Copyright 2025 The Verso Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package drainer

import (
	"sync"

	"github.com/verso-db/verso/errors"
)

// Entry is one unit of work for a drainer: apply a record for a partition.
type Entry struct {
	Partition int32
	Size      int64
	Apply     func() error
}

// boundedQueue is a memory-accounted FIFO. Puts block while the accounted
// bytes are at capacity; draining only wakes blocked producers once at least
// notifyDelta bytes have been freed, so a stream of small records cannot
// starve a large one.
type boundedQueue struct {
	lock        sync.Mutex
	notFull     *sync.Cond
	notEmpty    *sync.Cond
	entries     []Entry
	used        int64
	freed       int64
	capacity    int64
	notifyDelta int64
	closed      bool
}

func newBoundedQueue(capacity int64, notifyDelta int64) *boundedQueue {
	q := &boundedQueue{capacity: capacity, notifyDelta: notifyDelta}
	q.notFull = sync.NewCond(&q.lock)
	q.notEmpty = sync.NewCond(&q.lock)
	return q
}

// put blocks until there is room. An entry is always admitted when the queue
// is empty, so a record larger than the capacity can still pass through.
func (q *boundedQueue) put(entry Entry) error {
	q.lock.Lock()
	defer q.lock.Unlock()
	for !q.closed && len(q.entries) > 0 && q.used+entry.Size > q.capacity {
		q.notFull.Wait()
	}
	if q.closed {
		return errors.NewVersoError(errors.ShutdownError, "drainer queue is closed")
	}
	q.entries = append(q.entries, entry)
	q.used += entry.Size
	q.notEmpty.Signal()
	return nil
}

// pop blocks until an entry is available or the queue closes.
func (q *boundedQueue) pop() (Entry, bool) {
	q.lock.Lock()
	defer q.lock.Unlock()
	for !q.closed && len(q.entries) == 0 {
		q.notEmpty.Wait()
	}
	if len(q.entries) == 0 {
		return Entry{}, false
	}
	entry := q.entries[0]
	q.entries = q.entries[1:]
	q.used -= entry.Size
	q.freed += entry.Size
	if q.freed >= q.notifyDelta || len(q.entries) == 0 {
		q.freed = 0
		q.notFull.Broadcast()
	}
	return entry, true
}

func (q *boundedQueue) usedBytes() int64 {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.used
}

func (q *boundedQueue) close() {
	q.lock.Lock()
	defer q.lock.Unlock()
	q.closed = true
	q.notFull.Broadcast()
	q.notEmpty.Broadcast()
}
