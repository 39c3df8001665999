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

package common

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/verso-db/verso/errors"
)

// ErrFutureTimeout is returned from Get when the timeout elapses before the
// future completes.
var ErrFutureTimeout = errors.NewVersoError(errors.Unavailable, "timed out waiting for future completion")

// ErrFutureCancelled is returned from Get after Cancel.
var ErrFutureCancelled = errors.NewVersoError(errors.ShutdownError, "future was cancelled")

// CompletionFuture is a completion signal that can be completed exactly once,
// possibly with an error, and waited on with a timeout. It carries the only
// future semantics the ingestion engine needs: Complete, Get(timeout), Cancel
// and IsDone.
type CompletionFuture struct {
	done      chan struct{}
	completed atomic.Bool
	cancelled atomic.Bool
	errLock   sync.Mutex
	err       error
}

func NewCompletionFuture() *CompletionFuture {
	return &CompletionFuture{done: make(chan struct{})}
}

// CompletedFuture returns a future that is already complete with the given
// error (nil for success).
func CompletedFuture(err error) *CompletionFuture {
	f := NewCompletionFuture()
	f.Complete(err)
	return f
}

// Complete completes the future. Completing an already complete future is a
// no-op, so producer callbacks and cancellation can race safely.
func (f *CompletionFuture) Complete(err error) {
	if !f.completed.CompareAndSwap(false, true) {
		return
	}
	f.errLock.Lock()
	f.err = err
	f.errLock.Unlock()
	close(f.done)
}

// Cancel completes the future with ErrFutureCancelled if it has not already
// completed.
func (f *CompletionFuture) Cancel() {
	f.cancelled.Store(true)
	f.Complete(ErrFutureCancelled)
}

func (f *CompletionFuture) IsDone() bool {
	return f.completed.Load()
}

func (f *CompletionFuture) IsCancelled() bool {
	return f.cancelled.Load()
}

// Get waits up to timeout for completion and returns the completion error.
// ErrFutureTimeout is returned if the timeout elapses first.
func (f *CompletionFuture) Get(timeout time.Duration) error {
	select {
	case <-f.done:
		f.errLock.Lock()
		defer f.errLock.Unlock()
		return f.err
	case <-time.After(timeout):
		return ErrFutureTimeout
	}
}
