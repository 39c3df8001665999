package drainer

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/verso-db/verso/testutils"
)

func TestPerPartitionFIFO(t *testing.T) {
	pool := NewPool(4, 1024*1024, 1024, nil)
	defer pool.Stop()

	const perPartition = 200
	var lock sync.Mutex
	applied := map[int32][]int{}

	for i := 0; i < perPartition; i++ {
		for partition := int32(0); partition < 8; partition++ {
			partition := partition
			i := i
			err := pool.Submit(Entry{Partition: partition, Size: 10, Apply: func() error {
				lock.Lock()
				applied[partition] = append(applied[partition], i)
				lock.Unlock()
				return nil
			}})
			require.NoError(t, err)
		}
	}
	for partition := int32(0); partition < 8; partition++ {
		require.NoError(t, pool.WaitForDrain(partition, 10*time.Second))
	}
	lock.Lock()
	defer lock.Unlock()
	for partition := int32(0); partition < 8; partition++ {
		require.Len(t, applied[partition], perPartition)
		for i, v := range applied[partition] {
			require.Equal(t, i, v)
		}
	}
}

func TestMemoryBoundBlocksProducer(t *testing.T) {
	// Single queue with tiny capacity; the drainer is blocked so puts must
	// block once the budget is used.
	release := make(chan struct{})
	pool := NewPool(1, 100, 10, nil)
	defer pool.Stop()

	require.NoError(t, pool.Submit(Entry{Partition: 0, Size: 90, Apply: func() error {
		<-release
		return nil
	}}))
	require.NoError(t, pool.Submit(Entry{Partition: 0, Size: 90, Apply: func() error { return nil }}))

	var blockedDone atomic.Bool
	go func() {
		_ = pool.Submit(Entry{Partition: 0, Size: 50, Apply: func() error { return nil }})
		blockedDone.Store(true)
	}()
	time.Sleep(50 * time.Millisecond)
	require.False(t, blockedDone.Load())

	close(release)
	// WaitForDrain only covers entries queued before the call, so wait for the
	// blocked put to be admitted first.
	testutils.WaitUntil(t, func() (bool, error) { return blockedDone.Load(), nil })
	require.NoError(t, pool.WaitForDrain(0, 5*time.Second))
	require.True(t, blockedDone.Load())
}

func TestOversizedEntryAdmittedWhenEmpty(t *testing.T) {
	pool := NewPool(1, 100, 10, nil)
	defer pool.Stop()

	var applied atomic.Bool
	require.NoError(t, pool.Submit(Entry{Partition: 0, Size: 10_000, Apply: func() error {
		applied.Store(true)
		return nil
	}}))
	require.NoError(t, pool.WaitForDrain(0, 5*time.Second))
	require.True(t, applied.Load())
}

func TestErrorSinkReceivesFailures(t *testing.T) {
	var failedPartition atomic.Int32
	var failures atomic.Int32
	pool := NewPool(2, 1024, 128, func(partition int32, err error) {
		failedPartition.Store(partition)
		failures.Add(1)
	})
	defer pool.Stop()

	require.NoError(t, pool.Submit(Entry{Partition: 5, Size: 1, Apply: func() error {
		return errTest
	}}))
	require.NoError(t, pool.WaitForDrain(5, 5*time.Second))
	require.Equal(t, int32(1), failures.Load())
	require.Equal(t, int32(5), failedPartition.Load())
}

var errTest = errors.New("apply failed")
