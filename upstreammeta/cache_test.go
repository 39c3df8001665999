package upstreammeta

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/verso-db/verso/pubsub"
)

// countingConsumer stubs the metadata lookups and counts upstream calls.
type countingConsumer struct {
	lock           sync.Mutex
	endOffsetCalls int
	tsCalls        int
	endOffset      int64
	tsOffset       int64
	tsFound        bool
}

func (c *countingConsumer) Subscribe(string, string, int32, int64) error { return nil }
func (c *countingConsumer) Unsubscribe(string, int32) error              { return nil }
func (c *countingConsumer) Poll(time.Duration) ([]*pubsub.Record, error) { return nil, nil }
func (c *countingConsumer) OffsetLag(string, int32) (int64, bool)        { return 0, false }
func (c *countingConsumer) Close() error                                 { return nil }

func (c *countingConsumer) EndOffset(string, string, int32) (int64, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.endOffsetCalls++
	return c.endOffset, nil
}

func (c *countingConsumer) OffsetForTimestamp(string, string, int32, int64) (int64, bool, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.tsCalls++
	return c.tsOffset, c.tsFound, nil
}

func TestEndOffsetCachedWithinTTL(t *testing.T) {
	consumer := &countingConsumer{endOffset: 100}
	cache := NewCache(consumer, time.Hour)

	for i := 0; i < 10; i++ {
		end, err := cache.EndOffset("url-1", "topic", 0)
		require.NoError(t, err)
		require.Equal(t, int64(100), end)
	}
	require.Equal(t, 1, consumer.endOffsetCalls)

	// A different cluster is a different entry
	_, err := cache.EndOffset("url-2", "topic", 0)
	require.NoError(t, err)
	require.Equal(t, 2, consumer.endOffsetCalls)
}

func TestEndOffsetRefreshedAfterTTL(t *testing.T) {
	consumer := &countingConsumer{endOffset: 100}
	cache := NewCache(consumer, time.Millisecond)

	_, err := cache.EndOffset("url-1", "topic", 0)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	consumer.endOffset = 200
	end, err := cache.EndOffset("url-1", "topic", 0)
	require.NoError(t, err)
	require.Equal(t, int64(200), end)
	require.Equal(t, 2, consumer.endOffsetCalls)
}

func TestOffsetForTimestampCachesAbsence(t *testing.T) {
	consumer := &countingConsumer{tsOffset: 0, tsFound: false}
	cache := NewCache(consumer, time.Hour)

	_, found, err := cache.OffsetForTimestamp("url-1", "topic", 0, 123)
	require.NoError(t, err)
	require.False(t, found)
	_, found, err = cache.OffsetForTimestamp("url-1", "topic", 0, 123)
	require.NoError(t, err)
	require.False(t, found)
	require.Equal(t, 1, consumer.tsCalls)
}

func TestInvalidateDropsTopicPartition(t *testing.T) {
	consumer := &countingConsumer{endOffset: 100}
	cache := NewCache(consumer, time.Hour)

	_, err := cache.EndOffset("url-1", "topic", 0)
	require.NoError(t, err)
	cache.Invalidate("topic", 0)
	_, err = cache.EndOffset("url-1", "topic", 0)
	require.NoError(t, err)
	require.Equal(t, 2, consumer.endOffsetCalls)
}
