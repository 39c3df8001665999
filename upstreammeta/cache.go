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

package upstreammeta

import (
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/verso-db/verso/upstream"
)

type cacheKey struct {
	url       string
	topic     string
	partition int32
	// ts is 0 for end-offset entries
	ts int64
}

// Entries are immutable once stored. Writers racing to refresh may both hit
// the upstream - last write wins.
type entry struct {
	value     int64
	found     bool
	fetchedAt time.Time
}

// Cache is a TTL cache over upstream end-offset and offset-for-timestamp
// lookups, shared by readiness checks and lag accounting across clusters.
type Cache struct {
	consumer   upstream.Consumer
	ttl        time.Duration
	endOffsets *xsync.MapOf[cacheKey, entry]
	tsOffsets  *xsync.MapOf[cacheKey, entry]
}

func NewCache(consumer upstream.Consumer, ttl time.Duration) *Cache {
	return &Cache{
		consumer:   consumer,
		ttl:        ttl,
		endOffsets: xsync.NewMapOf[cacheKey, entry](),
		tsOffsets:  xsync.NewMapOf[cacheKey, entry](),
	}
}

func (c *Cache) EndOffset(url string, topic string, partition int32) (int64, error) {
	key := cacheKey{url: url, topic: topic, partition: partition}
	if e, exists := c.endOffsets.Load(key); exists && time.Since(e.fetchedAt) < c.ttl {
		return e.value, nil
	}
	value, err := c.consumer.EndOffset(url, topic, partition)
	if err != nil {
		// Serve a stale entry rather than failing the caller when the
		// upstream is briefly unreachable
		if e, exists := c.endOffsets.Load(key); exists {
			return e.value, nil
		}
		return 0, err
	}
	c.endOffsets.Store(key, entry{value: value, fetchedAt: time.Now()})
	return value, nil
}

func (c *Cache) OffsetForTimestamp(url string, topic string, partition int32, ts int64) (int64, bool, error) {
	key := cacheKey{url: url, topic: topic, partition: partition, ts: ts}
	if e, exists := c.tsOffsets.Load(key); exists && time.Since(e.fetchedAt) < c.ttl {
		return e.value, e.found, nil
	}
	value, found, err := c.consumer.OffsetForTimestamp(url, topic, partition, ts)
	if err != nil {
		if e, exists := c.tsOffsets.Load(key); exists {
			return e.value, e.found, nil
		}
		return 0, false, err
	}
	c.tsOffsets.Store(key, entry{value: value, found: found, fetchedAt: time.Now()})
	return value, found, nil
}

// Invalidate drops all cached entries for a topic partition across clusters.
func (c *Cache) Invalidate(topic string, partition int32) {
	drop := func(m *xsync.MapOf[cacheKey, entry]) {
		m.Range(func(key cacheKey, _ entry) bool {
			if key.topic == topic && key.partition == partition {
				m.Delete(key)
			}
			return true
		})
	}
	drop(c.endOffsets)
	drop(c.tsOffsets)
}
