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

package upstream

import (
	"time"

	"github.com/verso-db/verso/pubsub"
)

// Consumer is the upstream log client driven by a single ingestion thread.
// Subscriptions are keyed by (topic, partition); the url names the cluster a
// subscription or metadata lookup targets.
type Consumer interface {
	Subscribe(url string, topic string, partition int32, offset int64) error

	Unsubscribe(topic string, partition int32) error

	// Poll returns the next batch of records across all subscriptions,
	// blocking up to timeout when nothing is available.
	Poll(timeout time.Duration) ([]*pubsub.Record, error)

	// EndOffset returns the offset one past the last record in the partition.
	EndOffset(url string, topic string, partition int32) (int64, error)

	// OffsetForTimestamp returns the earliest offset whose record timestamp
	// is >= ts. ok is false when the partition holds no such record.
	OffsetForTimestamp(url string, topic string, partition int32, ts int64) (offset int64, ok bool, err error)

	// OffsetLag returns the lag for a subscription, ok false when the
	// subscription does not exist or lag is not yet known.
	OffsetLag(topic string, partition int32) (lag int64, ok bool)

	Close() error
}

// ConsumerFactory creates a Consumer per ingestion task.
type ConsumerFactory func() (Consumer, error)
