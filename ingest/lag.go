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

package ingest

import (
	log "github.com/verso-db/verso/logger"
)

// reportReadiness runs once per loop iteration: it releases the base-topic
// catch-up latch and advertises partitions whose lag is within budget.
func (t *IngestionTask) reportReadiness() {
	t.pcsMap.Range(func(partition int32, pcs *PartitionConsumptionState) bool {
		if pcs.ErrorReported {
			return true
		}
		t.reportIfCatchUpBaseTopicOffset(pcs)
		if pcs.Complete {
			return true
		}
		ready, err := t.isReadyToServe(pcs)
		if err != nil {
			log.Debugf("readiness check failed for %s-%d: %v", t.versionTopic, partition, err)
			return true
		}
		if ready {
			pcs.Complete = true
			log.Infof("%s-%d is ready to serve", t.versionTopic, partition)
			if t.params.Reporter != nil {
				t.params.Reporter.ReportReadyToServe(partition)
			}
		}
		return true
	})
}

// reportIfCatchUpBaseTopicOffset fires once per partition when the version
// topic base is caught up, releasing the optional rebalance latch.
func (t *IngestionTask) reportIfCatchUpBaseTopicOffset(pcs *PartitionConsumptionState) {
	if pcs.LatchReleased || !pcs.EndOfPushReceived() {
		return
	}
	end, err := t.umc.EndOffset(t.cfg.LocalUpstreamURL, t.versionTopic, pcs.Partition)
	if err != nil {
		return
	}
	if pcs.LocalVersionTopicOffset() >= end-1 {
		pcs.LatchReleased = true
		t.stats.CatchUpBaseTopic.Inc()
		if t.params.Reporter != nil {
			t.params.Reporter.ReportCatchUpBaseTopicOffsetLag(pcs.Partition)
		}
	}
}

// isReadyToServe implements the readiness rule: batch partitions are ready
// when the version topic is fully applied; hybrid partitions after end of
// push when their replication lag is within the configured budget.
func (t *IngestionTask) isReadyToServe(pcs *PartitionConsumptionState) (bool, error) {
	if !pcs.EndOfPushReceived() {
		return false, nil
	}
	if !pcs.IsHybrid {
		end, err := t.umc.EndOffset(t.cfg.LocalUpstreamURL, t.versionTopic, pcs.Partition)
		if err != nil {
			return false, err
		}
		return pcs.LocalVersionTopicOffset() >= end-1, nil
	}
	lag, err := t.partitionLag(pcs)
	if err != nil {
		return false, err
	}
	return lag <= t.cfg.ReadyToServeLagThreshold, nil
}

// partitionLag measures hybrid replication lag: leaders against their leader
// topic, followers against the version topic.
func (t *IngestionTask) partitionLag(pcs *PartitionConsumptionState) (int64, error) {
	if pcs.Role() == StateLeader {
		leaderTopic := pcs.LeaderTopic()
		url, _ := t.consumptionSourceURL(pcs, leaderTopic)
		end, err := t.umc.EndOffset(url, leaderTopic, pcs.Partition)
		if err != nil {
			return 0, err
		}
		var consumed int64
		if leaderTopic == t.versionTopic && !pcs.ConsumeRemotely {
			consumed = pcs.LocalVersionTopicOffset()
		} else {
			consumed = pcs.UpstreamOffset()
		}
		return clampLag(end - (consumed + 1)), nil
	}
	end, err := t.umc.EndOffset(t.cfg.LocalUpstreamURL, t.versionTopic, pcs.Partition)
	if err != nil {
		return 0, err
	}
	return clampLag(end - (pcs.LocalVersionTopicOffset() + 1)), nil
}

func clampLag(lag int64) int64 {
	if lag < 0 {
		return 0
	}
	return lag
}

// GetBatchReplicationLag sums version-topic lag over partitions still inside
// their bulk load.
func (t *IngestionTask) GetBatchReplicationLag() int64 {
	var total int64
	t.pcsMap.Range(func(_ int32, pcs *PartitionConsumptionState) bool {
		if pcs.EndOfPushReceived() {
			return true
		}
		end, err := t.umc.EndOffset(t.cfg.LocalUpstreamURL, t.versionTopic, pcs.Partition)
		if err != nil {
			return true
		}
		total += clampLag(end - (pcs.LocalVersionTopicOffset() + 1))
		return true
	})
	return total
}

// GetLeaderOffsetLag sums leader-topic lag over partitions currently leading.
func (t *IngestionTask) GetLeaderOffsetLag() int64 {
	var total int64
	t.pcsMap.Range(func(_ int32, pcs *PartitionConsumptionState) bool {
		if pcs.Role() != StateLeader {
			return true
		}
		lag, err := t.partitionLag(pcs)
		if err != nil {
			return true
		}
		total += lag
		return true
	})
	return total
}

// GetFollowerOffsetLag sums version-topic lag over partitions not leading.
func (t *IngestionTask) GetFollowerOffsetLag() int64 {
	var total int64
	t.pcsMap.Range(func(_ int32, pcs *PartitionConsumptionState) bool {
		if pcs.Role() == StateLeader {
			return true
		}
		lag, err := t.partitionLag(pcs)
		if err != nil {
			return true
		}
		total += lag
		return true
	})
	return total
}
