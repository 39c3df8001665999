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
	"time"

	"github.com/verso-db/verso/common"
	"github.com/verso-db/verso/errors"
	log "github.com/verso-db/verso/logger"
	"github.com/verso-db/verso/meta"
	"github.com/verso-db/verso/pubsub"
)

func (t *IngestionTask) promotionDelay() time.Duration {
	if t.params.IsSystemStore {
		return t.cfg.SystemStorePromotionToLeaderReplicaDelay
	}
	return t.cfg.PromotionToLeaderReplicaDelay
}

// isQuiescent reports whether the partition's current subscription has been
// inactive long enough to complete a deferred leader transition.
func (t *IngestionTask) isQuiescent(pcs *PartitionConsumptionState) bool {
	return common.NowMillis()-pcs.LatestMessageConsumptionTs > t.promotionDelay().Milliseconds()
}

func (t *IngestionTask) processStandbyToLeader(partition int32, checker SessionChecker) error {
	pcs := t.getPCS(partition)
	if pcs == nil {
		return errors.NewVersoErrorf(errors.Unavailable,
			"cannot promote partition %d of %s: not subscribed", partition, t.versionTopic)
	}
	if !checker.IsSessionCurrent() {
		log.Infof("ignoring stale promotion for %s-%d", t.versionTopic, partition)
		return nil
	}
	if pcs.Role() != StateStandby {
		return nil
	}
	if t.params.IsMigrationDuplicate != nil && t.params.IsMigrationDuplicate() {
		pcs.role = StatePauseTransitionFromStandbyToLeader
	} else {
		pcs.role = StateInTransitionFromStandbyToLeader
	}
	log.Infof("%s-%d entering %s", t.versionTopic, partition, pcs.role)
	return nil
}

func (t *IngestionTask) processLeaderToStandby(partition int32, checker SessionChecker) error {
	pcs := t.getPCS(partition)
	if pcs == nil {
		return nil
	}
	if !checker.IsSessionCurrent() {
		log.Infof("ignoring stale demotion for %s-%d", t.versionTopic, partition)
		return nil
	}
	switch pcs.Role() {
	case StateInTransitionFromStandbyToLeader, StatePauseTransitionFromStandbyToLeader:
		// The promotion never completed; the partition is still tailing VT.
		pcs.role = StateStandby
		return nil
	case StateLeader:
		return t.demoteLeader(pcs)
	default:
		return nil
	}
}

func (t *IngestionTask) demoteLeader(pcs *PartitionConsumptionState) error {
	partition := pcs.Partition
	leaderTopic := pcs.LeaderTopic()
	if leaderTopic == t.versionTopic && !pcs.ConsumeRemotely {
		pcs.role = StateStandby
		return nil
	}
	if err := t.consumer.Unsubscribe(leaderTopic, partition); err != nil {
		log.Warnf("failed to unsubscribe %s-%d during demotion: %v", leaderTopic, partition, err)
	}
	if err := t.pool.WaitForDrain(partition, t.cfg.FutureGetTimeout); err != nil {
		log.Warnf("timed out draining partition %d during demotion: %v", partition, err)
	}
	t.awaitLastLeaderPersistFuture(pcs)
	pcs.ConsumeRemotely = false
	pcs.SkipKafkaMessage = false
	pcs.clearTransientRecords()
	pcs.role = StateStandby
	localOffset := pcs.LocalVersionTopicOffset()
	log.Infof("%s-%d demoted to STANDBY, resubscribing VT at %d", t.versionTopic, partition, localOffset)
	if err := t.consumer.Subscribe(t.cfg.LocalUpstreamURL, t.versionTopic, partition, localOffset); err != nil {
		return err
	}
	t.gw.EndSegment(partition, true)
	return nil
}

// awaitLastLeaderPersistFuture waits for the last leader-produced record to
// reach storage. A timeout is a benign producer failure: the future is
// cancelled, the pointer cleared, and the partition continues.
func (t *IngestionTask) awaitLastLeaderPersistFuture(pcs *PartitionConsumptionState) {
	fut := pcs.LastLeaderPersistFuture
	if fut == nil {
		return
	}
	if err := fut.Get(t.cfg.FutureGetTimeout); err != nil {
		if errors.Is(err, common.ErrFutureTimeout) {
			t.stats.BenignProducerError.Inc()
			fut.Cancel()
		} else if !errors.Is(err, common.ErrFutureCancelled) {
			log.Warnf("last leader persist future for %s-%d failed: %v", t.versionTopic, pcs.Partition, err)
		}
	}
	pcs.LastLeaderPersistFuture = nil
}

// checkLongRunningTaskState runs once per ingestion loop iteration and
// performs every deadline-driven transition: push timeouts, deferred
// promotions and pending topic switches.
func (t *IngestionTask) checkLongRunningTaskState() {
	t.pcsMap.Range(func(partition int32, pcs *PartitionConsumptionState) bool {
		if !pcs.Complete && !pcs.ErrorReported &&
			common.NowMillis()-pcs.ConsumptionStartTs > t.cfg.BootstrapTimeout.Milliseconds() {
			t.setPartitionException(partition, errors.NewVersoErrorf(errors.PushTimeout,
				"partition %d of %s did not complete bootstrap within %v", partition, t.versionTopic, t.cfg.BootstrapTimeout))
			return true
		}
		switch pcs.Role() {
		case StatePauseTransitionFromStandbyToLeader:
			if t.params.IsMigrationDuplicate == nil || !t.params.IsMigrationDuplicate() {
				pcs.role = StateInTransitionFromStandbyToLeader
			}
		case StateInTransitionFromStandbyToLeader:
			if t.isQuiescent(pcs) {
				if err := t.completeLeaderTransition(pcs); err != nil {
					t.setPartitionException(partition, err)
				}
			}
		case StateLeader:
			if t.shouldLeaderSwitchToLocalConsumption(pcs) {
				if err := t.switchToLocalConsumption(pcs); err != nil {
					t.setPartitionException(partition, err)
				}
			} else if ts := pcs.PendingTopicSwitch; ts != nil {
				if t.isQuiescent(pcs) || pubsub.IsStreamReprocessingTopic(pcs.LeaderTopic()) {
					if err := t.leaderExecuteTopicSwitch(pcs, ts); err != nil {
						t.setPartitionException(partition, err)
					}
				}
			}
		}
		return true
	})
}

// completeLeaderTransition finishes ITSL once the version topic went quiet.
func (t *IngestionTask) completeLeaderTransition(pcs *PartitionConsumptionState) error {
	partition := pcs.Partition
	if err := t.consumer.Unsubscribe(t.versionTopic, partition); err != nil {
		log.Warnf("failed to unsubscribe %s-%d: %v", t.versionTopic, partition, err)
	}
	if pcs.LeaderTopic() == "" {
		pcs.setLeaderTopic(t.versionTopic)
	}
	// A non-leader sub-partition that already saw end of push never produces
	// for its user partition: it stays a follower.
	if pcs.EndOfPushReceived() && !t.isLeaderSubPartition(partition) {
		pcs.role = StateStandby
		return t.consumer.Subscribe(t.cfg.LocalUpstreamURL, t.versionTopic, partition, pcs.LocalVersionTopicOffset())
	}
	pcs.role = StateLeader
	// A switch the follower already honoured needs no deferred execution.
	if ts := pcs.PendingTopicSwitch; ts != nil && ts.SourceTopicName == pcs.LeaderTopic() {
		pcs.PendingTopicSwitch = nil
	}
	log.Infof("%s-%d promoted to LEADER on topic %s", t.versionTopic, partition, pcs.LeaderTopic())
	return t.startConsumingAsLeader(pcs)
}

func (t *IngestionTask) isLeaderSubPartition(partition int32) bool {
	if t.params.IsLeaderSubPartition == nil {
		return true
	}
	return t.params.IsLeaderSubPartition(partition)
}

// startConsumingAsLeader selects the upstream source and subscribes the
// leader to it.
func (t *IngestionTask) startConsumingAsLeader(pcs *PartitionConsumptionState) error {
	partition := pcs.Partition
	leaderTopic := pcs.LeaderTopic()
	url, remote := t.consumptionSourceURL(pcs, leaderTopic)
	pcs.ConsumeRemotely = remote
	pcs.SkipKafkaMessage = remote && pcs.EndOfPushReceived() && leaderTopic == t.versionTopic
	offset, err := t.leaderStartOffset(pcs, url, leaderTopic)
	if err != nil {
		return err
	}
	log.Infof("%s-%d consuming as leader from %s at %s, offset %d (remote=%v)",
		t.versionTopic, partition, leaderTopic, url, offset, remote)
	return t.consumer.Subscribe(url, leaderTopic, partition, offset)
}

// consumptionSourceURL resolves the cluster the leader topic is consumed
// from, and whether that is a remote fabric.
func (t *IngestionTask) consumptionSourceURL(pcs *PartitionConsumptionState, leaderTopic string) (string, bool) {
	local := t.cfg.LocalUpstreamURL
	if pubsub.IsRealTimeTopic(leaderTopic) {
		url := t.params.RealTimeSourceURL
		if ts := t.lastTopicSwitch(); ts != nil && ts.SourceTopicName == leaderTopic && len(ts.SourceServers) == 1 {
			url = ts.SourceServers[0]
		}
		if url == "" {
			url = local
		}
		return url, url != local
	}
	if leaderTopic == t.versionTopic && t.cfg.NativeReplicationEnabled {
		remoteURL := t.params.RemoteVersionTopicURL
		isCurrent := t.params.IsCurrentVersion != nil && t.params.IsCurrentVersion()
		if remoteURL != "" && remoteURL != local && !pcs.EndOfPushReceived() && !isCurrent {
			return remoteURL, true
		}
	}
	return local, false
}

func (t *IngestionTask) lastTopicSwitch() *pubsub.TopicSwitch {
	svs, err := t.metaStore.GetStoreVersionState()
	if err != nil || svs == nil {
		return nil
	}
	return svs.LastTopicSwitch
}

// leaderStartOffset computes the subscription offset for the leader topic:
// the persisted upstream offset when present, the rewind point of the last
// topic switch otherwise, else the lowest offset.
func (t *IngestionTask) leaderStartOffset(pcs *PartitionConsumptionState, url string, leaderTopic string) (int64, error) {
	if leaderTopic == t.versionTopic {
		return pcs.LocalVersionTopicOffset(), nil
	}
	if upstream := pcs.UpstreamOffset(); upstream != meta.LowestOffset {
		return upstream, nil
	}
	ts := t.lastTopicSwitch()
	if ts == nil || ts.SourceTopicName != leaderTopic || ts.RewindStartTimestamp <= 0 {
		return meta.LowestOffset, nil
	}
	return t.rewindStartOffset(url, leaderTopic, pcs.Partition, ts.RewindStartTimestamp)
}

// rewindStartOffset maps a rewind timestamp to a subscription offset. The
// upstream returns the next offset to consume, while subscribe expects the
// last consumed one, hence the -1.
func (t *IngestionTask) rewindStartOffset(url string, topic string, partition int32, rewindTs int64) (int64, error) {
	offset, found, err := t.umc.OffsetForTimestamp(url, topic, partition, rewindTs)
	if err != nil {
		return 0, err
	}
	if !found {
		return meta.LowestOffset, nil
	}
	return offset - 1, nil
}

// shouldLeaderSwitchToLocalConsumption decides whether a remote leader can
// fall back to the local fabric: once end of push is received on a remote
// version or reprocessing topic there is nothing left to replicate remotely,
// except while an incremental push flows through the version topic with
// write-compute disabled.
func (t *IngestionTask) shouldLeaderSwitchToLocalConsumption(pcs *PartitionConsumptionState) bool {
	if !pcs.ConsumeRemotely || !pcs.EndOfPushReceived() {
		return false
	}
	leaderTopic := pcs.LeaderTopic()
	if leaderTopic != t.versionTopic && !pubsub.IsStreamReprocessingTopic(leaderTopic) {
		return false
	}
	if pcs.IncrementalPushID != "" && leaderTopic == t.versionTopic && !t.cfg.WriteComputationEnabled {
		return false
	}
	return true
}

func (t *IngestionTask) switchToLocalConsumption(pcs *PartitionConsumptionState) error {
	partition := pcs.Partition
	leaderTopic := pcs.LeaderTopic()
	if err := t.consumer.Unsubscribe(leaderTopic, partition); err != nil {
		log.Warnf("failed to unsubscribe remote %s-%d: %v", leaderTopic, partition, err)
	}
	if err := t.pool.WaitForDrain(partition, t.cfg.FutureGetTimeout); err != nil {
		log.Warnf("timed out draining partition %d before local switch: %v", partition, err)
	}
	t.awaitLastLeaderPersistFuture(pcs)
	pcs.ConsumeRemotely = false
	pcs.SkipKafkaMessage = false
	var offset int64
	if leaderTopic == t.versionTopic {
		offset = pcs.LocalVersionTopicOffset()
	} else {
		offset = pcs.UpstreamOffset()
	}
	log.Infof("%s-%d switching to local consumption of %s at %d", t.versionTopic, partition, leaderTopic, offset)
	return t.consumer.Subscribe(t.cfg.LocalUpstreamURL, leaderTopic, partition, offset)
}

// leaderExecuteTopicSwitch performs the deferred part of a TopicSwitch on a
// quiescent leader.
func (t *IngestionTask) leaderExecuteTopicSwitch(pcs *PartitionConsumptionState, ts *pubsub.TopicSwitch) error {
	partition := pcs.Partition
	if len(ts.SourceServers) != 1 {
		return errors.NewVersoErrorf(errors.FatalProtocolViolation,
			"topic switch for %s-%d carries %d source servers, exactly one is required",
			t.versionTopic, partition, len(ts.SourceServers))
	}
	newURL := ts.SourceServers[0]
	currentLeaderTopic := pcs.LeaderTopic()
	if err := t.consumer.Unsubscribe(currentLeaderTopic, partition); err != nil {
		log.Warnf("failed to unsubscribe %s-%d during topic switch: %v", currentLeaderTopic, partition, err)
	}
	if err := t.pool.WaitForDrain(partition, t.cfg.FutureGetTimeout); err != nil {
		log.Warnf("timed out draining partition %d during topic switch: %v", partition, err)
	}
	t.awaitLastLeaderPersistFuture(pcs)

	start := meta.LowestOffset
	if ts.RewindStartTimestamp > 0 {
		var err error
		start, err = t.rewindStartOffset(newURL, ts.SourceTopicName, partition, ts.RewindStartTimestamp)
		if err != nil {
			return err
		}
	}
	pcs.WithOffsetRecord(func(rec *meta.OffsetRecord) {
		rec.LeaderTopic = ts.SourceTopicName
		rec.SetUpstreamOffset(start)
	})
	if err := t.persistOffsetRecord(pcs); err != nil {
		return err
	}
	pcs.ConsumeRemotely = newURL != t.cfg.LocalUpstreamURL
	pcs.SkipKafkaMessage = false
	pcs.PendingTopicSwitch = nil
	log.Infof("%s-%d switched leader topic %s -> %s at %s, offset %d",
		t.versionTopic, partition, currentLeaderTopic, ts.SourceTopicName, newURL, start)
	return t.consumer.Subscribe(newURL, ts.SourceTopicName, partition, start)
}

func (t *IngestionTask) persistOffsetRecord(pcs *PartitionConsumptionState) error {
	var err error
	pcs.WithOffsetRecord(func(rec *meta.OffsetRecord) {
		err = t.metaStore.PutOffsetRecord(pcs.Partition, rec)
	})
	return err
}

// shouldProduceToVersionTopic is the delegator's core question: a leader
// produces unless it is consuming the local version topic itself.
func (t *IngestionTask) shouldProduceToVersionTopic(pcs *PartitionConsumptionState) bool {
	if pcs.Role() != StateLeader {
		return false
	}
	return pcs.LeaderTopic() != t.versionTopic || pcs.ConsumeRemotely
}
