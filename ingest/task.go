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
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/verso-db/verso/common"
	"github.com/verso-db/verso/conf"
	"github.com/verso-db/verso/drainer"
	"github.com/verso-db/verso/errors"
	"github.com/verso-db/verso/gateway"
	log "github.com/verso-db/verso/logger"
	"github.com/verso-db/verso/meta"
	"github.com/verso-db/verso/metrics"
	"github.com/verso-db/verso/pubsub"
	"github.com/verso-db/verso/storage"
	"github.com/verso-db/verso/upstream"
	"github.com/verso-db/verso/upstreammeta"
)

// StatusReporter receives partition status transitions from the task.
type StatusReporter interface {
	ReportReadyToServe(partition int32)

	ReportError(partition int32, err error)

	// ReportCatchUpBaseTopicOffsetLag fires once per partition when the
	// version topic base is caught up, releasing the rebalance latch.
	ReportCatchUpBaseTopicOffsetLag(partition int32)
}

// UpdateProcessor applies a derived update to the current value. A nil result
// deletes the key.
type UpdateProcessor interface {
	ApplyUpdate(currentValue []byte, currentSchemaID int32, update []byte, updateSchemaID int32) ([]byte, error)
}

// TaskParams wires the external collaborators of one ingestion task.
type TaskParams struct {
	Cfg       *conf.Config
	StoreName string
	Version   int

	Engine          storage.Engine
	Consumer        upstream.Consumer
	ProducerFactory gateway.TopicProducerFactory

	HostID string

	// IsHybridStore is true when the store takes real-time writes after the
	// bulk load.
	IsHybridStore bool
	// IsSystemStore selects the shorter promotion delay.
	IsSystemStore bool

	IsCurrentVersion     func() bool
	IsMigrationDuplicate func() bool
	// IsLeaderSubPartition reports whether the sub-partition is entitled to
	// produce for its user partition. Nil means every partition is.
	IsLeaderSubPartition func(partition int32) bool

	// RemoteVersionTopicURL is the source fabric for native replication,
	// empty when the version topic only exists locally.
	RemoteVersionTopicURL string
	// RealTimeSourceURL is the cluster hosting the real-time topic. Empty
	// defaults to the local upstream URL.
	RealTimeSourceURL string

	Reporter        StatusReporter
	UpdateProcessor UpdateProcessor
}

// IngestionTask supervises the partitions of one store version: it runs the
// ingestion loop, owns the partition state machines and the action queue, and
// shares one producer gateway and drainer pool across its partitions.
type IngestionTask struct {
	cfg          *conf.Config
	params       TaskParams
	versionTopic string
	rtTopic      string

	engine    storage.Engine
	consumer  upstream.Consumer
	metaStore *meta.Store
	umc       *upstreammeta.Cache
	gw        *gateway.Gateway
	pool      *drainer.Pool
	stats     *metrics.TaskMetrics

	pcsMap   *xsync.MapOf[int32, *PartitionConsumptionState]
	sessions *xsync.MapOf[int32, *sessionCounter]
	actions  actionQueue

	partitionExceptions *xsync.MapOf[int32, error]

	running  atomic.Bool
	stopCh   chan struct{}
	stopWg   sync.WaitGroup
	stopOnce sync.Once
}

func NewIngestionTask(params TaskParams) (*IngestionTask, error) {
	cfg := params.Cfg
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	versionTopic := pubsub.VersionTopicName(params.StoreName, params.Version)
	task := &IngestionTask{
		cfg:                 cfg,
		params:              params,
		versionTopic:        versionTopic,
		rtTopic:             pubsub.RealTimeTopicName(params.StoreName),
		engine:              params.Engine,
		consumer:            params.Consumer,
		metaStore:           meta.NewStore(params.Engine),
		umc:                 upstreammeta.NewCache(params.Consumer, cfg.UpstreamMetadataTTL),
		stats:               metrics.NewTaskMetrics(versionTopic),
		pcsMap:              xsync.NewMapOf[int32, *PartitionConsumptionState](),
		sessions:            xsync.NewMapOf[int32, *sessionCounter](),
		partitionExceptions: xsync.NewMapOf[int32, error](),
		stopCh:              make(chan struct{}),
	}
	task.gw = gateway.NewGateway(versionTopic, params.HostID, cfg.MaxRecordSizeBytes, params.ProducerFactory)
	task.pool = drainer.NewPool(cfg.WriterCount, cfg.WriterBufferMemoryCapacity, cfg.WriterBufferNotifyDelta,
		task.setPartitionException)
	return task, nil
}

// Start launches the ingestion thread.
func (t *IngestionTask) Start() {
	if !t.running.CompareAndSwap(false, true) {
		return
	}
	t.stopWg.Add(1)
	common.Go(func() {
		defer t.stopWg.Done()
		t.runLoop()
	})
}

// Close stops the loop, drains goroutines and releases the producer and
// consumer. Safe to call more than once.
func (t *IngestionTask) Close() {
	t.stopOnce.Do(func() {
		t.running.Store(false)
		close(t.stopCh)
	})
	t.stopWg.Wait()
	t.pool.Stop()
	if err := t.gw.Close(); err != nil {
		log.Errorf("failed to close producer gateway for %s: %v", t.versionTopic, err)
	}
	if err := t.consumer.Close(); err != nil {
		log.Errorf("failed to close consumer for %s: %v", t.versionTopic, err)
	}
}

func (t *IngestionTask) IsRunning() bool {
	return t.running.Load()
}

// VersionTopic returns the task's canonical topic name.
func (t *IngestionTask) VersionTopic() string {
	return t.versionTopic
}

func (t *IngestionTask) submitAction(action consumerAction) error {
	if !t.running.Load() {
		return errors.NewVersoErrorf(errors.Unavailable,
			"cannot submit %s for partition %d: ingestion task for %s is not running",
			action.actionType, action.partition, t.versionTopic)
	}
	t.actions.submit(action)
	return nil
}

// Subscribe asks the task to start consuming the partition as a follower.
func (t *IngestionTask) Subscribe(partition int32) error {
	return t.submitAction(consumerAction{actionType: actionSubscribe, partition: partition,
		checker: alwaysCurrentChecker{}})
}

func (t *IngestionTask) Unsubscribe(partition int32) error {
	return t.submitAction(consumerAction{actionType: actionUnsubscribe, partition: partition,
		checker: alwaysCurrentChecker{}})
}

func (t *IngestionTask) DropPartition(partition int32) error {
	return t.submitAction(consumerAction{actionType: actionDropPartition, partition: partition,
		checker: alwaysCurrentChecker{}})
}

// PromoteToLeader submits a STANDBY_TO_LEADER command. The command captures
// the partition's next session id; a newer role command for the same
// partition makes this one a no-op.
func (t *IngestionTask) PromoteToLeader(partition int32) error {
	counter := t.sessionCounter(partition)
	checker := &leaderSessionIDChecker{sessionID: counter.next(), latest: counter}
	return t.submitAction(consumerAction{actionType: actionStandbyToLeader, partition: partition, checker: checker})
}

func (t *IngestionTask) DemoteToStandby(partition int32) error {
	counter := t.sessionCounter(partition)
	checker := &leaderSessionIDChecker{sessionID: counter.next(), latest: counter}
	return t.submitAction(consumerAction{actionType: actionLeaderToStandby, partition: partition, checker: checker})
}

func (t *IngestionTask) sessionCounter(partition int32) *sessionCounter {
	counter, _ := t.sessions.LoadOrCompute(partition, func() *sessionCounter {
		return &sessionCounter{}
	})
	return counter
}

func (t *IngestionTask) getPCS(partition int32) *PartitionConsumptionState {
	pcs, _ := t.pcsMap.Load(partition)
	return pcs
}

// PartitionState returns the current role for tests and admin surfaces.
func (t *IngestionTask) PartitionState(partition int32) (PartitionState, bool) {
	pcs := t.getPCS(partition)
	if pcs == nil {
		return StateOffline, false
	}
	return pcs.Role(), true
}

func (t *IngestionTask) IsPartitionReadyToServe(partition int32) bool {
	pcs := t.getPCS(partition)
	return pcs != nil && pcs.Complete
}

// setPartitionException stages a failure observed off the ingestion thread;
// the next loop iteration surfaces it.
func (t *IngestionTask) setPartitionException(partition int32, err error) {
	t.partitionExceptions.LoadOrStore(partition, err)
}

// offerProducerException stages a producer-callback failure for the
// partition. Send failures fail the partition: the version topic is missing a
// record the leader consumed.
func (t *IngestionTask) offerProducerException(partition int32, err error) {
	t.stats.ProducerFailure.Inc()
	t.setPartitionException(partition, errors.NewVersoErrorf(errors.InternalError,
		"producer failure for partition %d of %s: %v", partition, t.versionTopic, err))
}

func (t *IngestionTask) runLoop() {
	log.Infof("ingestion task for %s starting", t.versionTopic)
	for t.running.Load() {
		select {
		case <-t.stopCh:
			return
		default:
		}
		t.processConsumerActions()
		t.checkLongRunningTaskState()
		records, err := t.consumer.Poll(t.cfg.PollTimeout)
		if err != nil {
			log.Errorf("poll failed for %s: %v", t.versionTopic, err)
			continue
		}
		for _, record := range records {
			t.delegateConsumerRecord(record)
		}
		t.reportReadiness()
		t.surfacePartitionExceptions()
	}
	log.Infof("ingestion task for %s stopped", t.versionTopic)
}

func (t *IngestionTask) processConsumerActions() {
	for _, action := range t.actions.drain() {
		if err := t.processConsumerAction(action); err != nil {
			log.Errorf("failed to process %s for partition %d of %s: %v",
				action.actionType, action.partition, t.versionTopic, err)
			t.setPartitionException(action.partition, err)
		}
	}
}

func (t *IngestionTask) processConsumerAction(action consumerAction) error {
	switch action.actionType {
	case actionSubscribe:
		return t.processSubscribe(action.partition)
	case actionUnsubscribe:
		return t.processUnsubscribe(action.partition)
	case actionDropPartition:
		return t.processDropPartition(action.partition)
	case actionStandbyToLeader:
		return t.processStandbyToLeader(action.partition, action.checker)
	case actionLeaderToStandby:
		return t.processLeaderToStandby(action.partition, action.checker)
	}
	return errors.NewVersoErrorf(errors.InternalError, "unknown consumer action %d", action.actionType)
}

// processSubscribe restores the offset record and starts tailing the local
// version topic as a follower. Idempotent under re-delivery.
func (t *IngestionTask) processSubscribe(partition int32) error {
	if existing := t.getPCS(partition); existing != nil {
		return nil
	}
	if err := t.engine.AddPartition(partition); err != nil {
		return err
	}
	offsetRecord, err := t.metaStore.GetOffsetRecord(partition)
	if err != nil {
		return err
	}
	pcs := newPartitionConsumptionState(partition, offsetRecord, t.params.IsHybridStore)
	t.pcsMap.Store(partition, pcs)
	t.refreshChunkingFlag()
	log.Infof("subscribing to %s-%d at offset %d", t.versionTopic, partition, offsetRecord.LocalVersionTopicOffset)
	return t.consumer.Subscribe(t.cfg.LocalUpstreamURL, t.versionTopic, partition, offsetRecord.LocalVersionTopicOffset)
}

func (t *IngestionTask) processUnsubscribe(partition int32) error {
	pcs := t.getPCS(partition)
	if pcs == nil {
		return nil
	}
	t.consumerUnsubscribeAll(pcs)
	t.gw.ClosePartition(partition)
	pcs.role = StateOffline
	pcs.clearTransientRecords()
	t.pcsMap.Delete(partition)
	return nil
}

func (t *IngestionTask) processDropPartition(partition int32) error {
	if err := t.processUnsubscribe(partition); err != nil {
		return err
	}
	if err := t.metaStore.ClearOffsetRecord(partition); err != nil {
		return err
	}
	return t.engine.DropPartition(partition)
}

// consumerUnsubscribeAll removes every subscription the partition may hold.
func (t *IngestionTask) consumerUnsubscribeAll(pcs *PartitionConsumptionState) {
	topics := map[string]struct{}{t.versionTopic: {}}
	if leaderTopic := pcs.LeaderTopic(); leaderTopic != "" {
		topics[leaderTopic] = struct{}{}
	}
	for topic := range topics {
		if err := t.consumer.Unsubscribe(topic, pcs.Partition); err != nil {
			log.Warnf("failed to unsubscribe %s-%d: %v", topic, pcs.Partition, err)
		}
	}
}

// surfacePartitionExceptions fails partitions whose drainers or producer
// callbacks staged an error since the last iteration.
func (t *IngestionTask) surfacePartitionExceptions() {
	t.partitionExceptions.Range(func(partition int32, err error) bool {
		t.partitionExceptions.Delete(partition)
		pcs := t.getPCS(partition)
		if pcs == nil || pcs.ErrorReported {
			return true
		}
		if !errors.IsFatalForPartition(err) {
			log.Warnf("partition %d of %s: non-fatal error: %v", partition, t.versionTopic, err)
			return true
		}
		log.Errorf("partition %d of %s failed: %v", partition, t.versionTopic, err)
		pcs.ErrorReported = true
		t.consumerUnsubscribeAll(pcs)
		if t.params.Reporter != nil {
			t.params.Reporter.ReportError(partition, err)
		}
		return true
	})
}

// refreshChunkingFlag pushes the persisted chunking flag into the producer
// gateway, so a restarted leader chunks consistently.
func (t *IngestionTask) refreshChunkingFlag() {
	svs, err := t.metaStore.GetStoreVersionState()
	if err != nil {
		log.Warnf("failed to load store version state for %s: %v", t.versionTopic, err)
		return
	}
	if svs != nil {
		t.gw.UpdateChunkingEnabled(svs.ChunkingEnabled)
	}
}
