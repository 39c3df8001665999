package ingest

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/verso-db/verso/common"
	"github.com/verso-db/verso/conf"
	"github.com/verso-db/verso/pubsub"
	"github.com/verso-db/verso/storage"
	"github.com/verso-db/verso/testutils"
	"github.com/verso-db/verso/upstream/fake"
)

const (
	testLocalURL  = "kafka-local:9092"
	testRemoteURL = "kafka-remote:9092"
	testStore     = "mystore"
	testPartition = int32(3)
)

var (
	testVersionTopic = pubsub.VersionTopicName(testStore, 1)
	testRTTopic      = pubsub.RealTimeTopicName(testStore)
)

type testReporter struct {
	lock    sync.Mutex
	ready   map[int32]bool
	errors  map[int32]error
	catchUp map[int32]bool
}

func newTestReporter() *testReporter {
	return &testReporter{ready: map[int32]bool{}, errors: map[int32]error{}, catchUp: map[int32]bool{}}
}

func (r *testReporter) ReportReadyToServe(partition int32) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.ready[partition] = true
}

func (r *testReporter) ReportError(partition int32, err error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.errors[partition] = err
}

func (r *testReporter) ReportCatchUpBaseTopicOffsetLag(partition int32) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.catchUp[partition] = true
}

func (r *testReporter) isReady(partition int32) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.ready[partition]
}

func (r *testReporter) errorFor(partition int32) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.errors[partition]
}

func (r *testReporter) caughtUp(partition int32) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.catchUp[partition]
}

// replaceProcessor is the simplest derived-update semantics: the update
// payload replaces the value, an empty payload deletes it.
type replaceProcessor struct{}

func (replaceProcessor) ApplyUpdate(_ []byte, _ int32, update []byte, _ int32) ([]byte, error) {
	if len(update) == 0 {
		return nil, nil
	}
	return update, nil
}

type testEnv struct {
	fabric   *fake.Fabric
	engine   *storage.MemEngine
	producer *fake.FabricProducer
	reporter *testReporter
	task     *IngestionTask
}

type envOptions struct {
	hybrid          bool
	writeCompute    bool
	bootstrap       time.Duration
	promotionDelay  time.Duration
	remoteVTURL     string
	isLeaderSubPart func(int32) bool
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	fabric := fake.NewFabric(testLocalURL, testRemoteURL)
	require.NoError(t, fabric.CreateTopic(testLocalURL, testVersionTopic, 8))
	require.NoError(t, fabric.CreateTopic(testLocalURL, testRTTopic, 8))
	engine := storage.NewMemEngine()
	producer := fake.NewFabricProducer(fabric, testLocalURL, testVersionTopic)
	reporter := newTestReporter()
	if opts.promotionDelay == 0 {
		opts.promotionDelay = 100 * time.Millisecond
	}
	cfg := &conf.Config{
		LocalUpstreamURL:                         testLocalURL,
		PollTimeout:                              10 * time.Millisecond,
		PromotionToLeaderReplicaDelay:            opts.promotionDelay,
		SystemStorePromotionToLeaderReplicaDelay: opts.promotionDelay,
		BootstrapTimeout:                         opts.bootstrap,
		FutureGetTimeout:                         2 * time.Second,
		UpstreamMetadataTTL:                      10 * time.Millisecond,
		WriterCount:                              2,
		MaxRecordSizeBytes:                       64,
		NativeReplicationEnabled:                 opts.remoteVTURL != "",
		WriteComputationEnabled:                  opts.writeCompute,
	}
	params := TaskParams{
		Cfg:                   cfg,
		StoreName:             testStore,
		Version:               1,
		Engine:                engine,
		Consumer:              fabric.NewConsumer(),
		ProducerFactory:       producer.Factory(),
		HostID:                "test-host-1",
		IsHybridStore:         opts.hybrid,
		RemoteVersionTopicURL: opts.remoteVTURL,
		IsLeaderSubPartition:  opts.isLeaderSubPart,
		Reporter:              reporter,
	}
	if opts.writeCompute {
		params.UpdateProcessor = replaceProcessor{}
	}
	task, err := NewIngestionTask(params)
	require.NoError(t, err)
	t.Cleanup(task.Close)
	return &testEnv{fabric: fabric, engine: engine, producer: producer, reporter: reporter, task: task}
}

// testWriter emits well-formed producer streams into a fabric topic.
type testWriter struct {
	t      *testing.T
	fabric *fake.Fabric
	url    string
	topic  string
	guid   pubsub.GUID
	hostID string
	seqs   map[int32]int32
}

func newTestWriter(t *testing.T, fabric *fake.Fabric, url string, topic string) *testWriter {
	return &testWriter{t: t, fabric: fabric, url: url, topic: topic, guid: pubsub.NewGUID(), seqs: map[int32]int32{}}
}

func (w *testWriter) nextMetadata(partition int32) pubsub.ProducerMetadata {
	seq := w.seqs[partition]
	w.seqs[partition] = seq + 1
	return pubsub.ProducerMetadata{
		GUID:           w.guid,
		SegmentNumber:  0,
		Sequence:       seq,
		Timestamp:      common.NowMillis(),
		UpstreamOffset: -1,
	}
}

func (w *testWriter) produce(partition int32, env *pubsub.MessageEnvelope, key []byte, ts int64) int64 {
	w.t.Helper()
	offset, err := w.fabric.Produce(w.url, w.topic, partition, key, env, ts)
	require.NoError(w.t, err)
	return offset
}

func (w *testWriter) put(partition int32, key string, value string, schemaID int32) int64 {
	env := &pubsub.MessageEnvelope{
		Type:             pubsub.MessageTypePut,
		ProducerMetadata: w.nextMetadata(partition),
		SchemaID:         schemaID,
		Value:            []byte(value),
	}
	if w.hostID != "" {
		env.LeaderMetadata = &pubsub.LeaderMetadata{HostID: w.hostID, UpstreamOffset: -1}
	}
	return w.produce(partition, env, []byte(key), common.NowMillis())
}

// putWithFooter emits a PUT carrying a leader-metadata footer, as a leader
// produces after end of push.
func (w *testWriter) putWithFooter(partition int32, key string, value string, schemaID int32,
	hostID string, upstreamOffset int64) int64 {
	env := &pubsub.MessageEnvelope{
		Type:             pubsub.MessageTypePut,
		ProducerMetadata: w.nextMetadata(partition),
		SchemaID:         schemaID,
		Value:            []byte(value),
		LeaderMetadata:   &pubsub.LeaderMetadata{HostID: hostID, UpstreamOffset: upstreamOffset},
	}
	return w.produce(partition, env, []byte(key), common.NowMillis())
}

func (w *testWriter) update(partition int32, key string, value string, schemaID int32) int64 {
	env := &pubsub.MessageEnvelope{
		Type:             pubsub.MessageTypeUpdate,
		ProducerMetadata: w.nextMetadata(partition),
		SchemaID:         schemaID,
		Value:            []byte(value),
	}
	return w.produce(partition, env, []byte(key), common.NowMillis())
}

func (w *testWriter) control(partition int32, cm *pubsub.ControlMessage) int64 {
	env := &pubsub.MessageEnvelope{
		Type:             pubsub.MessageTypeControl,
		ProducerMetadata: w.nextMetadata(partition),
		Control:          cm,
	}
	return w.produce(partition, env, nil, common.NowMillis())
}

func (w *testWriter) startOfPush(partition int32, chunked bool) int64 {
	return w.control(partition, &pubsub.ControlMessage{Type: pubsub.ControlStartOfPush, Chunked: chunked})
}

func (w *testWriter) endOfPush(partition int32) int64 {
	return w.control(partition, &pubsub.ControlMessage{Type: pubsub.ControlEndOfPush})
}

func (w *testWriter) topicSwitch(partition int32, sourceTopic string, servers []string, rewindTs int64) int64 {
	return w.control(partition, &pubsub.ControlMessage{
		Type: pubsub.ControlTopicSwitch,
		TopicSwitch: &pubsub.TopicSwitch{
			SourceTopicName:      sourceTopic,
			SourceServers:        servers,
			RewindStartTimestamp: rewindTs,
		},
	})
}

func (e *testEnv) storedValue(t *testing.T, partition int32, key string) (int32, []byte) {
	t.Helper()
	part, err := e.engine.Partition(partition)
	require.NoError(t, err)
	stored, err := part.Get([]byte(key))
	require.NoError(t, err)
	if stored == nil {
		return 0, nil
	}
	return splitStoredValue(stored)
}

func (e *testEnv) waitForRole(t *testing.T, partition int32, role PartitionState) {
	t.Helper()
	testutils.WaitUntil(t, func() (bool, error) {
		state, exists := e.task.PartitionState(partition)
		return exists && state == role, nil
	})
}

func (e *testEnv) waitForValue(t *testing.T, partition int32, key string, value string) {
	t.Helper()
	testutils.WaitUntil(t, func() (bool, error) {
		// Subscribe is asynchronous: the partition's storage exists only once
		// the ingestion loop has processed the subscription.
		if _, err := e.engine.Partition(partition); err != nil {
			return false, nil
		}
		_, stored := e.storedValue(t, partition, key)
		return string(stored) == value, nil
	})
}

func (e *testEnv) vtEndOffset(t *testing.T, partition int32) int64 {
	t.Helper()
	end, err := e.fabric.EndOffset(testLocalURL, testVersionTopic, partition)
	require.NoError(t, err)
	return end
}

// E1: a batch push consumed as a follower.
func TestBatchPushThenFollower(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	w := newTestWriter(t, env.fabric, testLocalURL, testVersionTopic)

	w.startOfPush(testPartition, false)
	w.put(testPartition, "k", "v1", 1)
	w.put(testPartition, "k", "v2", 1)
	eopOffset := w.endOfPush(testPartition)

	env.task.Start()
	require.NoError(t, env.task.Subscribe(testPartition))

	testutils.WaitUntil(t, func() (bool, error) {
		return env.reporter.isReady(testPartition), nil
	})

	schemaID, stored := env.storedValue(t, testPartition, "k")
	require.Equal(t, int32(1), schemaID)
	require.Equal(t, "v2", string(stored))

	pcs := env.task.getPCS(testPartition)
	require.Equal(t, eopOffset, pcs.LocalVersionTopicOffset())
	require.True(t, pcs.EndOfPushReceived())
	require.True(t, env.reporter.caughtUp(testPartition))

	// No producer sends: the version topic holds exactly the pushed records
	require.Equal(t, eopOffset+1, env.vtEndOffset(t, testPartition))
}

// E2: promotion with a real-time topic.
func TestPromotionWithRealTimeTopic(t *testing.T) {
	env := newTestEnv(t, envOptions{hybrid: true})
	w := newTestWriter(t, env.fabric, testLocalURL, testVersionTopic)

	w.startOfPush(testPartition, false)
	w.put(testPartition, "k", "v1", 1)
	w.put(testPartition, "k", "v2", 1)
	w.endOfPush(testPartition)
	w.topicSwitch(testPartition, testRTTopic, []string{testLocalURL}, -1)

	env.task.Start()
	require.NoError(t, env.task.Subscribe(testPartition))
	testutils.WaitUntil(t, func() (bool, error) {
		return env.reporter.isReady(testPartition), nil
	})

	require.NoError(t, env.task.PromoteToLeader(testPartition))
	env.waitForRole(t, testPartition, StateLeader)
	pcs := env.task.getPCS(testPartition)
	require.Equal(t, testRTTopic, pcs.LeaderTopic())

	vtEndBefore := env.vtEndOffset(t, testPartition)
	rt := newTestWriter(t, env.fabric, testLocalURL, testRTTopic)
	rtOffset := rt.put(testPartition, "k", "v3", 1)

	env.waitForValue(t, testPartition, "k", "v3")

	// The leader produced the record to the version topic with its own
	// identity and the consumed RT offset in the footer. Its first produce
	// also opens the partition's segment with a StartOfSegment marker.
	testutils.WaitUntil(t, func() (bool, error) {
		return env.vtEndOffset(t, testPartition) == vtEndBefore+2, nil
	})
	testutils.WaitUntil(t, func() (bool, error) {
		return pcs.UpstreamOffset() == rtOffset, nil
	})
	follower := env.fabric.NewConsumer()
	require.NoError(t, follower.Subscribe(testLocalURL, testVersionTopic, testPartition, vtEndBefore))
	records, err := follower.Poll(time.Second)
	require.NoError(t, err)
	require.NotEmpty(t, records)
	produced := records[0].Envelope
	require.Equal(t, pubsub.MessageTypePut, produced.Type)
	require.Equal(t, []byte("v3"), produced.Value)
	require.NotNil(t, produced.LeaderMetadata)
	require.Equal(t, "test-host-1", produced.LeaderMetadata.HostID)
	require.Equal(t, rtOffset, produced.LeaderMetadata.UpstreamOffset)
}

// E3: a topic switch with a rewind timestamp lands one before the offset the
// upstream resolves for the timestamp.
func TestTopicSwitchWithRewind(t *testing.T) {
	env := newTestEnv(t, envOptions{hybrid: true})
	w := newTestWriter(t, env.fabric, testLocalURL, testVersionTopic)
	w.startOfPush(testPartition, false)
	w.put(testPartition, "k", "v1", 1)
	w.endOfPush(testPartition)
	w.topicSwitch(testPartition, testRTTopic, []string{testLocalURL}, -1)

	// A second real-time topic on the remote fabric with known timestamps:
	// record i carries timestamp 1000+i.
	rt2 := "mystore2_rt"
	require.NoError(t, env.fabric.CreateTopic(testRemoteURL, rt2, 8))
	rt2Writer := newTestWriter(t, env.fabric, testRemoteURL, rt2)
	for i := 0; i < 250; i++ {
		msg := &pubsub.MessageEnvelope{
			Type:             pubsub.MessageTypePut,
			ProducerMetadata: rt2Writer.nextMetadata(testPartition),
			SchemaID:         1,
			Value:            []byte("rt2"),
		}
		rt2Writer.produce(testPartition, msg, []byte("k2"), 1000+int64(i))
	}

	env.task.Start()
	require.NoError(t, env.task.Subscribe(testPartition))
	require.NoError(t, env.task.PromoteToLeader(testPartition))
	env.waitForRole(t, testPartition, StateLeader)
	pcs := env.task.getPCS(testPartition)
	require.Equal(t, testRTTopic, pcs.LeaderTopic())

	// offsetForTimestamp(rt2, 1200) resolves to 200, so the leader must
	// subscribe at 199.
	rt := newTestWriter(t, env.fabric, testLocalURL, testRTTopic)
	rt.topicSwitch(testPartition, rt2, []string{testRemoteURL}, 1200)

	testutils.WaitUntil(t, func() (bool, error) {
		return pcs.LeaderTopic() == rt2, nil
	})
	require.True(t, pcs.ConsumeRemotely)
	testutils.WaitUntil(t, func() (bool, error) {
		// 199 right after the switch, then advancing as records 200.. flow
		return pcs.UpstreamOffset() >= 199, nil
	})
	env.waitForValue(t, testPartition, "k2", "rt2")
	testutils.WaitUntil(t, func() (bool, error) {
		return pcs.UpstreamOffset() == 249, nil
	})
}
