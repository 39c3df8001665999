package ingest

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/verso-db/verso/errors"
	"github.com/verso-db/verso/pubsub"
	"github.com/verso-db/verso/testutils"
)

// E4: a rewound upstream offset from a different producer whose record is
// byte-identical to storage is benign; the upstream offset is propagated.
func TestSplitBrainBenignRewind(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	w := newTestWriter(t, env.fabric, testLocalURL, testVersionTopic)
	w.startOfPush(testPartition, false)
	w.endOfPush(testPartition)
	w.putWithFooter(testPartition, "k", "v3", 1, "host-a", 50)

	env.task.Start()
	require.NoError(t, env.task.Subscribe(testPartition))
	env.waitForValue(t, testPartition, "k", "v3")

	pcs := env.task.getPCS(testPartition)
	testutils.WaitUntil(t, func() (bool, error) {
		return pcs.UpstreamOffset() == 50, nil
	})

	// A different leader replays the same record at a lower upstream offset
	other := newTestWriter(t, env.fabric, testLocalURL, testVersionTopic)
	other.putWithFooter(testPartition, "k", "v3", 1, "host-b", 49)

	testutils.WaitUntil(t, func() (bool, error) {
		return pcs.UpstreamOffset() == 49, nil
	})
	require.NoError(t, env.reporter.errorFor(testPartition))
}

// E5: the same rewind before end of push with diverging data is lossy and
// fails the partition.
func TestSplitBrainLossyRewindBeforeEndOfPush(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	w := newTestWriter(t, env.fabric, testLocalURL, testVersionTopic)
	w.startOfPush(testPartition, false)
	w.putWithFooter(testPartition, "k", "v2", 1, "host-a", 50)

	env.task.Start()
	require.NoError(t, env.task.Subscribe(testPartition))
	env.waitForValue(t, testPartition, "k", "v2")

	other := newTestWriter(t, env.fabric, testLocalURL, testVersionTopic)
	other.putWithFooter(testPartition, "k", "v3", 1, "host-b", 49)

	testutils.WaitUntil(t, func() (bool, error) {
		return env.reporter.errorFor(testPartition) != nil, nil
	})
	require.True(t, errors.IsVersoErrorWithCode(env.reporter.errorFor(testPartition), errors.LossyRewind))
}

// A lossy rewind after end of push is tolerated: metric only, the partition
// keeps serving.
func TestSplitBrainLossyRewindAfterEndOfPushTolerated(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	w := newTestWriter(t, env.fabric, testLocalURL, testVersionTopic)
	w.startOfPush(testPartition, false)
	w.endOfPush(testPartition)
	w.putWithFooter(testPartition, "k", "v2", 1, "host-a", 50)

	env.task.Start()
	require.NoError(t, env.task.Subscribe(testPartition))
	env.waitForValue(t, testPartition, "k", "v2")

	other := newTestWriter(t, env.fabric, testLocalURL, testVersionTopic)
	other.putWithFooter(testPartition, "k", "v3", 1, "host-b", 49)

	env.waitForValue(t, testPartition, "k", "v3")
	pcs := env.task.getPCS(testPartition)
	testutils.WaitUntil(t, func() (bool, error) {
		return pcs.UpstreamOffset() == 49, nil
	})
	require.NoError(t, env.reporter.errorFor(testPartition))
}

// E6: demotion drains the producer, resubscribes the version topic at the
// persisted offset and closes the partition's segment.
func TestDemotionDrainsProducer(t *testing.T) {
	env := newTestEnv(t, envOptions{hybrid: true})
	w := newTestWriter(t, env.fabric, testLocalURL, testVersionTopic)
	w.startOfPush(testPartition, false)
	w.put(testPartition, "k", "v1", 1)
	w.endOfPush(testPartition)
	w.topicSwitch(testPartition, testRTTopic, []string{testLocalURL}, -1)

	env.task.Start()
	require.NoError(t, env.task.Subscribe(testPartition))
	require.NoError(t, env.task.PromoteToLeader(testPartition))
	env.waitForRole(t, testPartition, StateLeader)

	rt := newTestWriter(t, env.fabric, testLocalURL, testRTTopic)
	rt.put(testPartition, "k", "v2", 1)
	rtOffset := rt.put(testPartition, "k", "v3", 1)
	env.waitForValue(t, testPartition, "k", "v3")
	pcs := env.task.getPCS(testPartition)
	testutils.WaitUntil(t, func() (bool, error) {
		return pcs.UpstreamOffset() == rtOffset, nil
	})
	localOffset := pcs.LocalVersionTopicOffset()

	require.NoError(t, env.task.DemoteToStandby(testPartition))
	env.waitForRole(t, testPartition, StateStandby)
	require.Nil(t, pcs.LastLeaderPersistFuture)

	// The gateway closed the partition's segment with a final marker
	testutils.WaitUntil(t, func() (bool, error) {
		end := env.vtEndOffset(t, testPartition)
		return end == localOffset+2, nil
	})
	follower := env.fabric.NewConsumer()
	require.NoError(t, follower.Subscribe(testLocalURL, testVersionTopic, testPartition, localOffset))
	records, err := follower.Poll(time.Second)
	require.NoError(t, err)
	require.NotEmpty(t, records)
	eos := records[0].Envelope
	require.Equal(t, pubsub.MessageTypeControl, eos.Type)
	require.Equal(t, pubsub.ControlEndOfSegment, eos.Control.Type)
	require.True(t, eos.Control.FinalSegment)

	// A new leader's records still reach this follower
	other := newTestWriter(t, env.fabric, testLocalURL, testVersionTopic)
	other.putWithFooter(testPartition, "k", "v4", 1, "host-b", 77)
	env.waitForValue(t, testPartition, "k", "v4")
}

// A promoted non-leader sub-partition that already saw end of push must fall
// back to STANDBY.
func TestNonLeaderSubPartitionForcedStandby(t *testing.T) {
	env := newTestEnv(t, envOptions{
		isLeaderSubPart: func(int32) bool { return false },
	})
	w := newTestWriter(t, env.fabric, testLocalURL, testVersionTopic)
	w.startOfPush(testPartition, false)
	w.put(testPartition, "k", "v1", 1)
	w.endOfPush(testPartition)

	env.task.Start()
	require.NoError(t, env.task.Subscribe(testPartition))
	testutils.WaitUntil(t, func() (bool, error) {
		return env.reporter.isReady(testPartition), nil
	})
	require.NoError(t, env.task.PromoteToLeader(testPartition))

	env.waitForRole(t, testPartition, StateInTransitionFromStandbyToLeader)
	env.waitForRole(t, testPartition, StateStandby)
	// And it keeps following the version topic
	newTestWriter(t, env.fabric, testLocalURL, testVersionTopic).
		putWithFooter(testPartition, "k", "v2", 1, "host-b", 10)
	env.waitForValue(t, testPartition, "k", "v2")
}

// UPDATE through the write-compute path: transient cache first, storage
// second, null result deletes.
func TestWriteComputeUpdates(t *testing.T) {
	env := newTestEnv(t, envOptions{hybrid: true, writeCompute: true})
	w := newTestWriter(t, env.fabric, testLocalURL, testVersionTopic)
	w.startOfPush(testPartition, false)
	w.put(testPartition, "k", "v1", 1)
	w.endOfPush(testPartition)
	w.topicSwitch(testPartition, testRTTopic, []string{testLocalURL}, -1)

	env.task.Start()
	require.NoError(t, env.task.Subscribe(testPartition))
	require.NoError(t, env.task.PromoteToLeader(testPartition))
	env.waitForRole(t, testPartition, StateLeader)

	rt := newTestWriter(t, env.fabric, testLocalURL, testRTTopic)
	rt.update(testPartition, "k", "v2", 2)
	env.waitForValue(t, testPartition, "k", "v2")
	schemaID, _ := env.storedValue(t, testPartition, "k")
	require.Equal(t, int32(2), schemaID)

	// Back-to-back updates read through the transient cache; empty payload
	// deletes the key.
	rt.update(testPartition, "k", "v3", 2)
	rt.update(testPartition, "k", "", 2)
	testutils.WaitUntil(t, func() (bool, error) {
		_, stored := env.storedValue(t, testPartition, "k")
		return stored == nil, nil
	})
}

// An UPDATE reaching a follower is a protocol violation.
func TestUpdateOnFollowerIsFatal(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	w := newTestWriter(t, env.fabric, testLocalURL, testVersionTopic)
	w.startOfPush(testPartition, false)
	w.update(testPartition, "k", "v1", 1)

	env.task.Start()
	require.NoError(t, env.task.Subscribe(testPartition))
	testutils.WaitUntil(t, func() (bool, error) {
		return env.reporter.errorFor(testPartition) != nil, nil
	})
	require.True(t, errors.IsVersoErrorWithCode(env.reporter.errorFor(testPartition), errors.FatalProtocolViolation))
}

func TestStartOfBufferReplayIsFatal(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	w := newTestWriter(t, env.fabric, testLocalURL, testVersionTopic)
	w.startOfPush(testPartition, false)
	w.control(testPartition, &pubsub.ControlMessage{Type: pubsub.ControlStartOfBufferReplay})

	env.task.Start()
	require.NoError(t, env.task.Subscribe(testPartition))
	testutils.WaitUntil(t, func() (bool, error) {
		return env.reporter.errorFor(testPartition) != nil, nil
	})
	require.True(t, errors.IsVersoErrorWithCode(env.reporter.errorFor(testPartition), errors.FatalProtocolViolation))
}

func TestPushTimeout(t *testing.T) {
	env := newTestEnv(t, envOptions{bootstrap: 50 * time.Millisecond})
	w := newTestWriter(t, env.fabric, testLocalURL, testVersionTopic)
	w.startOfPush(testPartition, false)
	// no end of push ever arrives

	env.task.Start()
	require.NoError(t, env.task.Subscribe(testPartition))
	testutils.WaitUntil(t, func() (bool, error) {
		return env.reporter.errorFor(testPartition) != nil, nil
	})
	require.True(t, errors.IsVersoErrorWithCode(env.reporter.errorFor(testPartition), errors.PushTimeout))
}

// Restarting a follower resumes at the persisted offset and converges to the
// same storage state.
func TestFollowerRestartResumesAtCheckpoint(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	w := newTestWriter(t, env.fabric, testLocalURL, testVersionTopic)
	w.startOfPush(testPartition, false)
	for i := 0; i < 20; i++ {
		w.put(testPartition, fmt.Sprintf("k%d", i), fmt.Sprintf("v%d", i), 1)
	}
	w.endOfPush(testPartition)

	env.task.Start()
	require.NoError(t, env.task.Subscribe(testPartition))
	testutils.WaitUntil(t, func() (bool, error) {
		return env.reporter.isReady(testPartition), nil
	})
	checkpoint := env.task.getPCS(testPartition).LocalVersionTopicOffset()
	env.task.Close()

	// Second incarnation over the same engine and fabric
	restarted := newTestEnv(t, envOptions{})
	restarted.engine = env.engine
	task, err := NewIngestionTask(TaskParams{
		Cfg:             restarted.task.cfg,
		StoreName:       testStore,
		Version:         1,
		Engine:          env.engine,
		Consumer:        env.fabric.NewConsumer(),
		ProducerFactory: env.producer.Factory(),
		HostID:          "test-host-1",
		Reporter:        restarted.reporter,
	})
	require.NoError(t, err)
	defer task.Close()
	task.Start()
	require.NoError(t, task.Subscribe(testPartition))

	testutils.WaitUntil(t, func() (bool, error) {
		pcs := task.getPCS(testPartition)
		return pcs != nil && pcs.LocalVersionTopicOffset() == checkpoint && pcs.EndOfPushReceived(), nil
	})

	// New records after the restart still apply
	w.put(testPartition, "k0", "v0x", 1)
	testutils.WaitUntil(t, func() (bool, error) {
		part, err := env.engine.Partition(testPartition)
		if err != nil {
			return false, err
		}
		stored, err := part.Get([]byte("k0"))
		if err != nil {
			return false, err
		}
		_, value := splitStoredValue(stored)
		return string(value) == "v0x", nil
	})
}

// A leader producing a value above the chunking threshold emits chunks plus a
// manifest, and the drainer applies every chunk and the manifest, with the
// offsets taken from the manifest.
func TestLeaderChunksLargeValues(t *testing.T) {
	env := newTestEnv(t, envOptions{hybrid: true})
	w := newTestWriter(t, env.fabric, testLocalURL, testVersionTopic)
	w.startOfPush(testPartition, true)
	w.endOfPush(testPartition)
	w.topicSwitch(testPartition, testRTTopic, []string{testLocalURL}, -1)

	env.task.Start()
	require.NoError(t, env.task.Subscribe(testPartition))
	require.NoError(t, env.task.PromoteToLeader(testPartition))
	env.waitForRole(t, testPartition, StateLeader)

	bigValue := make([]byte, 200)
	for i := range bigValue {
		bigValue[i] = byte(i)
	}
	rt := newTestWriter(t, env.fabric, testLocalURL, testRTTopic)
	rtOffset := rt.put(testPartition, "big", string(bigValue), 1)

	testutils.WaitUntil(t, func() (bool, error) {
		schemaID, _ := env.storedValue(t, testPartition, "big")
		return schemaID == pubsub.SchemaIDChunkManifest, nil
	})
	_, manifestBytes := env.storedValue(t, testPartition, "big")
	manifest := pubsub.DeserializeChunkManifest(manifestBytes)
	require.Equal(t, int32(len(bigValue)), manifest.TotalSize)
	require.Equal(t, int32(1), manifest.SchemaID)

	var reassembled []byte
	for _, chunkKey := range manifest.ChunkKeys {
		part, err := env.engine.Partition(testPartition)
		require.NoError(t, err)
		stored, err := part.Get(chunkKey)
		require.NoError(t, err)
		require.NotNil(t, stored)
		schemaID, chunk := splitStoredValue(stored)
		require.Equal(t, pubsub.SchemaIDChunk, schemaID)
		reassembled = append(reassembled, chunk...)
	}
	require.Equal(t, bigValue, reassembled)

	pcs := env.task.getPCS(testPartition)
	testutils.WaitUntil(t, func() (bool, error) {
		return pcs.UpstreamOffset() == rtOffset, nil
	})
}

// A stale promotion is skipped when a newer demotion was submitted.
func TestStaleRoleCommandIsSkipped(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	w := newTestWriter(t, env.fabric, testLocalURL, testVersionTopic)
	w.startOfPush(testPartition, false)
	w.endOfPush(testPartition)

	// Submit both before starting the loop, so they land in the same action
	// batch: the demotion's session id supersedes the promotion's.
	env.task.running.Store(true)
	require.NoError(t, env.task.Subscribe(testPartition))
	require.NoError(t, env.task.PromoteToLeader(testPartition))
	require.NoError(t, env.task.DemoteToStandby(testPartition))
	env.task.running.Store(false)
	env.task.Start()

	env.waitForRole(t, testPartition, StateStandby)
	// Give the checker time: the stale promotion must never complete
	time.Sleep(300 * time.Millisecond)
	state, exists := env.task.PartitionState(testPartition)
	require.True(t, exists)
	require.Equal(t, StateStandby, state)
}
