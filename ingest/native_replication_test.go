package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/verso-db/verso/pubsub"
	"github.com/verso-db/verso/testutils"
)

// With native replication the promoted leader bootstraps from the remote
// version topic, re-produces it pass-through into the local one, and falls
// back to local consumption once end of push arrives.
func TestNativeReplicationFromRemoteVersionTopic(t *testing.T) {
	env := newTestEnv(t, envOptions{remoteVTURL: testRemoteURL})
	require.NoError(t, env.fabric.CreateTopic(testRemoteURL, testVersionTopic, 8))

	remote := newTestWriter(t, env.fabric, testRemoteURL, testVersionTopic)
	remote.startOfPush(testPartition, false)
	remote.put(testPartition, "k", "v1", 1)
	remote.put(testPartition, "k", "v2", 1)
	remote.endOfPush(testPartition)

	env.task.Start()
	require.NoError(t, env.task.Subscribe(testPartition))
	require.NoError(t, env.task.PromoteToLeader(testPartition))
	env.waitForRole(t, testPartition, StateLeader)

	pcs := env.task.getPCS(testPartition)
	env.waitForValue(t, testPartition, "k", "v2")
	testutils.WaitUntil(t, func() (bool, error) {
		return pcs.EndOfPushReceived(), nil
	})

	// Once end of push is applied the leader abandons the remote fabric
	testutils.WaitUntil(t, func() (bool, error) {
		return !pcs.ConsumeRemotely, nil
	})

	// The local version topic received the pass-through copy with the remote
	// producer's metadata intact.
	require.Equal(t, int64(4), env.vtEndOffset(t, testPartition))
	follower := env.fabric.NewConsumer()
	require.NoError(t, follower.Subscribe(testLocalURL, testVersionTopic, testPartition, -1))
	records, err := follower.Poll(time.Second)
	require.NoError(t, err)
	require.Len(t, records, 4)
	require.Equal(t, pubsub.ControlStartOfPush, records[0].Envelope.Control.Type)
	require.Equal(t, remote.guid, records[1].Envelope.ProducerMetadata.GUID)
	require.Equal(t, int64(1), records[1].Envelope.ProducerMetadata.UpstreamOffset)
	require.Equal(t, pubsub.ControlEndOfPush, records[3].Envelope.Control.Type)
}
