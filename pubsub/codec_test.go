package pubsub

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	guid := NewGUID()
	env := &MessageEnvelope{
		Type: MessageTypePut,
		ProducerMetadata: ProducerMetadata{
			GUID:           guid,
			SegmentNumber:  3,
			Sequence:       17,
			Timestamp:      1234567,
			UpstreamOffset: 42,
		},
		LeaderMetadata: &LeaderMetadata{HostID: "host-1", UpstreamOffset: 42},
		SchemaID:       7,
		Value:          []byte("some value"),
	}
	decoded, err := DeserializeEnvelope(SerializeEnvelope(env))
	require.NoError(t, err)
	require.Equal(t, env, decoded)
}

func TestEnvelopeDeleteHasNoValue(t *testing.T) {
	env := &MessageEnvelope{
		Type:             MessageTypeDelete,
		ProducerMetadata: ProducerMetadata{GUID: NewGUID(), UpstreamOffset: -1},
	}
	decoded, err := DeserializeEnvelope(SerializeEnvelope(env))
	require.NoError(t, err)
	require.Nil(t, decoded.Value)
	require.Equal(t, int64(-1), decoded.ProducerMetadata.UpstreamOffset)
}

func TestTopicSwitchRoundTrip(t *testing.T) {
	env := &MessageEnvelope{
		Type:             MessageTypeControl,
		ProducerMetadata: ProducerMetadata{GUID: NewGUID(), UpstreamOffset: -1},
		Control: &ControlMessage{
			Type: ControlTopicSwitch,
			TopicSwitch: &TopicSwitch{
				SourceTopicName:      "mystore_rt",
				SourceServers:        []string{"kafka-remote:9092"},
				RewindStartTimestamp: 999,
			},
		},
	}
	decoded, err := DeserializeEnvelope(SerializeEnvelope(env))
	require.NoError(t, err)
	require.Equal(t, env.Control.TopicSwitch, decoded.Control.TopicSwitch)
	require.Equal(t, ControlTopicSwitch, decoded.Control.Type)
}

func TestChunkManifestRoundTrip(t *testing.T) {
	manifest := &ChunkManifest{
		ChunkKeys: [][]byte{ChunkKeyWithSuffix([]byte("k"), 0), ChunkKeyWithSuffix([]byte("k"), 1)},
		TotalSize: 2048,
		SchemaID:  5,
	}
	decoded := DeserializeChunkManifest(SerializeChunkManifest(manifest))
	require.Equal(t, manifest, decoded)
}

func TestUnknownCodecVersionRejected(t *testing.T) {
	buff := SerializeEnvelope(&MessageEnvelope{Type: MessageTypePut})
	buff[0] = 99
	_, err := DeserializeEnvelope(buff)
	require.Error(t, err)
}

func TestTopicNaming(t *testing.T) {
	require.Equal(t, "mystore_v3", VersionTopicName("mystore", 3))
	require.True(t, IsRealTimeTopic(RealTimeTopicName("mystore")))
	require.True(t, IsStreamReprocessingTopic(StreamReprocessingTopicName("mystore", 3)))
	require.False(t, IsRealTimeTopic("mystore_v3"))
}
