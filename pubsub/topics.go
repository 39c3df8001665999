package pubsub

import (
	"fmt"
	"strings"
)

const (
	realTimeTopicSuffix           = "_rt"
	streamReprocessingTopicSuffix = "_sr"
)

// VersionTopicName builds the canonical version topic name for a store
// version, e.g. "mystore_v3".
func VersionTopicName(storeName string, version int) string {
	return fmt.Sprintf("%s_v%d", storeName, version)
}

func RealTimeTopicName(storeName string) string {
	return storeName + realTimeTopicSuffix
}

func StreamReprocessingTopicName(storeName string, version int) string {
	return VersionTopicName(storeName, version) + streamReprocessingTopicSuffix
}

func IsRealTimeTopic(topic string) bool {
	return strings.HasSuffix(topic, realTimeTopicSuffix)
}

func IsStreamReprocessingTopic(topic string) bool {
	return strings.HasSuffix(topic, streamReprocessingTopicSuffix)
}
