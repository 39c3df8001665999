package upstream

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	kafka "github.com/segmentio/kafka-go"

	"github.com/verso-db/verso/meta"
	"github.com/verso-db/verso/pubsub"
)

const (
	dialTimeout  = 5 * time.Second
	maxFetchSize = 10 * 1024 * 1024
)

// KafkaConsumer is a Consumer over real brokers. One connection is held per
// subscribed topic-partition; partitions are assigned explicitly so no
// consumer group coordination is involved.
type KafkaConsumer struct {
	lock sync.Mutex
	subs map[kafkaSubKey]*kafkaSub
}

type kafkaSubKey struct {
	topic     string
	partition int32
}

type kafkaSub struct {
	url        string
	conn       *kafka.Conn
	nextOffset int64
}

func NewKafkaConsumer() *KafkaConsumer {
	return &KafkaConsumer{subs: map[kafkaSubKey]*kafkaSub{}}
}

func dialLeader(url string, topic string, partition int32) (*kafka.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	conn, err := kafka.DialLeader(ctx, "tcp", url, topic, int(partition))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial leader for %s-%d at %s", topic, partition, url)
	}
	return conn, nil
}

func (c *KafkaConsumer) Subscribe(url string, topic string, partition int32, offset int64) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	key := kafkaSubKey{topic: topic, partition: partition}
	if existing, exists := c.subs[key]; exists {
		_ = existing.conn.Close()
		delete(c.subs, key)
	}
	conn, err := dialLeader(url, topic, partition)
	if err != nil {
		return err
	}
	var start int64
	if offset == meta.LowestOffset {
		start, err = conn.ReadFirstOffset()
		if err != nil {
			_ = conn.Close()
			return errors.Wrap(err, "failed to read first offset")
		}
	} else {
		start = offset + 1
	}
	if _, err := conn.Seek(start, kafka.SeekAbsolute); err != nil {
		_ = conn.Close()
		return errors.Wrapf(err, "failed to seek %s-%d to %d", topic, partition, start)
	}
	c.subs[key] = &kafkaSub{url: url, conn: conn, nextOffset: start}
	return nil
}

func (c *KafkaConsumer) Unsubscribe(topic string, partition int32) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	key := kafkaSubKey{topic: topic, partition: partition}
	sub, exists := c.subs[key]
	if !exists {
		return nil
	}
	delete(c.subs, key)
	return sub.conn.Close()
}

// Poll reads from each subscription in turn. The timeout is split across
// subscriptions so one idle partition cannot starve the rest.
func (c *KafkaConsumer) Poll(timeout time.Duration) ([]*pubsub.Record, error) {
	c.lock.Lock()
	subs := make(map[kafkaSubKey]*kafkaSub, len(c.subs))
	for k, v := range c.subs {
		subs[k] = v
	}
	c.lock.Unlock()
	if len(subs) == 0 {
		time.Sleep(timeout)
		return nil, nil
	}
	perSub := timeout / time.Duration(len(subs))
	if perSub < 10*time.Millisecond {
		perSub = 10 * time.Millisecond
	}
	var records []*pubsub.Record
	for key, sub := range subs {
		if err := sub.conn.SetReadDeadline(time.Now().Add(perSub)); err != nil {
			return nil, err
		}
		for {
			msg, err := sub.conn.ReadMessage(maxFetchSize)
			if err != nil {
				if isTimeout(err) {
					break
				}
				return records, errors.Wrapf(err, "failed to read from %s-%d", key.topic, key.partition)
			}
			env, err := pubsub.DeserializeEnvelope(msg.Value)
			if err != nil {
				return records, err
			}
			records = append(records, &pubsub.Record{
				URL:                 sub.url,
				Topic:               key.topic,
				Partition:           key.partition,
				Offset:              msg.Offset,
				Key:                 msg.Key,
				Envelope:            env,
				SerializedKeySize:   len(msg.Key),
				SerializedValueSize: len(msg.Value),
			})
			sub.nextOffset = msg.Offset + 1
		}
	}
	return records, nil
}

func isTimeout(err error) bool {
	type timeout interface {
		Timeout() bool
	}
	var te timeout
	return errors.As(err, &te) && te.Timeout()
}

func (c *KafkaConsumer) EndOffset(url string, topic string, partition int32) (int64, error) {
	conn, err := dialLeader(url, topic, partition)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = conn.Close()
	}()
	last, err := conn.ReadLastOffset()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read last offset")
	}
	return last, nil
}

func (c *KafkaConsumer) OffsetForTimestamp(url string, topic string, partition int32, ts int64) (int64, bool, error) {
	conn, err := dialLeader(url, topic, partition)
	if err != nil {
		return 0, false, err
	}
	defer func() {
		_ = conn.Close()
	}()
	offset, err := conn.ReadOffset(time.UnixMilli(ts))
	if err != nil {
		// The broker returns an error when no message at or after ts exists
		return 0, false, nil
	}
	return offset, true, nil
}

func (c *KafkaConsumer) OffsetLag(topic string, partition int32) (int64, bool) {
	c.lock.Lock()
	sub, exists := c.subs[kafkaSubKey{topic: topic, partition: partition}]
	c.lock.Unlock()
	if !exists {
		return 0, false
	}
	end, err := sub.conn.ReadLastOffset()
	if err != nil {
		return 0, false
	}
	lag := end - sub.nextOffset
	if lag < 0 {
		lag = 0
	}
	return lag, true
}

func (c *KafkaConsumer) Close() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	var firstErr error
	for _, sub := range c.subs {
		if err := sub.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.subs = map[kafkaSubKey]*kafkaSub{}
	return firstErr
}
