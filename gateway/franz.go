package gateway

import (
	"context"

	"github.com/pkg/errors"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/verso-db/verso/pubsub"
)

// FranzProducer produces to a single topic over real brokers using franz-go.
// Idempotent produce keeps per-partition send order, which also keeps the
// callback ordering the gateway relies on.
type FranzProducer struct {
	client *kgo.Client
	topic  string
}

func NewFranzProducer(brokers []string, topic string) (*FranzProducer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RecordPartitioner(kgo.ManualPartitioner()),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create producer for %s", topic)
	}
	return &FranzProducer{client: client, topic: topic}, nil
}

// FranzProducerFactory returns a TopicProducerFactory for the gateway's lazy
// one-shot initialization.
func FranzProducerFactory(brokers []string, topic string) TopicProducerFactory {
	return func() (TopicProducer, error) {
		return NewFranzProducer(brokers, topic)
	}
}

func (p *FranzProducer) Send(partition int32, key []byte, envelope *pubsub.MessageEnvelope,
	cb func(offset int64, err error)) {
	record := &kgo.Record{
		Topic:     p.topic,
		Partition: partition,
		Key:       key,
		Value:     pubsub.SerializeEnvelope(envelope),
	}
	p.client.Produce(context.Background(), record, func(r *kgo.Record, err error) {
		if err != nil {
			cb(-1, err)
			return
		}
		cb(r.Offset, nil)
	})
}

func (p *FranzProducer) Close() error {
	if err := p.client.Flush(context.Background()); err != nil {
		return err
	}
	p.client.Close()
	return nil
}
