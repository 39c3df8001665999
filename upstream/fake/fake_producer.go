package fake

import (
	"sync"

	"github.com/verso-db/verso/common"
	"github.com/verso-db/verso/errors"
	"github.com/verso-db/verso/gateway"
	"github.com/verso-db/verso/pubsub"
)

// FabricProducer produces to one topic of the fabric, invoking callbacks in
// send order per partition as the gateway's callback contract requires.
type FabricProducer struct {
	fabric *Fabric
	url    string
	topic  string

	lock   sync.Mutex
	locks  map[int32]*sync.Mutex
	closed bool

	// FailNextSends makes the next n sends fail, for error-path tests.
	failLock      sync.Mutex
	failNextSends int
}

func NewFabricProducer(fabric *Fabric, url string, topic string) *FabricProducer {
	return &FabricProducer{fabric: fabric, url: url, topic: topic, locks: map[int32]*sync.Mutex{}}
}

// Factory returns a TopicProducerFactory over this producer.
func (p *FabricProducer) Factory() gateway.TopicProducerFactory {
	return func() (gateway.TopicProducer, error) {
		return p, nil
	}
}

func (p *FabricProducer) FailNextSends(n int) {
	p.failLock.Lock()
	defer p.failLock.Unlock()
	p.failNextSends = n
}

func (p *FabricProducer) shouldFail() bool {
	p.failLock.Lock()
	defer p.failLock.Unlock()
	if p.failNextSends > 0 {
		p.failNextSends--
		return true
	}
	return false
}

func (p *FabricProducer) partitionLock(partition int32) *sync.Mutex {
	p.lock.Lock()
	defer p.lock.Unlock()
	l, exists := p.locks[partition]
	if !exists {
		l = &sync.Mutex{}
		p.locks[partition] = l
	}
	return l
}

func (p *FabricProducer) Send(partition int32, key []byte, envelope *pubsub.MessageEnvelope,
	cb func(offset int64, err error)) {
	l := p.partitionLock(partition)
	l.Lock()
	defer l.Unlock()
	p.lock.Lock()
	closed := p.closed
	p.lock.Unlock()
	if closed {
		cb(-1, errors.NewVersoError(errors.ShutdownError, "producer is closed"))
		return
	}
	if p.shouldFail() {
		cb(-1, errors.NewVersoError(errors.Unavailable, "injected producer failure"))
		return
	}
	offset, err := p.fabric.Produce(p.url, p.topic, partition, key, envelope, common.NowMillis())
	if err != nil {
		cb(-1, err)
		return
	}
	cb(offset, nil)
}

func (p *FabricProducer) Close() error {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.closed = true
	return nil
}
