// Package kafkatest provides in-memory implementations of the broker client
// contracts for tests.
package kafkatest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/ppiankov/kafkarelay/internal/kafka"
)

// Cluster is a fake kafka.Client. The zero value is an empty, reachable
// cluster. Fields must be set before the Cluster is shared.
type Cluster struct {
	Topics        []string
	Metadata      map[string]kafka.TopicMetadata
	MetadataErrs  map[string]error
	Groups        []kafka.ConsumerGroup
	GroupsErr     error
	ConnectErr    error
	ListErr       error
	ConsumerErr   error
	SubscribeErr  error
	ConsumerStart func(c *Consumer)
	// ConsumerClose runs at the start of Consumer.Close and may block.
	ConsumerClose func(c *Consumer)

	AdminConnects atomic.Int32
	AdminCloses   atomic.Int32

	mu        sync.Mutex
	consumers []*Consumer
}

// Compile-time interface checks.
var (
	_ kafka.Client   = (*Cluster)(nil)
	_ kafka.Admin    = (*admin)(nil)
	_ kafka.Consumer = (*Consumer)(nil)
)

func (c *Cluster) ConnectAdmin(_ context.Context, cfg kafka.ConnectionConfig) (kafka.Admin, error) {
	c.AdminConnects.Add(1)
	if c.ConnectErr != nil {
		return nil, &kafka.ConnectError{Addresses: cfg.Addresses, Err: c.ConnectErr}
	}
	return &admin{cluster: c}, nil
}

func (c *Cluster) CreateConsumer(_ context.Context, cfg kafka.ConnectionConfig, topic, groupID string) (kafka.Consumer, error) {
	if c.ConsumerErr != nil {
		return nil, &kafka.ConnectError{Addresses: cfg.Addresses, Err: c.ConsumerErr}
	}

	consumer := &Consumer{
		Topic:   topic,
		GroupID: groupID,
		Config:  cfg,
		records: make(chan kafka.Record, 64),
		running: make(chan struct{}),
		fatal:   make(chan error, 1),
		cluster: c,
	}

	c.mu.Lock()
	c.consumers = append(c.consumers, consumer)
	c.mu.Unlock()

	if c.ConsumerStart != nil {
		c.ConsumerStart(consumer)
	}
	return consumer, nil
}

// Consumers returns every consumer created so far, oldest first.
func (c *Cluster) Consumers() []*Consumer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Consumer(nil), c.consumers...)
}

type admin struct {
	cluster *Cluster
}

func (a *admin) ListTopics(context.Context) ([]string, error) {
	if a.cluster.ListErr != nil {
		return nil, a.cluster.ListErr
	}
	return append([]string(nil), a.cluster.Topics...), nil
}

func (a *admin) FetchTopicMetadata(_ context.Context, topic string) (kafka.TopicMetadata, error) {
	if err := a.cluster.MetadataErrs[topic]; err != nil {
		return kafka.TopicMetadata{}, &kafka.FetchError{Op: "describe topic", Topic: topic, Err: err}
	}
	meta, ok := a.cluster.Metadata[topic]
	if !ok {
		return kafka.TopicMetadata{}, &kafka.FetchError{Op: "describe topic", Topic: topic, Err: errors.New("unknown topic")}
	}
	return meta, nil
}

func (a *admin) ListConsumerGroups(context.Context) ([]kafka.ConsumerGroup, error) {
	if a.cluster.GroupsErr != nil {
		return nil, a.cluster.GroupsErr
	}
	return append([]kafka.ConsumerGroup(nil), a.cluster.Groups...), nil
}

func (a *admin) Close() {
	a.cluster.AdminCloses.Add(1)
}

// Consumer is a fake kafka.Consumer fed through Produce.
type Consumer struct {
	Topic   string
	GroupID string
	Config  kafka.ConnectionConfig

	Closes atomic.Int32

	records chan kafka.Record
	running chan struct{}
	started atomic.Bool
	fatal   chan error
	cluster *Cluster
}

func (c *Consumer) Subscribe(context.Context, string) error {
	return c.cluster.SubscribeErr
}

func (c *Consumer) Run(ctx context.Context, onRecord func(kafka.Record)) error {
	if c.started.CompareAndSwap(false, true) {
		close(c.running)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-c.fatal:
			return err
		case rec := <-c.records:
			onRecord(rec)
		}
	}
}

func (c *Consumer) Close() {
	if c.cluster.ConsumerClose != nil {
		c.cluster.ConsumerClose(c)
	}
	c.Closes.Add(1)
}

// Running is closed once Run has started.
func (c *Consumer) Running() <-chan struct{} {
	return c.running
}

// Produce queues a record for delivery by Run.
func (c *Consumer) Produce(rec kafka.Record) {
	c.records <- rec
}

// Fail makes Run return err.
func (c *Consumer) Fail(err error) {
	c.fatal <- err
}
