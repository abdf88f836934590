package kafka

import (
	"context"
	"fmt"
	"strings"
)

// Client opens broker connections on behalf of a single request or viewer.
// Handles returned by a Client are never shared between callers.
type Client interface {
	ConnectAdmin(ctx context.Context, cfg ConnectionConfig) (Admin, error)
	CreateConsumer(ctx context.Context, cfg ConnectionConfig, topic, groupID string) (Consumer, error)
}

// Admin is a connection-scoped metadata handle.
type Admin interface {
	ListTopics(ctx context.Context) ([]string, error)
	FetchTopicMetadata(ctx context.Context, topic string) (TopicMetadata, error)
	ListConsumerGroups(ctx context.Context) ([]ConsumerGroup, error)
	Close()
}

// Consumer is a group consumer owned by exactly one streaming session.
type Consumer interface {
	// Subscribe verifies the topic can be consumed. Consumption starts at the
	// current end of the log.
	Subscribe(ctx context.Context, topic string) error
	// Run delivers records to onRecord until ctx is cancelled, in which case it
	// returns nil, or until a fatal error occurs.
	Run(ctx context.Context, onRecord func(Record)) error
	Close()
}

// ConnectError reports that the brokers could not be reached or refused the
// supplied credentials.
type ConnectError struct {
	Addresses []string
	Err       error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to %s: %v", strings.Join(e.Addresses, ","), e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// FetchError reports a failed metadata or list call.
type FetchError struct {
	Op    string
	Topic string
	Err   error
}

func (e *FetchError) Error() string {
	if e.Topic != "" {
		return fmt.Sprintf("%s %q: %v", e.Op, e.Topic, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}
