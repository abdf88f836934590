// Package catalog aggregates topic, partition and consumer-group metadata
// into one listing per cluster.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/ppiankov/kafkarelay/internal/kafka"
	"github.com/ppiankov/kafkarelay/internal/metrics"
)

const (
	// Unavailable is rendered in place of a count that could not be read.
	Unavailable = "N/A"

	consumerProtocol = "consumer"
	fetchFailed      = "Failed to fetch details"
)

// Count is a non-negative metric or the Unavailable sentinel.
type Count struct {
	value int
	known bool
}

// Known wraps n as an available count.
func Known(n int) Count {
	return Count{value: n, known: true}
}

// Int returns the count and whether it is available.
func (c Count) Int() (int, bool) {
	return c.value, c.known
}

func (c Count) String() string {
	if !c.known {
		return Unavailable
	}
	return strconv.Itoa(c.value)
}

func (c Count) MarshalJSON() ([]byte, error) {
	if !c.known {
		return json.Marshal(Unavailable)
	}
	return []byte(strconv.Itoa(c.value)), nil
}

func (c *Count) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte(`"`+Unavailable+`"`)) {
		*c = Count{}
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("count: %w", err)
	}
	*c = Known(n)
	return nil
}

// TopicSummary is one catalog row. When Error is set every count is
// unavailable.
type TopicSummary struct {
	Name              string `json:"name"`
	Partitions        Count  `json:"partitions"`
	ReplicationFactor Count  `json:"replicationFactor"`
	ConsumerGroups    Count  `json:"consumerGroups"`
	Error             string `json:"error,omitempty"`
}

// Failed reports whether the row carries a fetch error.
func (s TopicSummary) Failed() bool {
	return s.Error != ""
}

// Catalog is the result of a build, in broker listing order.
type Catalog struct {
	Topics      []TopicSummary `json:"topics"`
	TotalTopics int            `json:"totalTopics"`
}

// Builder builds catalogs through a broker client.
type Builder struct {
	client kafka.Client
}

// NewBuilder creates a builder.
func NewBuilder(client kafka.Client) *Builder {
	return &Builder{client: client}
}

// Build connects with cfg and describes every topic. Only connecting and
// listing topics fail the whole build; a topic whose metadata cannot be read
// is reported as an unavailable row.
func (b *Builder) Build(ctx context.Context, cfg kafka.ConnectionConfig) (*Catalog, error) {
	start := time.Now()
	defer func() {
		metrics.CatalogDuration.Observe(time.Since(start).Seconds())
	}()

	admin, err := b.client.ConnectAdmin(ctx, cfg)
	if err != nil {
		metrics.CatalogBuilds.WithLabelValues("connect_error").Inc()
		return nil, err
	}
	defer admin.Close()

	names, err := admin.ListTopics(ctx)
	if err != nil {
		metrics.CatalogBuilds.WithLabelValues("connect_error").Inc()
		return nil, &kafka.ConnectError{Addresses: cfg.Addresses, Err: err}
	}

	groups, err := admin.ListConsumerGroups(ctx)
	if err != nil {
		slog.Warn("Listing consumer groups failed, reporting zero groups per topic", "error", err)
		groups = nil
	}

	topics := make([]TopicSummary, 0, len(names))
	for _, name := range names {
		meta, err := admin.FetchTopicMetadata(ctx, name)
		if err != nil {
			slog.Warn("Fetching topic metadata failed", "topic", name, "error", err)
			metrics.CatalogTopicErrors.Inc()
			topics = append(topics, TopicSummary{Name: name, Error: fetchFailed})
			continue
		}
		topics = append(topics, summarize(name, meta, groups))
	}

	metrics.CatalogBuilds.WithLabelValues("ok").Inc()
	slog.Debug("Catalog built", "topics", len(topics), "groups", len(groups), "duration", time.Since(start))

	return &Catalog{Topics: topics, TotalTopics: len(names)}, nil
}

func summarize(name string, meta kafka.TopicMetadata, groups []kafka.ConsumerGroup) TopicSummary {
	replication := 0
	if len(meta.Partitions) > 0 {
		// Replication is assumed uniform across partitions.
		replication = len(meta.Partitions[0].Replicas)
	}

	return TopicSummary{
		Name:              name,
		Partitions:        Known(len(meta.Partitions)),
		ReplicationFactor: Known(replication),
		ConsumerGroups:    Known(countGroups(name, groups)),
	}
}

// countGroups counts consumer-protocol groups with a member whose raw
// subscription metadata mentions topic. The match is a byte substring, so a
// topic whose name is contained in another subscribed topic's name is also
// counted.
func countGroups(topic string, groups []kafka.ConsumerGroup) int {
	needle := []byte(topic)
	count := 0
	for _, group := range groups {
		if group.ProtocolType != consumerProtocol {
			continue
		}
		for _, member := range group.Members {
			if bytes.Contains(member.MetadataRaw, needle) {
				count++
				break
			}
		}
	}
	return count
}
