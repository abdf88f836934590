package stream

import (
	"strconv"

	"github.com/ppiankov/kafkarelay/internal/kafka"
)

// Record is the JSON frame pushed to a viewer for every consumed message.
type Record struct {
	Topic     string  `json:"topic"`
	Partition int32   `json:"partition"`
	Offset    string  `json:"offset"`
	Key       *string `json:"key,omitempty"`
	Value     string  `json:"value"`
	Timestamp int64   `json:"timestamp"`
}

// NewRecord converts a consumed message. Keys and values are rendered as
// strings; a message without a key has no key field.
func NewRecord(rec kafka.Record) Record {
	out := Record{
		Topic:     rec.Topic,
		Partition: rec.Partition,
		Offset:    strconv.FormatInt(rec.Offset, 10),
		Value:     string(rec.Value),
		Timestamp: rec.Timestamp.UnixMilli(),
	}
	if rec.Key != nil {
		key := string(rec.Key)
		out.Key = &key
	}
	return out
}
