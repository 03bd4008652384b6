// Package stream delivers ordered update records for catalog nodes.
// Every node has an independent sequence counter; publishing a record
// assigns the next number, stores the record with a TTL, and notifies
// subscribers. Consumers replay stored records and then follow live
// publishes with no gaps or duplicates.
package stream

import (
	"errors"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Container event names published to ancestor streams.
const (
	EventChildCreated         = "child_created"
	EventChildMetadataUpdated = "child_metadata_updated"
	EventStreamClosed         = "stream_closed"
)

// Record is one stream entry. Data records carry the new payload bytes
// with the shape and dtype needed to interpret them; container events
// carry the child key path instead. The final record of a stream has
// EndOfStream set and nothing after it.
type Record struct {
	Sequence    int64          `json:"sequence" msgpack:"sequence"`
	Timestamp   time.Time      `json:"timestamp" msgpack:"timestamp"`
	Event       string         `json:"event,omitempty" msgpack:"event,omitempty"`
	Key         string         `json:"key,omitempty" msgpack:"key,omitempty"`
	Shape       []int64        `json:"shape,omitempty" msgpack:"shape,omitempty"`
	DType       string         `json:"dtype,omitempty" msgpack:"dtype,omitempty"`
	Payload     []byte         `json:"payload,omitempty" msgpack:"payload,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty" msgpack:"metadata,omitempty"`
	EndOfStream bool           `json:"end_of_stream,omitempty" msgpack:"end_of_stream,omitempty"`
}

// EncodeRecord serializes a record for storage.
func EncodeRecord(rec *Record) ([]byte, error) {
	return msgpack.Marshal(rec)
}

// DecodeRecord deserializes a stored record.
func DecodeRecord(data []byte) (*Record, error) {
	var rec Record
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

var (
	// ErrStreamClosed marks a publish against a node whose stream already
	// carries an end_of_stream record.
	ErrStreamClosed = errors.New("stream is closed")

	// ErrQueueOverflow marks a subscriber that fell too far behind the
	// publisher; its feed is terminated rather than blocking publishers.
	ErrQueueOverflow = errors.New("subscriber queue overflow")

	// ErrReplayTimeout marks a replay that could not finish within the
	// configured window.
	ErrReplayTimeout = errors.New("replay timed out")
)
