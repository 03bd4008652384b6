package stream

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/trellisdata/trellis/pkg/config"
)

// Key layout shared by all datastores.
func dataKey(node string, seq int64) string { return fmt.Sprintf("data:%s:%d", node, seq) }
func seqKey(node string) string             { return "seq:" + node }
func topic(node string) string              { return "notify:" + node }

// Datastore persists stream records and distributes sequence notifications.
// Notifications are a wakeup, not a reliable feed: a consumer that receives
// sequence n is expected to fetch every record it has not seen up to n, so
// dropped or conflated notifications never lose data.
type Datastore interface {
	// IncrSeq atomically increments and returns the node's sequence counter.
	IncrSeq(ctx context.Context, node string) (int64, error)

	// CurrentSeq returns the node's latest assigned sequence, zero when the
	// node has never been published to (or the counter expired).
	CurrentSeq(ctx context.Context, node string) (int64, error)

	// Set stores the encoded record under the node and sequence with the
	// given TTL, refreshes the counter TTL, and publishes the sequence on
	// the node's topic. The record is visible to Get before the
	// notification is delivered.
	Set(ctx context.Context, node string, seq int64, record []byte, ttl time.Duration) error

	// Get returns the encoded record, or nil when it is missing or expired.
	Get(ctx context.Context, node string, seq int64) ([]byte, error)

	// Publish sends a bare sequence notification on the node's topic.
	Publish(ctx context.Context, node string, seq int64) error

	// Subscribe starts delivering the node's sequence notifications.
	Subscribe(ctx context.Context, node string) (Subscription, error)

	// Close releases the datastore's resources.
	Close() error
}

// Subscription is one consumer's registration on a node topic.
type Subscription interface {
	// Sequences yields published sequence numbers. The channel is closed
	// after Unsubscribe.
	Sequences() <-chan int64

	// Unsubscribe stops delivery and releases the subscription.
	Unsubscribe() error
}

// Opener builds a datastore from the stream configuration.
type Opener func(ctx context.Context, cfg config.StreamConfig) (Datastore, error)

var (
	openersMu sync.RWMutex
	openers   = make(map[string]Opener)
)

// RegisterDatastore registers a datastore implementation under a
// case-insensitive name.
func RegisterDatastore(name string, open Opener) {
	openersMu.Lock()
	defer openersMu.Unlock()

	openers[strings.ToLower(name)] = open
}

// OpenDatastore builds the datastore named by cfg.Datastore. Unknown names
// fail so a misconfigured deployment stops at startup rather than serving
// without streaming.
func OpenDatastore(ctx context.Context, cfg config.StreamConfig) (Datastore, error) {
	openersMu.RLock()
	open, ok := openers[strings.ToLower(cfg.Datastore)]
	openersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown stream datastore %q (registered: %s)",
			cfg.Datastore, strings.Join(registeredDatastores(), ", "))
	}
	return open(ctx, cfg)
}

func registeredDatastores() []string {
	openersMu.RLock()
	defer openersMu.RUnlock()

	names := make([]string, 0, len(openers))
	for name := range openers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
