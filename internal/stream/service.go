package stream

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/trellisdata/trellis/pkg/config"
	"github.com/trellisdata/trellis/pkg/logger"
)

// Service assigns sequence numbers, stores records and hands out feeds.
// Nodes are identified by their catalog path ("" is the root container).
type Service struct {
	data          Datastore
	log           *logger.Logger
	ttl           time.Duration
	queueSize     int
	replayTimeout time.Duration
}

// NewService wraps a datastore with the configured TTL and queue limits.
func NewService(data Datastore, cfg config.StreamConfig, log *logger.Logger) *Service {
	return &Service{
		data:          data,
		log:           log,
		ttl:           cfg.DataTTL,
		queueSize:     cfg.QueueSize,
		replayTimeout: cfg.ReplayTimeout,
	}
}

// Datastore exposes the underlying datastore, mainly for health checks.
func (s *Service) Datastore() Datastore { return s.data }

// Publish assigns the node's next sequence number to the record and stores
// it. Publishing after an end_of_stream record reports ErrStreamClosed.
func (s *Service) Publish(ctx context.Context, node string, rec *Record) (int64, error) {
	closed, err := s.isClosed(ctx, node)
	if err != nil {
		return 0, err
	}
	if closed {
		return 0, ErrStreamClosed
	}

	seq, err := s.data.IncrSeq(ctx, node)
	if err != nil {
		return 0, err
	}
	rec.Sequence = seq
	rec.Timestamp = time.Now().UTC()

	encoded, err := EncodeRecord(rec)
	if err != nil {
		return 0, err
	}
	ttl := s.ttl
	if rec.EndOfStream {
		// The closing record outlives the data so late replayers still
		// learn the stream ended.
		ttl = 2 * s.ttl
	}
	if err := s.data.Set(ctx, node, seq, encoded, ttl); err != nil {
		return 0, err
	}
	return seq, nil
}

// CloseStream appends the end_of_stream record and notifies every ancestor
// container with a stream_closed event.
func (s *Service) CloseStream(ctx context.Context, node string) (int64, error) {
	seq, err := s.Publish(ctx, node, &Record{EndOfStream: true})
	if err != nil {
		return 0, err
	}
	s.emitToAncestors(ctx, node, EventStreamClosed)
	return seq, nil
}

// EmitChildCreated notifies every ancestor container that a node appeared
// under it.
func (s *Service) EmitChildCreated(ctx context.Context, path string) {
	s.emitToAncestors(ctx, path, EventChildCreated)
}

// EmitChildMetadataUpdated notifies every ancestor container that a node's
// metadata changed.
func (s *Service) EmitChildMetadataUpdated(ctx context.Context, path string) {
	s.emitToAncestors(ctx, path, EventChildMetadataUpdated)
}

// emitToAncestors publishes one event record per ancestor container,
// nearest first, keyed by the child path relative to that container.
// Failures are logged, not propagated: container notifications are
// best-effort and must not fail the write that caused them.
func (s *Service) emitToAncestors(ctx context.Context, path, event string) {
	if path == "" {
		return
	}
	segments := strings.Split(path, "/")
	for i := len(segments) - 1; i >= 0; i-- {
		ancestor := strings.Join(segments[:i], "/")
		relative := strings.Join(segments[i:], "/")
		_, err := s.Publish(ctx, ancestor, &Record{Event: event, Key: relative})
		if err != nil && !errors.Is(err, ErrStreamClosed) {
			s.warnf("failed to publish %s for %q to %q: %v", event, path, ancestor, err)
		}
	}
}

func (s *Service) isClosed(ctx context.Context, node string) (bool, error) {
	current, err := s.data.CurrentSeq(ctx, node)
	if err != nil || current == 0 {
		return false, err
	}
	rec, err := s.fetch(ctx, node, current)
	if err != nil || rec == nil {
		return false, err
	}
	return rec.EndOfStream, nil
}

func (s *Service) fetch(ctx context.Context, node string, seq int64) (*Record, error) {
	data, err := s.data.Get(ctx, node, seq)
	if err != nil || data == nil {
		return nil, err
	}
	return DecodeRecord(data)
}

func (s *Service) warnf(format string, args ...any) {
	if s.log != nil {
		s.log.Warnf(format, args...)
	}
}

// Feed is one consumer's view of a node stream: stored records replayed
// from the requested start, then live records, in strictly increasing
// sequence order with no gaps or duplicates. After Records is closed, Err
// reports why: nil after end_of_stream, ErrQueueOverflow when the consumer
// fell behind, or the context error on cancellation.
type Feed struct {
	records chan *Record
	err     error
	cancel  context.CancelFunc
}

// Records yields the stream records in order.
func (f *Feed) Records() <-chan *Record { return f.records }

// Err reports why the feed ended. Valid only after Records is closed.
func (f *Feed) Err() error { return f.err }

// Close cancels the feed and releases its subscription.
func (f *Feed) Close() { f.cancel() }

// Follow subscribes to the node and returns a feed starting at sequence
// max(1, start); zero replays from the earliest stored record. Expired
// records are skipped.
func (s *Service) Follow(ctx context.Context, node string, start int64) (*Feed, error) {
	sub, err := s.data.Subscribe(ctx, node)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	feed := &Feed{records: make(chan *Record, s.queueSize), cancel: cancel}
	go s.follow(ctx, node, start, sub, feed)
	return feed, nil
}

func (s *Service) follow(ctx context.Context, node string, start int64, sub Subscription, feed *Feed) {
	defer close(feed.records)
	defer sub.Unsubscribe()

	next := start
	if next < 1 {
		next = 1
	}

	// Replay. Subscribing before reading the counter means anything
	// published from here on also produces a notification, so the
	// transition to live cannot skip records.
	replayCtx, cancelReplay := context.WithTimeout(ctx, s.replayTimeout)
	done, err := s.replay(replayCtx, node, &next, feed)
	cancelReplay()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = ErrReplayTimeout
		}
		feed.err = err
		return
	}
	if done {
		return
	}

	// Live. A notification means records exist up to that sequence; a full
	// consumer queue ends the feed instead of blocking the publisher path.
	for {
		select {
		case <-ctx.Done():
			feed.err = ctx.Err()
			return
		case latest, ok := <-sub.Sequences():
			if !ok {
				return
			}
			for ; next <= latest; next++ {
				rec, err := s.fetch(ctx, node, next)
				if err != nil {
					feed.err = err
					return
				}
				if rec == nil {
					continue
				}
				select {
				case feed.records <- rec:
				default:
					feed.err = ErrQueueOverflow
					return
				}
				if rec.EndOfStream {
					return
				}
			}
		}
	}
}

// replay streams stored records [next, current] into the feed, advancing
// next. It reports done=true when it delivered an end_of_stream record.
func (s *Service) replay(ctx context.Context, node string, next *int64, feed *Feed) (bool, error) {
	current, err := s.data.CurrentSeq(ctx, node)
	if err != nil {
		return false, err
	}
	for ; *next <= current; *next++ {
		rec, err := s.fetch(ctx, node, *next)
		if err != nil {
			return false, err
		}
		if rec == nil {
			continue
		}
		select {
		case feed.records <- rec:
		case <-ctx.Done():
			return false, ctx.Err()
		}
		if rec.EndOfStream {
			*next++
			return true, nil
		}
	}
	return false, nil
}
