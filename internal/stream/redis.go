package stream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trellisdata/trellis/pkg/config"
	"github.com/trellisdata/trellis/pkg/database"
)

func init() {
	RegisterDatastore("redis", func(ctx context.Context, cfg config.StreamConfig) (Datastore, error) {
		rcfg := database.DefaultRedisConfig()
		rcfg.URL = cfg.RedisURL
		rdb, err := database.NewRedis(ctx, rcfg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect stream datastore: %w", err)
		}
		return NewRedisDatastore(rdb), nil
	})
}

// redisDatastore backs streams with Redis so multiple server processes can
// share one set of counters, records and topics.
type redisDatastore struct {
	rdb *database.Redis
}

// NewRedisDatastore wraps an established Redis connection as a stream
// datastore.
func NewRedisDatastore(rdb *database.Redis) Datastore {
	return &redisDatastore{rdb: rdb}
}

func (r *redisDatastore) IncrSeq(ctx context.Context, node string) (int64, error) {
	return r.rdb.Client().Incr(ctx, seqKey(node)).Result()
}

func (r *redisDatastore) CurrentSeq(ctx context.Context, node string) (int64, error) {
	raw, err := r.rdb.Client().Get(ctx, seqKey(node)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(raw, 10, 64)
}

func (r *redisDatastore) Set(ctx context.Context, node string, seq int64, record []byte, ttl time.Duration) error {
	// One pipeline keeps store-then-notify ordering on a single connection.
	_, err := r.rdb.Client().Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, dataKey(node, seq), record, ttl)
		pipe.Expire(ctx, seqKey(node), ttl)
		pipe.Publish(ctx, topic(node), strconv.FormatInt(seq, 10))
		return nil
	})
	return err
}

func (r *redisDatastore) Get(ctx context.Context, node string, seq int64) ([]byte, error) {
	data, err := r.rdb.Client().Get(ctx, dataKey(node, seq)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (r *redisDatastore) Publish(ctx context.Context, node string, seq int64) error {
	return r.rdb.Client().Publish(ctx, topic(node), strconv.FormatInt(seq, 10)).Err()
}

func (r *redisDatastore) Subscribe(ctx context.Context, node string) (Subscription, error) {
	ps := r.rdb.Client().Subscribe(ctx, topic(node))
	// Force the SUBSCRIBE round trip so missing connectivity surfaces here.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, err
	}

	sub := &redisSub{ps: ps, ch: make(chan int64, 1)}
	go func() {
		defer close(sub.ch)
		for msg := range ps.Channel() {
			seq, err := strconv.ParseInt(msg.Payload, 10, 64)
			if err != nil {
				continue
			}
			conflate(sub.ch, seq)
		}
	}()
	return sub, nil
}

func (r *redisDatastore) Close() error {
	r.rdb.Close()
	return nil
}

type redisSub struct {
	ps *redis.PubSub
	ch chan int64
}

func (s *redisSub) Sequences() <-chan int64 { return s.ch }

// Unsubscribe closes the PubSub, which ends its message channel and with it
// the forwarding goroutine.
func (s *redisSub) Unsubscribe() error {
	return s.ps.Close()
}

// conflate replaces a pending notification with the newer one; consumers
// treat a received sequence as "fetch everything up to here".
func conflate(ch chan int64, seq int64) {
	select {
	case ch <- seq:
	default:
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- seq:
		default:
		}
	}
}
