// Package redisstore keeps pairs in Redis, one hash per pair.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/vklachkov/glashatay/internal/pair"
)

const (
	fieldSource        = "source_handle"
	fieldDestination   = "destination_id"
	fieldInterval      = "poll_interval_ms"
	fieldLastPoll      = "last_poll_at"
	fieldLastDelivered = "last_delivered_at"
	fieldCreated       = "created_at"
)

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string // key prefix, e.g. "glashatay:"
}

// Store is a pair.Store backed by Redis.
type Store struct {
	client *redis.Client
	prefix string
}

var _ pair.Store = (*Store)(nil)

// Open connects to Redis and verifies the connection with PING.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if strings.TrimSpace(opts.Addr) == "" {
		return nil, errors.New("redis addr is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: ping redis %s: %w", pair.ErrPersistence, opts.Addr, err)
	}

	return New(client, opts.Prefix), nil
}

// New wraps an existing client.
func New(client *redis.Client, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *Store) ListPairs(ctx context.Context) (map[pair.ID]pair.Config, error) {
	if s == nil || s.client == nil {
		return nil, notInitialized()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	members, err := s.client.SMembers(ctx, s.setKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: list pair ids: %w", pair.ErrPersistence, err)
	}

	ids := make([]pair.ID, 0, len(members))
	for _, m := range members {
		id, err := pair.ParseID(m)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", pair.ErrPersistence, err)
		}
		ids = append(ids, id)
	}

	cmds := make([]*redis.StringStringMapCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.pairKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: read pairs: %w", pair.ErrPersistence, err)
	}

	pairs := make(map[pair.ID]pair.Config, len(ids))
	for i, id := range ids {
		fields := cmds[i].Val()
		if len(fields) == 0 {
			// id left in the set by an interrupted delete
			continue
		}
		cfg, err := decodePair(fields)
		if err != nil {
			return nil, fmt.Errorf("%w: decode pair %d: %w", pair.ErrPersistence, id, err)
		}
		pairs[id] = cfg
	}

	return pairs, nil
}

func (s *Store) InsertPair(ctx context.Context, cfg pair.Config) (pair.ID, error) {
	if s == nil || s.client == nil {
		return 0, notInitialized()
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := cfg.Validate(); err != nil {
		return 0, err
	}

	seq, err := s.client.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: allocate pair id: %w", pair.ErrPersistence, err)
	}
	id := pair.ID(seq)

	fields := encodePair(cfg)
	fields[fieldCreated] = formatTime(time.Now())

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.pairKey(id), fields)
		pipe.SAdd(ctx, s.setKey(), id.String())
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: insert pair: %w", pair.ErrPersistence, err)
	}

	return id, nil
}

func (s *Store) UpdatePair(ctx context.Context, id pair.ID, cfg pair.Config) error {
	if s == nil || s.client == nil {
		return notInitialized()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	key := s.pairKey(id)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("pair %d: %w", id, pair.ErrNotFound)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, encodePair(cfg))
			return nil
		})
		return err
	}, key)
	if errors.Is(err, pair.ErrNotFound) {
		return err
	}
	if err != nil {
		return fmt.Errorf("%w: update pair %d: %w", pair.ErrPersistence, id, err)
	}
	return nil
}

func (s *Store) DeletePair(ctx context.Context, id pair.ID) error {
	if s == nil || s.client == nil {
		return notInitialized()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var del *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, s.pairKey(id))
		pipe.SRem(ctx, s.setKey(), id.String())
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: delete pair %d: %w", pair.ErrPersistence, id, err)
	}
	if del.Val() == 0 {
		return fmt.Errorf("pair %d: %w", id, pair.ErrNotFound)
	}
	return nil
}

func (s *Store) pairKey(id pair.ID) string {
	return s.prefix + "pair:" + id.String()
}

func (s *Store) setKey() string {
	return s.prefix + "pairs"
}

func (s *Store) seqKey() string {
	return s.prefix + "pair:seq"
}

func notInitialized() error {
	return fmt.Errorf("%w: store is not initialized", pair.ErrPersistence)
}

// encodePair flattens cfg into hash fields. Unset times are stored as "".
func encodePair(cfg pair.Config) map[string]interface{} {
	return map[string]interface{}{
		fieldSource:        strings.TrimSpace(cfg.SourceHandle),
		fieldDestination:   strconv.FormatInt(cfg.DestinationID, 10),
		fieldInterval:      strconv.FormatInt(cfg.PollInterval.Milliseconds(), 10),
		fieldLastPoll:      optionalTime(cfg.LastPollAt),
		fieldLastDelivered: optionalTime(cfg.LastDeliveredAt),
	}
}

func decodePair(fields map[string]string) (pair.Config, error) {
	var cfg pair.Config
	cfg.SourceHandle = fields[fieldSource]

	dest, err := strconv.ParseInt(fields[fieldDestination], 10, 64)
	if err != nil {
		return pair.Config{}, fmt.Errorf("parse %s: %w", fieldDestination, err)
	}
	cfg.DestinationID = dest

	millis, err := strconv.ParseInt(fields[fieldInterval], 10, 64)
	if err != nil {
		return pair.Config{}, fmt.Errorf("parse %s: %w", fieldInterval, err)
	}
	cfg.PollInterval = time.Duration(millis) * time.Millisecond

	if cfg.LastPollAt, err = parseOptionalTime(fields[fieldLastPoll]); err != nil {
		return pair.Config{}, fmt.Errorf("parse %s: %w", fieldLastPoll, err)
	}
	if cfg.LastDeliveredAt, err = parseOptionalTime(fields[fieldLastDelivered]); err != nil {
		return pair.Config{}, fmt.Errorf("parse %s: %w", fieldLastDelivered, err)
	}

	return cfg, nil
}

func optionalTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func parseOptionalTime(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil, err
	}
	return &ts, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
