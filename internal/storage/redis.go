package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"notifyd/internal/notification"
	logx "notifyd/pkg/logx"

	"github.com/redis/go-redis/v9"
)

// redisStore keeps each outcome as a JSON string under <prefix>:outcome:<id>
// and indexes it in the sorted set <prefix>:outcomes scored by created_at in
// unix micros. Scores are float64, so the sub-microsecond remainder lives in
// the member instead: "<nnn>:<id>". Equal scores sort by member, which gives
// the same created_at DESC, id DESC order as the other drivers.
// Writes go through MULTI so the blob and index never diverge.
type redisStore struct {
	db     redis.UniversalClient
	log    logx.Logger
	prefix string
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("storage.url is required for redis driver")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis not ready: %w", err)
	}
	return NewRedis(client, cfg.KeyPrefix, log), nil
}

// NewRedis wraps an existing client. prefix defaults to "notifyd".
func NewRedis(client redis.UniversalClient, prefix string, log logx.Logger) Store {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "notifyd"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &redisStore{db: client, log: log, prefix: prefix}
}

func (s *redisStore) key(id string) string { return s.prefix + ":outcome:" + id }
func (s *redisStore) index() string        { return s.prefix + ":outcomes" }

func indexMember(o notification.Outcome) string {
	return fmt.Sprintf("%03d:%s", o.CreatedAt.Nanosecond()%1000, o.ID)
}

func memberID(member string) string {
	if _, id, ok := strings.Cut(member, ":"); ok {
		return id
	}
	return member
}

func (s *redisStore) Put(ctx context.Context, o notification.Outcome) error {
	if strings.TrimSpace(o.ID) == "" {
		return ErrInvalidID
	}
	data, err := json.Marshal(o)
	if err != nil {
		return err
	}
	_, err = s.db.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.key(o.ID), data, 0)
		p.ZAdd(ctx, s.index(), redis.Z{Score: float64(o.CreatedAt.UnixMicro()), Member: indexMember(o)})
		return nil
	})
	return err
}

func (s *redisStore) Get(ctx context.Context, id string) (notification.Outcome, bool, error) {
	if id == "" {
		return notification.Outcome{}, false, nil
	}
	b, err := s.db.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return notification.Outcome{}, false, nil
	}
	if err != nil {
		return notification.Outcome{}, false, err
	}
	var o notification.Outcome
	if err := json.Unmarshal(b, &o); err != nil {
		return notification.Outcome{}, false, fmt.Errorf("decode outcome %s: %w", id, err)
	}
	return o, true, nil
}

// List pages through the index until limit outcomes are decoded, so index
// entries whose blob is gone do not shorten the result.
func (s *redisStore) List(ctx context.Context, limit int) ([]notification.Outcome, error) {
	out := make([]notification.Outcome, 0, max(limit, 0))
	var start int64
	for {
		stop := int64(-1)
		if limit > 0 {
			stop = start + int64(limit-len(out)) - 1
		}
		members, err := s.db.ZRevRange(ctx, s.index(), start, stop).Result()
		if err != nil {
			return nil, err
		}
		if len(members) == 0 {
			break
		}
		batch, err := s.load(ctx, members)
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
		if limit <= 0 || len(out) >= limit || int64(len(members)) < stop-start+1 {
			break
		}
		start += int64(len(members))
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *redisStore) load(ctx context.Context, members []string) ([]notification.Outcome, error) {
	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = s.key(memberID(m))
	}
	vals, err := s.db.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]notification.Outcome, 0, len(vals))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			// Index entry without blob; Prune cleans these up.
			continue
		}
		var o notification.Outcome
		if err := json.Unmarshal([]byte(str), &o); err != nil {
			s.log.Warn("skipping undecodable outcome", logx.String("id", memberID(members[i])), logx.Err(err))
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

func (s *redisStore) Prune(ctx context.Context, olderThan time.Time, keep int) (int, error) {
	victims := map[string]struct{}{}
	if !olderThan.IsZero() {
		ids, err := s.db.ZRangeByScore(ctx, s.index(), &redis.ZRangeBy{
			Min: "-inf",
			Max: "(" + strconv.FormatInt(olderThan.UnixMicro(), 10),
		}).Result()
		if err != nil {
			return 0, err
		}
		for _, id := range ids {
			victims[id] = struct{}{}
		}
	}
	if keep > 0 {
		// Everything past the newest keep entries.
		ids, err := s.db.ZRevRange(ctx, s.index(), int64(keep), -1).Result()
		if err != nil {
			return 0, err
		}
		for _, id := range ids {
			victims[id] = struct{}{}
		}
	}
	if len(victims) == 0 {
		return 0, nil
	}

	keys := make([]string, 0, len(victims))
	members := make([]any, 0, len(victims))
	for m := range victims {
		keys = append(keys, s.key(memberID(m)))
		members = append(members, m)
	}
	_, err := s.db.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, keys...)
		p.ZRem(ctx, s.index(), members...)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(victims), nil
}

func (s *redisStore) Close() error {
	return s.db.Close()
}
