package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	logx "pulsecron/pkg/logx"
)

// redisStore uses a simple key structure:
//
//	<prefix>snapshot    => snapshot blob
//	<prefix>deliveries  => LIST of JSON records, newest first, capped at journalMax
type redisStore struct {
	client     *redis.Client
	prefix     string
	journalMax int
	log        logx.Logger
}

func openRedis(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("storage.url is required for redis driver")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return newRedisStore(client, cfg, log), nil
}

func newRedisStore(client *redis.Client, cfg Config, log logx.Logger) *redisStore {
	prefix := strings.TrimSpace(cfg.Key)
	if prefix == "" {
		prefix = defaultRedisKey
	}
	return &redisStore{client: client, prefix: prefix, journalMax: cfg.journalMax(), log: log}
}

func (s *redisStore) keySnapshot() string   { return s.prefix + "snapshot" }
func (s *redisStore) keyDeliveries() string { return s.prefix + "deliveries" }

func (s *redisStore) Close() error { return s.client.Close() }

func (s *redisStore) SaveSnapshot(ctx context.Context, data []byte) error {
	return s.client.Set(ctx, s.keySnapshot(), data, 0).Err()
}

func (s *redisStore) LoadSnapshot(ctx context.Context) ([]byte, bool, error) {
	b, err := s.client.Get(ctx, s.keySnapshot()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (s *redisStore) AppendDelivery(ctx context.Context, r DeliveryRecord) error {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, s.keyDeliveries(), b)
		if s.journalMax > 0 {
			p.LTrim(ctx, s.keyDeliveries(), 0, int64(s.journalMax-1))
		}
		return nil
	})
	return err
}

func (s *redisStore) RecentDeliveries(ctx context.Context, n int) ([]DeliveryRecord, error) {
	stop := int64(-1)
	if n > 0 {
		stop = int64(n - 1)
	}
	raw, err := s.client.LRange(ctx, s.keyDeliveries(), 0, stop).Result()
	if err != nil {
		return nil, err
	}
	out := make([]DeliveryRecord, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var r DeliveryRecord
		if err := json.Unmarshal([]byte(raw[i]), &r); err != nil {
			s.log.Debug("skipping malformed journal record", logx.Err(err))
			continue
		}
		out = append(out, r)
	}
	return out, nil
}
