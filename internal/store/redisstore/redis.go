// Package redisstore caches terminal report statuses so repeated polls of a
// finished report do not reach the database.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

func New(addr, password string, db int, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Store{
		rdb: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		ttl: ttl,
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

func statusKey(reportID string) string {
	return "report:status:" + reportID
}

// GetStatus decodes a cached status into dst. It reports false on a miss.
// An entry that no longer decodes is dropped and reported as a miss.
func (s *Store) GetStatus(ctx context.Context, reportID string, dst any) (bool, error) {
	b, err := s.rdb.Get(ctx, statusKey(reportID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return false, s.DeleteStatus(ctx, reportID)
	}
	return true, nil
}

// SetStatus caches v for a report. Only terminal statuses should be cached:
// they never change, so the entry can't go stale.
func (s *Store) SetStatus(ctx context.Context, reportID string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, statusKey(reportID), b, s.ttl).Err()
}

func (s *Store) DeleteStatus(ctx context.Context, reportID string) error {
	return s.rdb.Del(ctx, statusKey(reportID)).Err()
}
