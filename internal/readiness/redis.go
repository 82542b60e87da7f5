package readiness

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"vodworks/internal/media"
)

// RedisStoreConfig configures the Redis-backed readiness store.
type RedisStoreConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	KeyPrefix    string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	MasterName   string
}

// NewRedisStore initialises a store keeping one hash per video. Each quality
// is a hash field holding the JSON record, so an HSET updates status and
// output path in one atomic write and HGETALL reads the whole mapping.
func NewRedisStore(cfg RedisStoreConfig) (*RedisStore, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	prefix := strings.TrimSpace(cfg.KeyPrefix)
	if prefix == "" {
		prefix = "video"
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	})
	return &RedisStore{client: client, prefix: prefix}, nil
}

// RedisStore implements Store on a Redis hash per video.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

var _ Store = (*RedisStore)(nil)

func (s *RedisStore) SetStatus(ctx context.Context, videoID string, quality media.Quality, record Record) error {
	if strings.TrimSpace(videoID) == "" {
		return fmt.Errorf("video id is required")
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal readiness record: %w", err)
	}
	if err := s.client.HSet(ctx, s.key(videoID), string(quality), string(payload)).Err(); err != nil {
		return &StoreError{Op: "write", Err: err}
	}
	return nil
}

func (s *RedisStore) GetAll(ctx context.Context, videoID string) (map[media.Quality]Record, error) {
	fields, err := s.client.HGetAll(ctx, s.key(videoID)).Result()
	if err != nil {
		return nil, &StoreError{Op: "read", Err: err}
	}
	records := make(map[media.Quality]Record, len(fields))
	for field, value := range fields {
		quality, err := media.ParseQuality(field)
		if err != nil {
			continue
		}
		var record Record
		if err := json.Unmarshal([]byte(value), &record); err != nil {
			return nil, fmt.Errorf("decode readiness record %s/%s: %w", videoID, field, err)
		}
		records[quality] = record
	}
	return records, nil
}

func (s *RedisStore) Delete(ctx context.Context, videoID string) error {
	if err := s.client.Del(ctx, s.key(videoID)).Err(); err != nil {
		return &StoreError{Op: "delete", Err: err}
	}
	return nil
}

// Ping verifies connectivity for health checks.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) key(videoID string) string {
	return s.prefix + ":" + videoID
}
