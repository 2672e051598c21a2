package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// breakerFailures 是熔断器打开前允许的连续失败次数。
const breakerFailures = 5

// RedisConfig 是 Redis 连接配置。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

// RedisStore 基于 Redis 字符串键实现 Store，多个实例共享同一份状态。
// 没有心跳，进程异常退出后状态可能过期不准。
// 所有调用经过熔断器，Redis 不可用时快速失败，调用方回退到资料中的状态。
type RedisStore struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

func newRedisStore(client *redis.Client) *RedisStore {
	st := gobreaker.Settings{
		Name:        "presence-redis",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state")
		},
	}
	return &RedisStore{client: client, cb: gobreaker.NewCircuitBreaker(st)}
}

// NewRedisStore 连接 Redis 并做一次 Ping 校验。
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return newRedisStore(client), nil
}

// key: presence:user:{user_id} -> STRING<status>
func userKey(userID string) string {
	return "presence:user:" + userID
}

func (s *RedisStore) Get(ctx context.Context, userID string) (string, error) {
	v, err := s.cb.Execute(func() (interface{}, error) {
		v, err := s.client.Get(ctx, userKey(userID)).Result()
		if errors.Is(err, redis.Nil) {
			return Invisible, nil
		}
		return v, err
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (s *RedisStore) GetMany(ctx context.Context, userIDs []string) (map[string]string, error) {
	out := make(map[string]string, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = userKey(id)
	}
	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.MGet(ctx, keys...).Result()
	})
	if err != nil {
		return nil, err
	}
	vals := res.([]interface{})
	for i, id := range userIDs {
		out[id] = Invisible
		if str, ok := vals[i].(string); ok && str != "" {
			out[id] = str
		}
	}
	return out, nil
}

func (s *RedisStore) Set(ctx context.Context, userID, status string) error {
	if !Valid(status) {
		return fmt.Errorf("invalid status %q", status)
	}
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Set(ctx, userKey(userID), status, 0).Err()
	})
	return err
}

func (s *RedisStore) Close() error { return s.client.Close() }
