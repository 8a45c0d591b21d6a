package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"family-vault/internal/config"
	"family-vault/internal/util"
)

const healthKey = "healthcheck:family-vault"

// RedisClient wraps the shared connection used for rate limits and lockouts.
type RedisClient struct {
	Client *redis.Client
}

// NewRedisClient connects to a redis:// or rediss:// URL and pings it.
func NewRedisClient(ctx context.Context, cfg *config.Config) (*RedisClient, error) {
	opts, err := redisOptions(cfg.Redis)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	util.Info("Redis client initialized",
		zap.String("url", util.MaskToken(cfg.Redis.URL)),
		zap.Int("db", opts.DB),
		zap.Int("pool_size", opts.PoolSize),
		zap.Bool("tls", opts.TLSConfig != nil))

	return &RedisClient{Client: client}, nil
}

// NewRedisClientFrom wraps an existing go-redis client.
func NewRedisClientFrom(c *redis.Client) *RedisClient {
	return &RedisClient{Client: c}
}

// redisOptions turns RedisConfig into go-redis options. Explicit password and
// DB settings win over the URL.
func redisOptions(rc config.RedisConfig) (*redis.Options, error) {
	opts, err := redis.ParseURL(rc.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	if rc.Password != "" {
		opts.Password = rc.Password
	}
	if rc.DB != 0 {
		opts.DB = rc.DB
	}
	if rc.PoolSize > 0 {
		opts.PoolSize = rc.PoolSize
		opts.MinIdleConns = rc.PoolSize / 4
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second
	opts.PoolTimeout = 3 * time.Second
	opts.ConnMaxIdleTime = 5 * time.Minute

	if strings.HasPrefix(rc.URL, "rediss://") {
		tlsConfig, err := redisTLSConfig(rc)
		if err != nil {
			return nil, err
		}
		if opts.TLSConfig != nil {
			tlsConfig.ServerName = opts.TLSConfig.ServerName
		}
		opts.TLSConfig = tlsConfig
	}
	return opts, nil
}

// redisTLSConfig trusts the system roots unless a CA file is configured and
// presents a client certificate when both halves are set.
func redisTLSConfig(rc config.RedisConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if rc.TLSCAFile != "" {
		caCert, err := os.ReadFile(rc.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read Redis CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, errors.New("redis CA file contains no certificates")
		}
		tlsConfig.RootCAs = pool
	}

	if rc.TLSCertFile != "" || rc.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(rc.TLSCertFile, rc.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load Redis TLS certificate/key: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

func (r *RedisClient) Close() error {
	if r.Client == nil {
		return nil
	}
	if err := r.Client.Close(); err != nil {
		return fmt.Errorf("failed to close Redis client: %w", err)
	}
	return nil
}

// HealthCheck writes and reads back a short-lived key in one round trip.
func (r *RedisClient) HealthCheck(ctx context.Context) error {
	want := time.Now().UTC().Format(time.RFC3339Nano)

	var get *redis.StringCmd
	_, err := r.Client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, healthKey, want, 10*time.Second)
		get = p.Get(ctx, healthKey)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	if got := get.Val(); got != want {
		return fmt.Errorf("redis health check read %q, wrote %q", got, want)
	}
	return nil
}

// RunScript runs a cached Lua script, falling back to EVAL when the server
// has not seen its SHA yet.
func (r *RedisClient) RunScript(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (interface{}, error) {
	return script.Run(ctx, r.Client, keys, args...).Result()
}

// IncrWithExpire increments key and refreshes its expiry in one transaction.
func (r *RedisClient) IncrWithExpire(ctx context.Context, key string, expiration time.Duration) (int64, error) {
	pipe := r.Client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiration)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (r *RedisClient) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	return r.Client.SetNX(ctx, key, value, expiration).Result()
}

// TTL reports the remaining lifetime with millisecond precision. It is negative
// when the key is missing or has no expiry.
func (r *RedisClient) TTL(ctx context.Context, key string) (time.Duration, error) {
	return r.Client.PTTL(ctx, key).Result()
}

func (r *RedisClient) Del(ctx context.Context, keys ...string) error {
	return r.Client.Del(ctx, keys...).Err()
}
