package db

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"snipserve/cfg"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Redis owns the connection used by the shared session store.
type Redis struct {
	client  *redis.Client
	timeout time.Duration
}

func NewRedis(ctx context.Context, c *cfg.Cfg) (*Redis, error) {
	opt, err := redis.ParseURL(c.RedisURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	opt.PoolSize = 20
	opt.MinIdleConns = 2
	opt.PoolTimeout = 4 * time.Second
	opt.ConnMaxIdleTime = 5 * time.Minute
	opt.MaxRetries = 3
	opt.MinRetryBackoff = 8 * time.Millisecond
	opt.MaxRetryBackoff = 512 * time.Millisecond
	if c.RedisTLS {
		tlsConfig, err := buildRedisTLSConfig(c.Environment)
		if err != nil {
			return nil, errors.Wrap(err, "failed to build Redis TLS config")
		}
		opt.TLSConfig = tlsConfig
	}
	if c.RedisUsername != "" {
		opt.Username = c.RedisUsername
	}
	if c.RedisPassword.Value() != "" {
		opt.Password = c.RedisPassword.Value()
	}
	timeout := c.RedisTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	r := &Redis{client: redis.NewClient(opt), timeout: timeout}
	if err := r.Ping(ctx); err != nil {
		r.client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return r, nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client *redis.Client, timeout time.Duration) *Redis {
	return &Redis{client: client, timeout: timeout}
}

func (r *Redis) Client() *redis.Client {
	return r.client
}

func (r *Redis) Timeout() time.Duration {
	return r.timeout
}

func buildRedisTLSConfig(env string) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if host := os.Getenv("REDIS_HOSTNAME"); host != "" {
		tlsConfig.ServerName = host
	}
	if certPath := os.Getenv("REDIS_TLS_CA_CERT"); certPath != "" {
		caCert, err := os.ReadFile(certPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read Redis CA cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append Redis CA cert to pool")
		}
		tlsConfig.RootCAs = pool
	} else if env == "production" && tlsConfig.ServerName == "" {
		return nil, fmt.Errorf("REDIS_HOSTNAME or REDIS_TLS_CA_CERT must be set when REDIS_TLS=true in production")
	}
	return tlsConfig, nil
}

func (r *Redis) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}
