package auth

import (
	"context"
	"strconv"
	"time"

	"snipserve/svc/util"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const sessionPrefix = "snipserve:session:"

// RedisSessions keeps sessions in Redis so several processes can share them.
type RedisSessions struct {
	client  *redis.Client
	ttl     time.Duration
	timeout time.Duration
}

func NewRedisSessions(client *redis.Client, ttl, timeout time.Duration) *RedisSessions {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &RedisSessions{client: client, ttl: ttl, timeout: timeout}
}

func (r *RedisSessions) Create(ctx context.Context, identityID int64) (string, error) {
	tok, err := util.NewToken()
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	ok, err := r.client.SetNX(ctx, sessionPrefix+tokenKey(tok), identityID, r.ttl).Result()
	if err != nil {
		return "", errors.Wrap(err, "set session")
	}
	if !ok {
		return "", errors.New("session token collision")
	}
	return tok, nil
}

func (r *RedisSessions) Get(ctx context.Context, token string) (int64, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	v, err := r.client.Get(ctx, sessionPrefix+tokenKey(token)).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrap(err, "get session")
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false, errors.Wrap(err, "corrupt session value")
	}
	return id, true, nil
}

func (r *RedisSessions) Delete(ctx context.Context, token string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return errors.Wrap(r.client.Del(ctx, sessionPrefix+tokenKey(token)).Err(), "delete session")
}
