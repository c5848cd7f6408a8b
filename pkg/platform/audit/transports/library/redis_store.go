package library

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// deleteIfCurrent removes the token hash only when it still holds the
// rejected token, so a replica never deletes a token refreshed by another.
var deleteIfCurrent = redis.NewScript(`
if redis.call("HGET", KEYS[1], "access_token") == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisTokenStore shares access tokens between instances using the same client.
type RedisTokenStore struct {
	client redis.Cmdable
	key    string
	now    func() time.Time
}

// NewRedisTokenStore stores the token of clientID under auditlog:token:<clientID>.
func NewRedisTokenStore(client redis.Cmdable, clientID string) *RedisTokenStore {
	return &RedisTokenStore{
		client: client,
		key:    "auditlog:token:" + clientID,
		now:    time.Now,
	}
}

// Load returns the stored token, if any.
func (s *RedisTokenStore) Load(ctx context.Context) (Token, bool, error) {
	fields, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return Token{}, false, fmt.Errorf("load token: %w", err)
	}
	access, ok := fields["access_token"]
	if !ok || access == "" {
		return Token{}, false, nil
	}
	ms, err := strconv.ParseInt(fields["expiry"], 10, 64)
	if err != nil {
		return Token{}, false, fmt.Errorf("load token: bad expiry: %w", err)
	}
	return Token{AccessToken: access, Expiry: time.UnixMilli(ms)}, true, nil
}

// Save stores token until its expiry.
func (s *RedisTokenStore) Save(ctx context.Context, token Token) error {
	if !token.Expiry.After(s.now()) {
		return nil
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.key,
			"access_token", token.AccessToken,
			"expiry", strconv.FormatInt(token.Expiry.UnixMilli(), 10),
		)
		pipe.PExpireAt(ctx, s.key, token.Expiry)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

// Delete implements TokenStore.
func (s *RedisTokenStore) Delete(ctx context.Context, accessToken string) error {
	if err := deleteIfCurrent.Run(ctx, s.client, []string{s.key}, accessToken).Err(); err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}
