package refresh

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/singleflight"

	"github.com/amiskov/ppid-edge/pkg/backend"
	"github.com/amiskov/ppid-edge/pkg/logger"
	"github.com/amiskov/ppid-edge/pkg/session"
	"github.com/amiskov/ppid-edge/pkg/user"
)

// ErrInFlight is returned when another holder of the same refresh token
// did not publish a result in time.
var ErrInFlight = errors.New("refresh: exchange in flight elsewhere")

type ExchangeFunc func(ctx context.Context) (*backend.Grant, error)

// Coalescer funnels concurrent exchanges of the same refresh token into one
// backend call.
type Coalescer interface {
	Do(ctx context.Context, refreshToken string, fn ExchangeFunc) (*backend.Grant, error)
}

// LocalCoalescer shares one in-flight exchange per refresh token inside the
// process. Calls that arrive after it finished are not coalesced.
type LocalCoalescer struct {
	next Coalescer
	sf   singleflight.Group
}

func NewLocalCoalescer(next Coalescer) *LocalCoalescer {
	return &LocalCoalescer{next: next}
}

func (c *LocalCoalescer) Do(ctx context.Context, refreshToken string, fn ExchangeFunc) (*backend.Grant, error) {
	v, err, _ := c.sf.Do(tokenKey(refreshToken), func() (any, error) {
		if c.next != nil {
			return c.next.Do(ctx, refreshToken, fn)
		}
		return fn(ctx)
	})
	if err != nil {
		return nil, err
	}
	g, _ := v.(*backend.Grant)
	return cloneGrant(g), nil
}

const (
	defaultRedisPrefix = "edge:refresh:"
	defaultPoll        = 50 * time.Millisecond
)

// releaseLock deletes the lock only when we still own it.
var releaseLock = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisCoalescer serializes exchanges across instances with a lock keyed by
// the hashed refresh token. The winner publishes its grant for the grace
// window so a loser that was waiting on the lock gets the rotated pair
// instead of a rejection. A caller that finds no lock exchanges for
// itself, so a token presented after the exchange is still rejected.
type RedisCoalescer struct {
	rdb     redis.UniversalClient
	grace   time.Duration
	lockTTL time.Duration
	poll    time.Duration
	prefix  string
}

func NewRedisCoalescer(rdb redis.UniversalClient, grace, lockTTL time.Duration) *RedisCoalescer {
	return &RedisCoalescer{
		rdb:     rdb,
		grace:   grace,
		lockTTL: lockTTL,
		poll:    defaultPoll,
		prefix:  defaultRedisPrefix,
	}
}

func (c *RedisCoalescer) Do(ctx context.Context, refreshToken string, fn ExchangeFunc) (*backend.Grant, error) {
	key := tokenKey(refreshToken)
	resultKey := c.prefix + "result:" + key
	lockKey := c.prefix + "lock:" + key

	owner := uuid.NewString()
	acquired, err := c.rdb.SetNX(ctx, lockKey, owner, c.lockTTL).Result()
	if err != nil {
		logger.Log(ctx).Warnf("refresh: redis lock unavailable, exchanging without it, %v", err)
		return fn(ctx)
	}
	if !acquired {
		return c.wait(ctx, resultKey, lockKey)
	}
	defer func() {
		if err := releaseLock.Run(context.WithoutCancel(ctx), c.rdb, []string{lockKey}, owner).Err(); err != nil {
			logger.Log(ctx).Warnf("refresh: failed releasing redis lock, %v", err)
		}
	}()

	g, err := fn(ctx)
	if err != nil {
		return nil, err
	}
	c.publish(ctx, resultKey, g)
	return g, nil
}

func (c *RedisCoalescer) wait(ctx context.Context, resultKey, lockKey string) (*backend.Grant, error) {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	deadline := time.NewTimer(c.lockTTL)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrInFlight, ctx.Err())
		case <-deadline.C:
			return nil, ErrInFlight
		case <-ticker.C:
			if g, ok := c.published(ctx, resultKey); ok {
				return g, nil
			}
			n, err := c.rdb.Exists(ctx, lockKey).Result()
			if err == nil && n == 0 {
				// The holder finished without publishing: its exchange failed.
				if g, ok := c.published(ctx, resultKey); ok {
					return g, nil
				}
				return nil, ErrInFlight
			}
		}
	}
}

type storedGrant struct {
	AccessToken        string        `json:"access_token"`
	AccessTokenExpiry  time.Duration `json:"access_token_expiry"`
	RefreshToken       string        `json:"refresh_token"`
	RefreshTokenExpiry time.Duration `json:"refresh_token_expiry"`
	User               *user.User    `json:"user,omitempty"`
}

func (c *RedisCoalescer) publish(ctx context.Context, key string, g *backend.Grant) {
	if c.grace <= 0 || g == nil {
		return
	}
	b, err := json.Marshal(storedGrant{
		AccessToken:        g.Pair.AccessToken,
		AccessTokenExpiry:  g.Pair.AccessTokenExpiry,
		RefreshToken:       g.Pair.RefreshToken,
		RefreshTokenExpiry: g.Pair.RefreshTokenExpiry,
		User:               g.User,
	})
	if err != nil {
		logger.Log(ctx).Warnf("refresh: can't encode grant for replay, %v", err)
		return
	}
	if err := c.rdb.Set(ctx, key, b, c.grace).Err(); err != nil {
		logger.Log(ctx).Warnf("refresh: can't publish grant, %v", err)
	}
}

func (c *RedisCoalescer) published(ctx context.Context, key string) (*backend.Grant, bool) {
	if c.grace <= 0 {
		return nil, false
	}
	b, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logger.Log(ctx).Warnf("refresh: can't read published grant, %v", err)
		}
		return nil, false
	}
	var sg storedGrant
	if err := json.Unmarshal(b, &sg); err != nil || sg.AccessToken == "" {
		return nil, false
	}
	return &backend.Grant{
		Pair: session.TokenPair{
			AccessToken:        sg.AccessToken,
			AccessTokenExpiry:  sg.AccessTokenExpiry,
			RefreshToken:       sg.RefreshToken,
			RefreshTokenExpiry: sg.RefreshTokenExpiry,
		},
		User: sg.User,
	}, true
}

// tokenKey keeps raw refresh tokens out of map and redis keys.
func tokenKey(refreshToken string) string {
	sum := blake2b.Sum256([]byte(refreshToken))
	return hex.EncodeToString(sum[:])
}

func cloneGrant(g *backend.Grant) *backend.Grant {
	if g == nil {
		return nil
	}
	out := *g
	if g.User != nil {
		u := *g.User
		out.User = &u
	}
	return &out
}
