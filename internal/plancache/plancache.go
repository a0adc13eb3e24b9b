package plancache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/goal-inference/internal/domain"
)

// entry is the cached value. NoPlan records a search that found nothing so
// that it is not repeated.
type entry struct {
	NoPlan  bool     `msgpack:"no_plan"`
	Actions []string `msgpack:"actions"`
}

// Redis is a planner cache shared between processes. Cache failures fall
// back to the wrapped planner.
type Redis struct {
	inner  domain.Planner
	client *redis.Client
	prefix string
	ttl    time.Duration
	log    *zap.Logger
}

// New wraps inner. prefix namespaces the keys, usually per layout; ttl <= 0
// keeps entries forever.
func New(inner domain.Planner, client *redis.Client, prefix string, ttl time.Duration, log *zap.Logger) *Redis {
	if log == nil {
		log = zap.NewNop()
	}
	return &Redis{inner: inner, client: client, prefix: prefix, ttl: ttl, log: log}
}

// Dial connects to addr and checks the connection.
func Dial(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis %s: %w", addr, err)
	}
	return client, nil
}

// Key is the cache key of one planner call.
func (r *Redis) Key(s domain.State, g domain.Goal, budget int) string {
	return fmt.Sprintf("sips:plan:%s:%s:%s:%d", r.prefix, s.Key(), g, budget)
}

// Plan implements domain.Planner.
func (r *Redis) Plan(ctx context.Context, s domain.State, g domain.Goal, budget int) (domain.Plan, error) {
	key := r.Key(s, g, budget)
	raw, err := r.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var e entry
		if err := msgpack.Unmarshal(raw, &e); err == nil {
			return e.plan()
		}
		r.log.Warn("plan cache entry unreadable", zap.String("key", key))
	case !errors.Is(err, redis.Nil):
		r.log.Warn("plan cache get failed", zap.String("key", key), zap.Error(err))
	}

	plan, err := r.inner.Plan(ctx, s, g, budget)
	var e entry
	switch {
	case errors.Is(err, domain.ErrNoPlan):
		e.NoPlan = true
	case err != nil:
		return nil, err
	default:
		e.Actions = make([]string, len(plan))
		for i, a := range plan {
			e.Actions[i] = string(a)
		}
	}
	if data, merr := msgpack.Marshal(&e); merr == nil {
		if serr := r.client.Set(ctx, key, data, max(r.ttl, 0)).Err(); serr != nil {
			r.log.Warn("plan cache set failed", zap.String("key", key), zap.Error(serr))
		}
	}
	return plan, err
}

func (e entry) plan() (domain.Plan, error) {
	if e.NoPlan {
		return nil, domain.ErrNoPlan
	}
	plan := make(domain.Plan, len(e.Actions))
	for i, a := range e.Actions {
		plan[i] = domain.Action(a)
	}
	return plan, nil
}
