package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/ionsec/maes-platform-sub001/internal/obs"
)

const (
	// weightStride keeps the enqueue sequence inside the score without
	// letting it cross into the next weight band.
	weightStride       = 1e12
	defaultProgressTTL = 24 * time.Hour
)

// Redis stores each topic as a sorted set scored by weight then sequence,
// with envelopes in a hash, delayed retries in a second sorted set and
// leases in a third, scored by their visibility deadline.
type Redis struct {
	client      redis.UniversalClient
	prefix      string
	progressTTL time.Duration
	visibility  time.Duration
	breaker     *gobreaker.CircuitBreaker
	now         func() time.Time
	logger      *zap.Logger
}

type RedisOption func(*Redis)

func WithPrefix(p string) RedisOption {
	return func(r *Redis) {
		if p != "" {
			r.prefix = p
		}
	}
}

func WithProgressTTL(ttl time.Duration) RedisOption {
	return func(r *Redis) {
		if ttl > 0 {
			r.progressTTL = ttl
		}
	}
}

// WithVisibility overrides DefaultVisibility.
func WithVisibility(d time.Duration) RedisOption {
	return func(r *Redis) {
		if d > 0 {
			r.visibility = d
		}
	}
}

func WithRedisClock(now func() time.Time) RedisOption {
	return func(r *Redis) {
		if now != nil {
			r.now = now
		}
	}
}

func WithRedisLogger(l *zap.Logger) RedisOption {
	return func(r *Redis) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRedis wraps an existing client.
func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{
		client:      client,
		prefix:      "maes",
		progressTTL: defaultProgressTTL,
		visibility:  DefaultVisibility,
		now:         time.Now,
		logger:      obs.Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        r.prefix + "-queue",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrEmpty)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("queue breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return r
}

// DialRedis parses a redis:// URL and pings the server.
func DialRedis(ctx context.Context, url string, opts ...RedisOption) (*Redis, error) {
	o, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	client := redis.NewClient(o)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return NewRedis(client, opts...), nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) readyKey(topic string) string     { return r.prefix + ":queue:" + topic }
func (r *Redis) delayedKey(topic string) string   { return r.prefix + ":delayed:" + topic }
func (r *Redis) envelopesKey(topic string) string { return r.prefix + ":envelopes:" + topic }
func (r *Redis) inflightKey(topic string) string  { return r.prefix + ":inflight:" + topic }
func (r *Redis) deadKey(topic string) string      { return r.prefix + ":dead:" + topic }
func (r *Redis) seqKey() string                   { return r.prefix + ":seq" }
func (r *Redis) progressKey(jobID string) string  { return r.prefix + ":progress:" + jobID }

func score(env Envelope) float64 {
	return float64(env.Weight)*weightStride + float64(env.Seq)
}

func (r *Redis) guard(fn func() error) error {
	_, err := r.breaker.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return errors.Mark(errors.Wrap(err, "queue circuit open"), ErrUnavailable)
	}
	return err
}

func (r *Redis) Enqueue(ctx context.Context, topic string, env Envelope) error {
	if err := validate(topic, env); err != nil {
		return err
	}
	return r.guard(func() error {
		seq, err := r.client.Incr(ctx, r.seqKey()).Result()
		if err != nil {
			return errors.Mark(errors.Wrap(err, "next sequence"), ErrUnavailable)
		}
		env.Seq = seq
		if env.EnqueuedAt.IsZero() {
			env.EnqueuedAt = r.now().UTC()
		}
		payload, err := json.Marshal(env)
		if err != nil {
			return errors.Wrap(err, "encode envelope")
		}
		_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, r.envelopesKey(topic), env.JobID, payload)
			pipe.ZAdd(ctx, r.readyKey(topic), redis.Z{Score: score(env), Member: env.JobID})
			return nil
		})
		if err != nil {
			return errors.Mark(errors.Wrap(err, "enqueue"), ErrUnavailable)
		}
		return nil
	})
}

func (r *Redis) loadEnvelope(ctx context.Context, topic, jobID string) (Envelope, bool, error) {
	raw, err := r.client.HGet(ctx, r.envelopesKey(topic), jobID).Bytes()
	if errors.Is(err, redis.Nil) {
		return Envelope{}, false, nil
	}
	if err != nil {
		return Envelope{}, false, err
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, false, errors.Wrap(err, "decode envelope")
	}
	return env, true, nil
}

// promote moves delayed envelopes whose time has come back into the ready set.
func (r *Redis) promote(ctx context.Context, topic string) error {
	max := strconv.FormatInt(r.now().UnixMilli(), 10)
	due, err := r.client.ZRangeByScore(ctx, r.delayedKey(topic), &redis.ZRangeBy{Min: "-inf", Max: max}).Result()
	if err != nil {
		return err
	}
	for _, jobID := range due {
		removed, err := r.client.ZRem(ctx, r.delayedKey(topic), jobID).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}
		env, ok, err := r.loadEnvelope(ctx, topic, jobID)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := r.client.ZAdd(ctx, r.readyKey(topic), redis.Z{Score: score(env), Member: jobID}).Err(); err != nil {
			return err
		}
	}
	return nil
}

// sweep retries envelopes whose lease deadline has passed. Backoff is
// measured from the deadline; exhausted envelopes move to the dead list.
func (r *Redis) sweep(ctx context.Context, topic string) error {
	max := strconv.FormatInt(r.now().UnixMilli(), 10)
	lapsed, err := r.client.ZRangeByScoreWithScores(ctx, r.inflightKey(topic), &redis.ZRangeBy{Min: "-inf", Max: max}).Result()
	if err != nil {
		return err
	}
	for _, z := range lapsed {
		jobID, _ := z.Member.(string)
		removed, err := r.client.ZRem(ctx, r.inflightKey(topic), jobID).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}
		env, ok, err := r.loadEnvelope(ctx, topic, jobID)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		deadline := time.UnixMilli(int64(z.Score))
		again, err := r.schedule(ctx, topic, env, deadline)
		if err != nil {
			return err
		}
		if !again {
			r.logger.Warn("lease expired on last attempt",
				zap.String("topic", topic),
				zap.String("job_id", jobID),
				zap.Int("attempts", env.Attempt+1))
		}
	}
	return nil
}

// schedule bumps the attempt and parks env in the delayed set, backing off
// from the given time or from now when it is zero. An exhausted envelope is
// dropped, and pushed to the dead list when it came from a lapsed lease.
func (r *Redis) schedule(ctx context.Context, topic string, env Envelope, from time.Time) (bool, error) {
	env.Attempt++
	exhausted := env.Attempt >= env.Retry.Attempts
	payload, err := json.Marshal(env)
	if err != nil {
		return false, errors.Wrap(err, "encode envelope")
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, r.inflightKey(topic), env.JobID)
		if exhausted {
			pipe.HDel(ctx, r.envelopesKey(topic), env.JobID)
			if !from.IsZero() {
				pipe.RPush(ctx, r.deadKey(topic), payload)
			}
			return nil
		}
		readyAt := from
		if readyAt.IsZero() {
			readyAt = r.now()
		}
		readyAt = readyAt.Add(env.Retry.Delay(env.Attempt))
		pipe.HSet(ctx, r.envelopesKey(topic), env.JobID, payload)
		pipe.ZAdd(ctx, r.delayedKey(topic), redis.Z{Score: float64(readyAt.UnixMilli()), Member: env.JobID})
		return nil
	})
	if err != nil {
		return false, err
	}
	return !exhausted, nil
}

func (r *Redis) Dequeue(ctx context.Context, topic string) (Envelope, error) {
	var out Envelope
	err := r.guard(func() error {
		if err := r.sweep(ctx, topic); err != nil {
			return errors.Wrap(err, "sweep leases")
		}
		if err := r.promote(ctx, topic); err != nil {
			return errors.Wrap(err, "promote delayed")
		}
		for {
			popped, err := r.client.ZPopMin(ctx, r.readyKey(topic), 1).Result()
			if err != nil {
				return errors.Wrap(err, "pop")
			}
			if len(popped) == 0 {
				return ErrEmpty
			}
			jobID, _ := popped[0].Member.(string)
			env, ok, err := r.loadEnvelope(ctx, topic, jobID)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			deadline := r.now().Add(r.visibility)
			if err := r.client.ZAdd(ctx, r.inflightKey(topic), redis.Z{Score: float64(deadline.UnixMilli()), Member: jobID}).Err(); err != nil {
				return errors.Wrap(err, "lease envelope")
			}
			out = env
			return nil
		}
	})
	return out, err
}

func (r *Redis) Ack(ctx context.Context, topic, jobID string) (bool, error) {
	var held bool
	err := r.guard(func() error {
		var leased *redis.IntCmd
		_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			leased = pipe.ZRem(ctx, r.inflightKey(topic), jobID)
			pipe.HDel(ctx, r.envelopesKey(topic), jobID)
			return nil
		})
		if err != nil {
			return err
		}
		held = leased.Val() > 0
		return nil
	})
	return held, err
}

func (r *Redis) Retry(ctx context.Context, topic string, env Envelope) (bool, error) {
	if err := validate(topic, env); err != nil {
		return false, err
	}
	var again bool
	err := r.guard(func() error {
		var err error
		again, err = r.schedule(ctx, topic, env, time.Time{})
		return err
	})
	if err != nil {
		return false, err
	}
	return again, nil
}

func (r *Redis) Expired(ctx context.Context, topic string) ([]Envelope, error) {
	var out []Envelope
	err := r.guard(func() error {
		if err := r.sweep(ctx, topic); err != nil {
			return errors.Wrap(err, "sweep leases")
		}
		var raw *redis.StringSliceCmd
		_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			raw = pipe.LRange(ctx, r.deadKey(topic), 0, -1)
			pipe.Del(ctx, r.deadKey(topic))
			return nil
		})
		if err != nil {
			return err
		}
		for _, payload := range raw.Val() {
			var env Envelope
			if err := json.Unmarshal([]byte(payload), &env); err != nil {
				return errors.Wrap(err, "decode envelope")
			}
			out = append(out, env)
		}
		return nil
	})
	return out, err
}

func (r *Redis) Remove(ctx context.Context, topic, jobID string) (bool, error) {
	var found bool
	err := r.guard(func() error {
		var ready, delayed *redis.IntCmd
		_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			ready = pipe.ZRem(ctx, r.readyKey(topic), jobID)
			delayed = pipe.ZRem(ctx, r.delayedKey(topic), jobID)
			pipe.ZRem(ctx, r.inflightKey(topic), jobID)
			pipe.HDel(ctx, r.envelopesKey(topic), jobID)
			return nil
		})
		if err != nil {
			return err
		}
		found = ready.Val()+delayed.Val() > 0
		return nil
	})
	return found, err
}

func (r *Redis) ReportProgress(ctx context.Context, p Progress) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = r.now().UTC()
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "encode progress")
	}
	return r.guard(func() error {
		return r.client.Set(ctx, r.progressKey(p.JobID), payload, r.progressTTL).Err()
	})
}

func (r *Redis) Progress(ctx context.Context, jobID string) (Progress, bool, error) {
	var (
		p     Progress
		found bool
	)
	err := r.guard(func() error {
		raw, err := r.client.Get(ctx, r.progressKey(jobID)).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			return errors.Wrap(err, "decode progress")
		}
		found = true
		return nil
	})
	return p, found, err
}

func (r *Redis) ClearProgress(ctx context.Context, jobID string) error {
	return r.guard(func() error {
		return r.client.Del(ctx, r.progressKey(jobID)).Err()
	})
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
