package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix = "clinicauth:"
	maxUpdateRetries   = 8
)

// ErrUpdateContention is returned when UpdateItem keeps losing optimistic
// transactions to concurrent writers.
var ErrUpdateContention = errors.New("store update contention")

// Redis stores items as plain string keys under a prefix and publishes every
// write on a change channel so other processes can invalidate local state.
type Redis struct {
	client  redis.UniversalClient
	prefix  string
	channel string
	origin  string
}

type changeMessage struct {
	Origin  string `json:"origin"`
	Key     string `json:"key"`
	Removed bool   `json:"removed,omitempty"`
}

// NewRedis wraps client. An empty prefix selects "clinicauth:".
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &Redis{
		client:  client,
		prefix:  prefix,
		channel: prefix + "changes",
		origin:  uuid.NewString(),
	}
}

func (r *Redis) key(k string) string {
	return r.prefix + k
}

func (r *Redis) GetItem(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, r.key(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return v, true, nil
}

func (r *Redis) SetItem(ctx context.Context, key, value string) error {
	msg := r.changePayload(key, false)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.key(key), value, 0)
		pipe.Publish(ctx, r.channel, msg)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (r *Redis) RemoveItem(ctx context.Context, key string) error {
	msg := r.changePayload(key, true)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.key(key))
		pipe.Publish(ctx, r.channel, msg)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// UpdateItem runs fn inside WATCH/MULTI and retries when another writer
// touched the key between the read and the commit.
func (r *Redis) UpdateItem(ctx context.Context, key string, fn UpdateFunc) error {
	full := r.key(key)
	var fnErr error

	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, full).Result()
		ok := true
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				return fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
			ok = false
			current = ""
		}

		next, remove, err := fn(current, ok)
		if err != nil {
			fnErr = err
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if remove {
				pipe.Del(ctx, full)
			} else {
				pipe.Set(ctx, full, next, 0)
			}
			pipe.Publish(ctx, r.channel, r.changePayload(key, remove))
			return nil
		})
		return err
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := r.client.Watch(ctx, txf, full)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if fnErr != nil || errors.Is(err, ErrUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return ErrUpdateContention
}

// Watch subscribes to the change channel. Changes published by this Redis
// value itself are filtered out.
func (r *Redis) Watch(ctx context.Context, fn func(Change)) (func(), error) {
	pubsub := r.client.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	ch := pubsub.Channel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for m := range ch {
			var msg changeMessage
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				continue
			}
			if msg.Origin == r.origin {
				continue
			}
			fn(Change{Key: msg.Key, Removed: msg.Removed})
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = pubsub.Close()
			<-done
		})
	}, nil
}

// Ping reports whether the backend is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (r *Redis) changePayload(key string, removed bool) string {
	b, _ := json.Marshal(changeMessage{Origin: r.origin, Key: key, Removed: removed})
	return string(b)
}
