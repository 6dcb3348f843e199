// Redis event store
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package telemetry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"poseidon-go-host/pkg/mcu"
)

// Store is where events go. RedisStore is the production implementation.
type Store interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Append(ctx context.Context, key string, payload []byte, keep int64) error
	Close() error
}

// RedisStore publishes on Redis pub/sub and keeps per-session history
// in capped lists.
type RedisStore struct {
	client *redis.Client
}

// DialRedis connects to addr and checks the server answers.
func DialRedis(ctx context.Context, addr string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		PoolSize: 4,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("telemetry: redis %s: %w", addr, err)
	}
	return &RedisStore{client: client}, nil
}

func (r *RedisStore) Publish(ctx context.Context, channel string, payload []byte) error {
	return r.client.Publish(ctx, channel, payload).Err()
}

// Append pushes payload onto the head of key and trims the list to keep
// entries.
func (r *RedisStore) Append(ctx context.Context, key string, payload []byte, keep int64) error {
	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, key, payload)
	pipe.LTrim(ctx, key, 0, keep-1)
	_, err := pipe.Exec(ctx)
	return err
}

// Recent returns up to n events of a session, newest first.
func (r *RedisStore) Recent(ctx context.Context, session string, n int64) ([]mcu.Event, error) {
	raw, err := r.client.LRange(ctx, HistoryKey(session), 0, n-1).Result()
	if err != nil {
		return nil, err
	}
	events := make([]mcu.Event, 0, len(raw))
	for _, s := range raw {
		var ev mcu.Event
		if err := json.Unmarshal([]byte(s), &ev); err != nil {
			return nil, fmt.Errorf("telemetry: bad history entry: %w", err)
		}
		events = append(events, ev)
	}
	return events, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

// HistoryKey is the list holding a session's events.
func HistoryKey(session string) string {
	return "poseidon:" + session + ":events"
}
