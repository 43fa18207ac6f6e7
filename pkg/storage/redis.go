package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/solaredge/pkg/types"
	"github.com/redis/go-redis/v9"
)

// writeIfChangedScript sets val/ack/ts on the hash unless val already holds
// the same encoded value. Returns 1 when it wrote.
var writeIfChangedScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'val')
if cur == ARGV[1] then
	return 0
end
redis.call('HSET', KEYS[1], 'val', ARGV[1], 'ack', ARGV[2], 'ts', ARGV[3])
return 1
`)

// Redis implements Store with one hash per state.
type Redis struct {
	client *redis.Client
	url    string
	prefix string
}

func configuredRedis() *Redis {
	url := lflag.String("redis-url", "", "Redis URL for the state store (e.g. redis://localhost:6379/0)")
	prefix := lflag.String("redis-prefix", "", "Prefix prepended to every state key")

	r := &Redis{}
	lflag.Do(func() {
		r.url = *url
		r.prefix = *prefix
	})
	return r
}

// Validate checks if the provider is properly configured.
func (r *Redis) Validate() error {
	if r.url == "" {
		return fmt.Errorf("redis-url is required")
	}
	return nil
}

// Init connects and pings the server.
func (r *Redis) Init(ctx context.Context) error {
	opts, err := redis.ParseURL(r.url)
	if err != nil {
		return fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	r.client = client
	return nil
}

// Close closes the client.
func (r *Redis) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func (r *Redis) key(path string) (string, error) {
	if r.client == nil {
		return "", ErrNotInitialized
	}
	if path == "" {
		return "", fmt.Errorf("path cannot be empty")
	}
	return r.prefix + path, nil
}

// ProbeExists reports whether the hash carries a declaration.
func (r *Redis) ProbeExists(ctx context.Context, path string) (bool, error) {
	key, err := r.key(path)
	if err != nil {
		return false, err
	}
	ok, err := r.client.HExists(ctx, key, "common").Result()
	if err != nil {
		return false, fmt.Errorf("failed to probe state: %w", err)
	}
	return ok, nil
}

// DeclareMetric writes the declaration fields only.
func (r *Redis) DeclareMetric(ctx context.Context, path string, def types.MetricDefinition) error {
	key, err := r.key(path)
	if err != nil {
		return err
	}
	jsonBytes, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to marshal metric definition: %w", err)
	}
	err = r.client.HSet(ctx, key,
		"common", string(jsonBytes),
		"type", string(def.Type),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to declare state: %w", err)
	}
	return nil
}

// WriteIfChanged compares and writes atomically through a Lua script.
func (r *Redis) WriteIfChanged(ctx context.Context, path string, value types.StateValue) (bool, error) {
	key, err := r.key(path)
	if err != nil {
		return false, err
	}
	encoded, err := encodeValue(value.Val)
	if err != nil {
		return false, err
	}
	n, err := writeIfChangedScript.Run(ctx, r.client, []string{key},
		string(encoded),
		strconv.FormatBool(value.Ack),
		value.TS.UTC().Format(time.RFC3339Nano),
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to write state: %w", err)
	}
	return n == 1, nil
}
