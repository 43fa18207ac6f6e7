package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/raterudder/solaredge/pkg/types"
)

// NATS implements Store on a JetStream key-value bucket. The value of a state
// lives at its path and the declaration at path + ".common".
type NATS struct {
	conn   *nats.Conn
	kv     jetstream.KeyValue
	url    string
	bucket string
}

type natsValue struct {
	Val json.RawMessage `json:"val"`
	Ack bool            `json:"ack"`
	TS  time.Time       `json:"ts"`
}

func configuredNATS() *NATS {
	url := lflag.String("nats-url", nats.DefaultURL, "NATS server URL for the state store")
	bucket := lflag.String("nats-bucket", "solaredge", "JetStream key-value bucket holding the states")

	n := &NATS{}
	lflag.Do(func() {
		n.url = *url
		n.bucket = *bucket
	})
	return n
}

// Validate checks if the provider is properly configured.
func (n *NATS) Validate() error {
	if n.url == "" {
		return fmt.Errorf("nats-url is required")
	}
	if n.bucket == "" {
		return fmt.Errorf("nats-bucket is required")
	}
	return nil
}

// Init connects and binds to the bucket, creating it if needed.
func (n *NATS) Init(ctx context.Context) error {
	opts := []nats.Option{
		nats.Name("solaredge"),
		nats.Timeout(5 * time.Second),
	}
	conn, err := nats.Connect(n.url, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	kv, err := js.KeyValue(ctx, n.bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      n.bucket,
			Description: "SolarEdge power flow states",
			History:     1,
		})
	}
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to bind bucket %s: %w", n.bucket, err)
	}

	n.conn = conn
	n.kv = kv
	return nil
}

// Close closes the connection.
func (n *NATS) Close() error {
	if n.conn != nil {
		n.conn.Close()
	}
	return nil
}

func (n *NATS) check(path string) error {
	if n.kv == nil {
		return ErrNotInitialized
	}
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}
	return nil
}

// ProbeExists reports whether the declaration key exists.
func (n *NATS) ProbeExists(ctx context.Context, path string) (bool, error) {
	if err := n.check(path); err != nil {
		return false, err
	}
	_, err := n.kv.Get(ctx, path+".common")
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to probe state: %w", err)
	}
	return true, nil
}

// DeclareMetric puts the declaration key.
func (n *NATS) DeclareMetric(ctx context.Context, path string, def types.MetricDefinition) error {
	if err := n.check(path); err != nil {
		return err
	}
	jsonBytes, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to marshal metric definition: %w", err)
	}
	if _, err := n.kv.Put(ctx, path+".common", jsonBytes); err != nil {
		return fmt.Errorf("failed to declare state: %w", err)
	}
	return nil
}

// WriteIfChanged uses the entry revision so a concurrent writer makes the
// update fail rather than silently overwrite.
func (n *NATS) WriteIfChanged(ctx context.Context, path string, value types.StateValue) (bool, error) {
	if err := n.check(path); err != nil {
		return false, err
	}
	encoded, err := encodeValue(value.Val)
	if err != nil {
		return false, err
	}
	data, err := json.Marshal(natsValue{Val: encoded, Ack: value.Ack, TS: value.TS.UTC()})
	if err != nil {
		return false, err
	}

	entry, err := n.kv.Get(ctx, path)
	switch {
	case errors.Is(err, jetstream.ErrKeyNotFound):
		_, err = n.kv.Create(ctx, path, data)
	case err != nil:
		return false, fmt.Errorf("failed to read state: %w", err)
	default:
		var cur natsValue
		if json.Unmarshal(entry.Value(), &cur) == nil && bytes.Equal(cur.Val, encoded) {
			return false, nil
		}
		_, err = n.kv.Update(ctx, path, data, entry.Revision())
	}
	if err != nil {
		return false, fmt.Errorf("failed to write state: %w", err)
	}
	return true, nil
}
