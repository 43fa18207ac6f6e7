package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/solaredge/pkg/types"
)

var (
	ErrUnknownProvider = errors.New("unknown state store provider")
	ErrNotInitialized  = errors.New("state store not initialized")
)

// Store is the external state store the metrics are published to. Paths are
// fully namespaced, see types.StatePath.
type Store interface {
	// ProbeExists reports whether the state at path has been declared.
	ProbeExists(ctx context.Context, path string) (bool, error)

	// DeclareMetric declares (or re-declares) the state at path. It must be
	// idempotent and must not touch an existing value.
	DeclareMetric(ctx context.Context, path string, def types.MetricDefinition) error

	// WriteIfChanged writes value to path unless the stored value is already
	// equal to value.Val. It returns whether a write happened.
	WriteIfChanged(ctx context.Context, path string, value types.StateValue) (bool, error)

	// Lifecycle
	Close() error
}

// Provider opens the state store selected by flags.
type Provider struct {
	name      string
	firestore *Firestore
	redis     *Redis
	nats      *NATS
}

// Configured registers the state store flags.
func Configured() *Provider {
	name := lflag.String("state-store", "firestore", "State store to use (available: firestore, redis, nats, memory)")

	p := &Provider{
		firestore: configuredFirestore(),
		redis:     configuredRedis(),
		nats:      configuredNATS(),
	}

	lflag.Do(func() {
		p.name = *name
	})

	return p
}

// Open validates and connects the selected store.
func (p *Provider) Open(ctx context.Context) (Store, error) {
	type backend interface {
		Store
		Validate() error
		Init(ctx context.Context) error
	}

	var b backend
	switch p.name {
	case "firestore":
		b = p.firestore
	case "redis":
		b = p.redis
	case "nats":
		b = p.nats
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, p.name)
	}

	if err := b.Validate(); err != nil {
		return nil, fmt.Errorf("%s validation failed: %w", p.name, err)
	}
	if err := b.Init(ctx); err != nil {
		return nil, fmt.Errorf("%s init failed: %w", p.name, err)
	}
	return b, nil
}

// encodeValue is the canonical encoding used for change detection by the
// backends that store raw bytes.
func encodeValue(v any) ([]byte, error) {
	switch v.(type) {
	case float64, string:
	default:
		return nil, fmt.Errorf("unsupported state value type %T", v)
	}
	return json.Marshal(v)
}

// sameValue compares a value read back from a store with a value about to be
// written. Stores may hand numbers back as integers.
func sameValue(stored, v any) bool {
	switch s := stored.(type) {
	case int64:
		stored = float64(s)
	case int:
		stored = float64(s)
	}
	switch s := stored.(type) {
	case float64:
		f, ok := v.(float64)
		return ok && f == s
	case string:
		str, ok := v.(string)
		return ok && str == s
	}
	return false
}
