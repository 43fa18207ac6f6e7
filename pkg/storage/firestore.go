package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/solaredge/pkg/common"
	"github.com/raterudder/solaredge/pkg/log"
	"github.com/raterudder/solaredge/pkg/types"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Firestore implements Store using Google Cloud Firestore. Each state is one
// document in the states collection keyed by its path. The declaration is
// kept as a JSON blob in "common" next to the val/ack/ts fields.
type Firestore struct {
	client     *firestore.Client
	projectID  string
	database   string
	collection string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *Firestore {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")
	collection := lflag.String("firestore-collection", "states", "Firestore collection holding the states")

	f := &Firestore{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database
		f.collection = *collection

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *Firestore) Validate() error {
	// Project ID may be empty, it gets detected from the environment.
	if f.collection == "" {
		return fmt.Errorf("firestore collection cannot be empty")
	}
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *Firestore) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(
		ctx,
		projectID,
		database,
		option.WithUserAgent(common.UserAgent()),
	)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *Firestore) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *Firestore) getDoc(path string) (*firestore.DocumentRef, error) {
	if f.client == nil {
		return nil, ErrNotInitialized
	}
	if path == "" {
		return nil, fmt.Errorf("path cannot be empty")
	}
	return f.client.Collection(f.collection).Doc(path), nil
}

// ProbeExists returns true if the document exists and carries a declaration.
func (f *Firestore) ProbeExists(ctx context.Context, path string) (bool, error) {
	ref, err := f.getDoc(path)
	if err != nil {
		return false, err
	}
	doc, err := ref.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return false, nil
		}
		return false, fmt.Errorf("failed to fetch state doc: %w", err)
	}
	if _, err := doc.DataAt("common"); err != nil {
		log.Ctx(ctx).DebugContext(ctx, "state doc has no declaration", slog.String("path", path))
		return false, nil
	}
	return true, nil
}

// DeclareMetric stores the definition as JSON in the "common" field, merging
// so an existing value is left alone.
func (f *Firestore) DeclareMetric(ctx context.Context, path string, def types.MetricDefinition) error {
	jsonBytes, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to marshal metric definition: %w", err)
	}

	ref, err := f.getDoc(path)
	if err != nil {
		return err
	}
	_, err = ref.Set(ctx, map[string]interface{}{
		"common":     string(jsonBytes),
		"type":       string(def.Type),
		"declaredAt": time.Now(),
	}, firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("failed to declare state: %w", err)
	}
	return nil
}

// WriteIfChanged compares and writes inside a transaction so concurrent
// writers cannot both see a stale value.
func (f *Firestore) WriteIfChanged(ctx context.Context, path string, value types.StateValue) (bool, error) {
	if _, err := encodeValue(value.Val); err != nil {
		return false, err
	}
	ref, err := f.getDoc(path)
	if err != nil {
		return false, err
	}

	var changed bool
	err = f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		// the function may be retried
		changed = false

		doc, err := tx.Get(ref)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil {
			if cur, err := doc.DataAt("val"); err == nil && sameValue(cur, value.Val) {
				return nil
			}
		}

		changed = true
		return tx.Set(ref, map[string]interface{}{
			"val": value.Val,
			"ack": value.Ack,
			"ts":  value.TS,
		}, firestore.MergeAll)
	})
	if err != nil {
		return false, fmt.Errorf("failed to write state: %w", err)
	}
	return changed, nil
}
