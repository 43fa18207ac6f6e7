package storage

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFirestore(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}

	// Use a random database for isolation
	f := &Firestore{
		projectID:  "test-project-id",
		database:   fmt.Sprintf("test-db-%d", time.Now().UnixNano()),
		collection: "states",
	}
	require.NoError(t, f.Validate())
	require.NoError(t, f.Init(context.Background()))
	defer f.Close()

	testStore(t, f)
}
