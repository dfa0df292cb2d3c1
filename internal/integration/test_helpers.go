package integration

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"matchprobe/internal/database"
	"matchprobe/internal/target"
	dbconfig "matchprobe/pkg/database"
	"matchprobe/pkg/types"
)

// StartTarget serves a stub matchmaker for the test and returns its WebSocket URL
func StartTarget(t *testing.T, opts target.Options) (*target.Server, string) {
	t.Helper()

	srv := target.NewServer(opts, zerolog.Nop())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return srv, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

// InitializeTestStore opens a migrated results store in a temp directory and
// registers runID so outcomes can reference it
func InitializeTestStore(t *testing.T, runID, targetURL string) *database.Manager {
	t.Helper()

	config := dbconfig.DefaultConfig()
	config.DatabasePath = filepath.Join(t.TempDir(), "integration.db")

	store, err := database.NewManager(config, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create results store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Logf("Failed to close results store: %v", err)
		}
	})

	run := &types.RunRecord{
		ID:        runID,
		Scenario:  "websocket-match",
		TargetURL: targetURL,
		VUs:       1,
		Duration:  "1s",
		StartedAt: time.Now(),
	}
	if err := store.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("Failed to create run: %v", err)
	}
	return store
}
