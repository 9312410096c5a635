package main

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/cbmmg/painel-centrais/internal/database"
	"github.com/cbmmg/painel-centrais/internal/logging"
	"github.com/cbmmg/painel-centrais/internal/models"
)

func TestCleanupKeepsSyncLog(t *testing.T) {
	db, err := database.InitSQLite(filepath.Join(t.TempDir(), "centrais.db"), time.Second)
	if err != nil {
		t.Fatalf("InitSQLite failed: %v", err)
	}
	defer db.Close()
	if err := database.InitSchema(db); err != nil {
		t.Fatalf("InitSchema failed: %v", err)
	}

	ctx := context.Background()
	old := time.Now().AddDate(-2, 0, 0)
	for i, st := range []models.SyncStatus{models.SyncFailure, models.SyncFailure, models.SyncFailure, models.SyncSuccess} {
		entry := models.SyncLogEntry{
			RunID:     "run",
			SyncType:  models.SyncFull,
			Status:    st,
			Timestamp: old.Add(time.Duration(i) * time.Hour),
		}
		if err := db.AppendSyncLog(ctx, entry); err != nil {
			t.Fatal(err)
		}
	}

	logger := logging.NewLogger("text", false, io.Discard, "test", "", "")
	if err := performCleanup(ctx, db, logger); err != nil {
		t.Fatalf("performCleanup failed: %v", err)
	}

	history, err := db.SyncHistory(ctx, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 4 {
		t.Fatalf("sync_log has %d rows after cleanup, want 4", len(history))
	}
}
