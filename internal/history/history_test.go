package history

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/chaz8081/ble-kermit/internal/kermit"
	"github.com/chaz8081/ble-kermit/internal/session"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "nested", "history.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenMigrateIdempotent(t *testing.T) {
	db := openTestDB(t)
	if err := Migrate(db); err != nil {
		t.Errorf("second Migrate() error = %v", err)
	}
}

func TestRecordAndRecent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	reports := []session.Report{
		{Type: kermit.TypeSend, Arg: "a.bin", Resends: 2, Started: start, Finished: start.Add(time.Second)},
		{Type: kermit.TypeGet, Arg: "b.bin", Err: fmt.Errorf("wrapped: %w", kermit.ErrTimeout), Started: start, Finished: start.Add(2 * time.Second)},
		{Type: kermit.TypeEnd, Started: start, Finished: start.Add(3 * time.Second)},
	}
	for _, r := range reports {
		if err := db.Record(ctx, r); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	got, err := db.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Recent() returned %d entries, want 2", len(got))
	}
	if got[0].Type != "end" || got[1].Type != "get" {
		t.Errorf("Recent() types = %q, %q, want end, get", got[0].Type, got[1].Type)
	}

	get := got[1]
	if get.Arg != "b.bin" {
		t.Errorf("Arg = %q, want %q", get.Arg, "b.bin")
	}
	if get.Code != session.CategoryTimeout.Code || get.Category != session.CategoryTimeout.Name {
		t.Errorf("category = %d %q, want %d %q", get.Code, get.Category, session.CategoryTimeout.Code, session.CategoryTimeout.Name)
	}
	if get.Error == "" {
		t.Error("Error should be recorded for a failed transaction")
	}
	if !get.Started.Equal(start) {
		t.Errorf("Started = %v, want %v", get.Started, start)
	}
	if !get.Finished.Equal(start.Add(2 * time.Second)) {
		t.Errorf("Finished = %v, want %v", get.Finished, start.Add(2*time.Second))
	}

	all, err := db.Recent(ctx, 0)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("Recent(0) returned %d entries, want 3", len(all))
	}
	send := all[2]
	if send.Resends != 2 || send.Code != 0 || send.Error != "" {
		t.Errorf("send entry = %+v", send)
	}
}

func TestRecentEmpty(t *testing.T) {
	db := openTestDB(t)
	got, err := db.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("Recent() = %v, want empty non-nil slice", got)
	}
}

func TestReportImplementsReporter(t *testing.T) {
	db := openTestDB(t)
	var rep session.Reporter = db
	rep.Report(session.Report{Type: kermit.TypeDir, Arg: "[]", Started: time.Now(), Finished: time.Now()})

	got, err := db.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(got) != 1 || got[0].Type != "dir" {
		t.Errorf("Recent() = %+v, want one dir entry", got)
	}
}
