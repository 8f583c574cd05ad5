package history

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Brownie44l1/leafdx-api/internal/diagnosis"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(t.TempDir(), DefaultOptions())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen(t *testing.T) {
	t.Parallel()

	t.Run("creates database in new directory", func(t *testing.T) {
		t.Parallel()

		dir := filepath.Join(t.TempDir(), "nested", "leafdx")
		s, err := Open(dir, DefaultOptions())
		if err != nil {
			t.Fatalf("failed to open store: %v", err)
		}
		defer s.Close()

		if _, err := os.Stat(filepath.Join(dir, FileName)); err != nil {
			t.Errorf("database file was not created: %v", err)
		}
		if s.Path() != filepath.Join(dir, FileName) {
			t.Errorf("unexpected path %q", s.Path())
		}
	})

	t.Run("missing database without create fails", func(t *testing.T) {
		t.Parallel()

		_, err := Open(t.TempDir(), Options{CreateIfNotExists: false})
		if err == nil {
			t.Fatal("expected error for missing database")
		}
	})

	t.Run("reopen keeps data", func(t *testing.T) {
		t.Parallel()

		dir := t.TempDir()
		s, err := Open(dir, DefaultOptions())
		if err != nil {
			t.Fatalf("failed to open store: %v", err)
		}
		if _, err := s.Save(context.Background(), &Entry{RequestID: "r1", Record: diagnosis.Record{Name: "Healthy"}}); err != nil {
			t.Fatalf("failed to save: %v", err)
		}
		_ = s.Close()

		s, err = Open(dir, Options{EnableWAL: true})
		if err != nil {
			t.Fatalf("failed to reopen store: %v", err)
		}
		defer s.Close()
		if _, err := s.FindByRequestID(context.Background(), "r1"); err != nil {
			t.Fatalf("entry lost after reopen: %v", err)
		}
	})
}

func TestSaveAndFind(t *testing.T) {
	t.Parallel()
	s := setupTestStore(t)
	ctx := context.Background()

	entry := &Entry{
		RequestID:   "req-42",
		ImageSHA256: "abc123",
		Source:      "upload",
		Record: diagnosis.Record{
			Name:       "Blight",
			Symptoms:   "brown lesions",
			Treatment:  "copper fungicide",
			Confidence: 0.91,
			ClassIndex: 3,
			Known:      true,
			Top: []diagnosis.ClassScore{
				{Index: 3, Name: "Blight", Score: 0.91},
				{Index: 0, Name: "Healthy", Score: 0.05},
			},
		},
	}
	id, err := s.Save(ctx, entry)
	if err != nil {
		t.Fatalf("failed to save: %v", err)
	}
	if id <= 0 || entry.ID != id {
		t.Fatalf("unexpected id %d (entry %d)", id, entry.ID)
	}
	if entry.CreatedAt.IsZero() {
		t.Fatal("expected CreatedAt to be set")
	}

	got, err := s.FindByRequestID(ctx, "req-42")
	if err != nil {
		t.Fatalf("failed to find: %v", err)
	}
	if got.Record.Name != "Blight" || got.Record.ClassIndex != 3 || !got.Record.Known {
		t.Errorf("unexpected record %+v", got.Record)
	}
	if got.Record.Symptoms != "brown lesions" || got.Record.Treatment != "copper fungicide" {
		t.Errorf("text fields not round-tripped: %+v", got.Record)
	}
	if got.ImageSHA256 != "abc123" || got.Source != "upload" {
		t.Errorf("unexpected metadata %q %q", got.ImageSHA256, got.Source)
	}
	if len(got.Record.Top) != 2 || got.Record.Top[1].Name != "Healthy" {
		t.Errorf("ranking not round-tripped: %+v", got.Record.Top)
	}
	if !got.CreatedAt.Equal(entry.CreatedAt) {
		t.Errorf("created_at mismatch: %v vs %v", got.CreatedAt, entry.CreatedAt)
	}
}

func TestFindMissing(t *testing.T) {
	t.Parallel()
	s := setupTestStore(t)

	_, err := s.FindByRequestID(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveRejectsDuplicatesAndEmptyID(t *testing.T) {
	t.Parallel()
	s := setupTestStore(t)
	ctx := context.Background()

	if _, err := s.Save(ctx, &Entry{Record: diagnosis.Record{Name: "Healthy"}}); err == nil {
		t.Error("expected error for empty request id")
	}
	if _, err := s.Save(ctx, &Entry{RequestID: "dup", Record: diagnosis.Record{Name: "Healthy"}}); err != nil {
		t.Fatalf("failed to save: %v", err)
	}
	if _, err := s.Save(ctx, &Entry{RequestID: "dup", Record: diagnosis.Record{Name: "Healthy"}}); err == nil {
		t.Error("expected error for duplicate request id")
	}
}

func TestRecent(t *testing.T) {
	t.Parallel()
	s := setupTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c", "d"} {
		e := &Entry{
			RequestID: id,
			Record:    diagnosis.Record{Name: "Healthy", ClassIndex: 9, Known: true},
			CreatedAt: base.Add(time.Duration(i) * 500 * time.Millisecond),
		}
		if _, err := s.Save(ctx, e); err != nil {
			t.Fatalf("failed to save %s: %v", id, err)
		}
	}

	got, err := s.Recent(ctx, 3)
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got))
	}
	for i, want := range []string{"d", "c", "b"} {
		if got[i].RequestID != want {
			t.Errorf("position %d: expected %s, got %s", i, want, got[i].RequestID)
		}
	}

	all, err := s.Recent(ctx, 0)
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(all) != 4 {
		t.Errorf("expected default limit to return all 4, got %d", len(all))
	}

	n, err := s.Count(ctx)
	if err != nil || n != 4 {
		t.Errorf("expected count 4, got %d (%v)", n, err)
	}
}

func TestParseTimestamp(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		zero bool
	}{
		{"2025-03-01T12:00:00.500000000Z", false},
		{"2025-03-01T12:00:00Z", false},
		{"2025-03-01 12:00:00", false},
		{"garbage", true},
	}
	for _, tt := range tests {
		if got := parseTimestamp(tt.in); got.IsZero() != tt.zero {
			t.Errorf("parseTimestamp(%q) = %v", tt.in, got)
		}
	}
}
