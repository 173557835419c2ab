package store

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testTraceEntry(iter int) TraceEntry {
	beta := 100.0 / float64(iter+1)
	phiD := 50.0 / float64(iter+1)
	phiM := 0.01 * float64(iter+1)
	return TraceEntry{
		Iteration: iter,
		Beta:      beta,
		PhiD:      phiD,
		PhiM:      phiM,
		F:         phiD + beta*phiM,
		Timestamp: time.Now(),
	}
}

func TestTraceWriter_CreatesFile(t *testing.T) {
	tempDir := t.TempDir()

	tw, err := NewTraceWriter(tempDir, "run-1", false)
	if err != nil {
		t.Fatalf("NewTraceWriter failed: %v", err)
	}
	defer tw.Close()

	wantPath := filepath.Join(tempDir, "runs", "run-1", "trace.jsonl")
	if tw.Path() != wantPath {
		t.Errorf("Path mismatch: got %s, want %s", tw.Path(), wantPath)
	}

	if _, err := os.Stat(wantPath); os.IsNotExist(err) {
		t.Fatal("Trace file was not created")
	}
}

func TestTraceRoundTrip(t *testing.T) {
	tempDir := t.TempDir()

	tw, err := NewTraceWriter(tempDir, "run-1", false)
	if err != nil {
		t.Fatalf("NewTraceWriter failed: %v", err)
	}

	const n = 5
	for i := 0; i < n; i++ {
		if err := tw.Write(testTraceEntry(i)); err != nil {
			t.Fatalf("Write(%d) failed: %v", i, err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	tr, err := NewTraceReader(tempDir, "run-1")
	if err != nil {
		t.Fatalf("NewTraceReader failed: %v", err)
	}
	defer tr.Close()

	entries, err := tr.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(entries) != n {
		t.Fatalf("Expected %d entries, got %d", n, len(entries))
	}

	for i, entry := range entries {
		if entry.Iteration != i {
			t.Errorf("Entry %d: iteration mismatch, got %d", i, entry.Iteration)
		}
		want := testTraceEntry(i)
		if entry.Beta != want.Beta {
			t.Errorf("Entry %d: beta mismatch, got %v, want %v", i, entry.Beta, want.Beta)
		}
		if entry.PhiD != want.PhiD {
			t.Errorf("Entry %d: phiD mismatch, got %v, want %v", i, entry.PhiD, want.PhiD)
		}
		if entry.F != want.F {
			t.Errorf("Entry %d: f mismatch, got %v, want %v", i, entry.F, want.F)
		}
	}
}

func TestTraceWriter_FlushMakesEntriesVisible(t *testing.T) {
	tempDir := t.TempDir()

	tw, err := NewTraceWriter(tempDir, "run-1", false)
	if err != nil {
		t.Fatalf("NewTraceWriter failed: %v", err)
	}
	defer tw.Close()

	if err := tw.Write(testTraceEntry(0)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := tw.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	// The entry must be readable while the writer stays open
	tr, err := NewTraceReader(tempDir, "run-1")
	if err != nil {
		t.Fatalf("NewTraceReader failed: %v", err)
	}
	defer tr.Close()

	entries, err := tr.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Expected 1 entry after flush, got %d", len(entries))
	}
}

func TestTraceWriter_Append(t *testing.T) {
	tempDir := t.TempDir()

	tw, err := NewTraceWriter(tempDir, "run-1", false)
	if err != nil {
		t.Fatalf("NewTraceWriter failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := tw.Write(testTraceEntry(i)); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Reopen in append mode and continue the history
	tw2, err := NewTraceWriter(tempDir, "run-1", true)
	if err != nil {
		t.Fatalf("NewTraceWriter (append) failed: %v", err)
	}
	for i := 3; i < 5; i++ {
		if err := tw2.Write(testTraceEntry(i)); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
	if err := tw2.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	tr, err := NewTraceReader(tempDir, "run-1")
	if err != nil {
		t.Fatalf("NewTraceReader failed: %v", err)
	}
	defer tr.Close()

	entries, err := tr.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("Expected 5 entries after append, got %d", len(entries))
	}
	for i, entry := range entries {
		if entry.Iteration != i {
			t.Errorf("Entry %d: expected iteration %d, got %d", i, i, entry.Iteration)
		}
	}
}

func TestTraceWriter_Truncate(t *testing.T) {
	tempDir := t.TempDir()

	tw, err := NewTraceWriter(tempDir, "run-1", false)
	if err != nil {
		t.Fatalf("NewTraceWriter failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := tw.Write(testTraceEntry(i)); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Reopening without append starts a fresh trace
	tw2, err := NewTraceWriter(tempDir, "run-1", false)
	if err != nil {
		t.Fatalf("NewTraceWriter failed: %v", err)
	}
	if err := tw2.Write(testTraceEntry(0)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := tw2.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	tr, err := NewTraceReader(tempDir, "run-1")
	if err != nil {
		t.Fatalf("NewTraceReader failed: %v", err)
	}
	defer tr.Close()

	entries, err := tr.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Expected 1 entry after truncate, got %d", len(entries))
	}
}

func TestTraceEntry_WithModel(t *testing.T) {
	tempDir := t.TempDir()

	tw, err := NewTraceWriter(tempDir, "run-1", false)
	if err != nil {
		t.Fatalf("NewTraceWriter failed: %v", err)
	}

	entry := testTraceEntry(0)
	entry.Model = []float64{1.5, -0.25, 3.0}
	if err := tw.Write(entry); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	tr, err := NewTraceReader(tempDir, "run-1")
	if err != nil {
		t.Fatalf("NewTraceReader failed: %v", err)
	}
	defer tr.Close()

	got, err := tr.Read()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(got.Model) != 3 {
		t.Fatalf("Expected model length 3, got %d", len(got.Model))
	}
	for i, v := range entry.Model {
		if got.Model[i] != v {
			t.Errorf("Model[%d] mismatch: got %v, want %v", i, got.Model[i], v)
		}
	}

	if _, err := tr.Read(); err != io.EOF {
		t.Errorf("Expected io.EOF after last entry, got %v", err)
	}
}

func TestTraceReader_NotFound(t *testing.T) {
	tempDir := t.TempDir()

	_, err := NewTraceReader(tempDir, "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestTraceReader_EmptyFile(t *testing.T) {
	tempDir := t.TempDir()

	tw, err := NewTraceWriter(tempDir, "run-1", false)
	if err != nil {
		t.Fatalf("NewTraceWriter failed: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	tr, err := NewTraceReader(tempDir, "run-1")
	if err != nil {
		t.Fatalf("NewTraceReader failed: %v", err)
	}
	defer tr.Close()

	entries, err := tr.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("Expected 0 entries from empty trace, got %d", len(entries))
	}
}

func TestDeleteTrace(t *testing.T) {
	tempDir := t.TempDir()

	tw, err := NewTraceWriter(tempDir, "run-1", false)
	if err != nil {
		t.Fatalf("NewTraceWriter failed: %v", err)
	}
	if err := tw.Write(testTraceEntry(0)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if err := DeleteTrace(tempDir, "run-1"); err != nil {
		t.Fatalf("DeleteTrace failed: %v", err)
	}

	path := filepath.Join(tempDir, "runs", "run-1", "trace.jsonl")
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("Trace file was not deleted")
	}

	// Deleting a missing trace is not an error
	if err := DeleteTrace(tempDir, "run-1"); err != nil {
		t.Errorf("DeleteTrace on missing file failed: %v", err)
	}
}

func TestTraceWriter_ConcurrentWrites(t *testing.T) {
	tempDir := t.TempDir()

	tw, err := NewTraceWriter(tempDir, "run-1", false)
	if err != nil {
		t.Fatalf("NewTraceWriter failed: %v", err)
	}

	const n = 20
	done := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(iter int) {
			done <- tw.Write(testTraceEntry(iter))
		}(i)
	}
	for i := 0; i < n; i++ {
		if err := <-done; err != nil {
			t.Errorf("Concurrent write failed: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	tr, err := NewTraceReader(tempDir, "run-1")
	if err != nil {
		t.Fatalf("NewTraceReader failed: %v", err)
	}
	defer tr.Close()

	entries, err := tr.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(entries) != n {
		t.Errorf("Expected %d entries, got %d", n, len(entries))
	}
}
