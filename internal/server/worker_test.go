package server

import (
	"context"
	"errors"
	"testing"

	"github.com/cwbudde/geoinvert/internal/store"
)

func testRunConfig() RunConfig {
	return RunConfig{
		NParams:       60,
		NData:         12,
		Noise:         0.01,
		Seed:          42,
		Beta0Ratio:    10,
		ChiFact:       1,
		MaxIter:       15,
		CoolingFactor: 2,
		CoolingRate:   1,
		Norm:          2,
	}
}

func TestRunJob_Success(t *testing.T) {
	tmpDir := t.TempDir()
	st, err := store.NewFSStore(tmpDir)
	if err != nil {
		t.Fatalf("NewFSStore failed: %v", err)
	}

	jm := NewJobManager()
	job := jm.CreateJob(testRunConfig())

	if err := runJob(context.Background(), jm, st, tmpDir, job.ID); err != nil {
		t.Errorf("runJob should succeed: %v", err)
	}

	updated, _ := jm.GetJob(job.ID)
	if updated.State != StateCompleted {
		t.Errorf("Job should be completed, got %s", updated.State)
	}

	if len(updated.Model) != 60 {
		t.Errorf("Expected 60 model parameters, got %d", len(updated.Model))
	}

	if updated.PhiD <= 0 {
		t.Error("PhiD should be set")
	}

	if updated.Iterations == 0 {
		t.Error("Iterations should be tracked")
	}

	// A final checkpoint must exist and round-trip
	cp, err := st.LoadCheckpoint(job.ID)
	if err != nil {
		t.Fatalf("Final checkpoint should exist: %v", err)
	}
	if len(cp.Model) != 60 {
		t.Errorf("Checkpoint model has %d parameters, want 60", len(cp.Model))
	}

	// The trace must have one entry per iteration
	reader, err := store.NewTraceReader(tmpDir, job.ID)
	if err != nil {
		t.Fatalf("Trace should exist: %v", err)
	}
	defer reader.Close()
	entries, err := reader.ReadAll()
	if err != nil {
		t.Fatalf("Failed to read trace: %v", err)
	}
	if len(entries) != updated.Iterations {
		t.Errorf("Trace has %d entries, want %d", len(entries), updated.Iterations)
	}
}

func TestRunJob_IRLS(t *testing.T) {
	tmpDir := t.TempDir()

	jm := NewJobManager()
	config := testRunConfig()
	config.IRLS = true
	config.Norm = 1
	config.MaxIter = 30
	job := jm.CreateJob(config)

	if err := runJob(context.Background(), jm, nil, tmpDir, job.ID); err != nil {
		t.Errorf("runJob should succeed: %v", err)
	}

	updated, _ := jm.GetJob(job.ID)
	if updated.State != StateCompleted {
		t.Errorf("Job should be completed, got %s", updated.State)
	}
}

func TestRunJob_InvalidConfig(t *testing.T) {
	tmpDir := t.TempDir()

	jm := NewJobManager()
	config := testRunConfig()
	config.NParams = -1
	job := jm.CreateJob(config)

	err := runJob(context.Background(), jm, nil, tmpDir, job.ID)
	if err == nil {
		t.Error("runJob should fail with invalid config")
	}

	updated, _ := jm.GetJob(job.ID)
	if updated.State != StateFailed {
		t.Errorf("Job should be failed, got %s", updated.State)
	}

	if updated.Error == "" {
		t.Error("Error message should be set")
	}
}

func TestRunJob_Cancellation(t *testing.T) {
	tmpDir := t.TempDir()

	jm := NewJobManager()
	job := jm.CreateJob(testRunConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancelled before the first iteration completes

	err := runJob(ctx, jm, nil, tmpDir, job.ID)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("runJob should return context.Canceled, got %v", err)
	}

	updated, _ := jm.GetJob(job.ID)
	if updated.State != StateCancelled {
		t.Errorf("Job should be cancelled, got %s", updated.State)
	}
}
