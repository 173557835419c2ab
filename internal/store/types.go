package store

import (
	"fmt"
	"time"
)

// RunConfig holds the configuration of an inversion run (checkpoint copy).
// This avoids import cycles with the server package.
type RunConfig struct {
	NParams            int     `json:"nParams"`
	NData              int     `json:"nData"`
	Noise              float64 `json:"noise"`
	Seed               int64   `json:"seed"`
	Beta0Ratio         float64 `json:"beta0Ratio"`
	ChiFact            float64 `json:"chiFact"`
	MaxIter            int     `json:"maxIter"`
	CoolingFactor      float64 `json:"coolingFactor"`
	CoolingRate        int     `json:"coolingRate"`
	IRLS               bool    `json:"irls"`
	Norm               float64 `json:"norm"`
	CheckpointInterval int     `json:"checkpointInterval,omitempty"` // Checkpoint every N seconds (0 = disabled)
}

// Checkpoint represents a saved inversion state that can be resumed later.
// All fields are serialized to JSON for persistence.
//
// The checkpoint saves the current model, beta, and misfit values, but not
// the transient directive state (IRLS phase, cached reweighting, sparse
// thresholds). A resumed run re-derives that state by replaying the
// directive chain from the saved model and beta, so a resume is a close
// continuation rather than a bit-exact one: the data misfit should not get
// worse, but the iteration-by-iteration trajectory may differ slightly
// from an uninterrupted run.
type Checkpoint struct {
	// RunID is the unique identifier for this inversion run
	RunID string `json:"runId"`

	// Model is the current model vector
	Model []float64 `json:"model"`

	// Beta is the trade-off weight at checkpoint time
	Beta float64 `json:"beta"`

	// PhiD and PhiM are the data misfit and regularization values achieved
	// by Model
	PhiD float64 `json:"phiD"`
	PhiM float64 `json:"phiM"`

	// Iteration is the optimizer iteration count when this checkpoint was
	// created
	Iteration int `json:"iteration"`

	// Timestamp records when this checkpoint was created
	Timestamp time.Time `json:"timestamp"`

	// Config holds the run configuration, needed for validation during
	// resume. Resumed runs must use compatible settings (same problem size
	// and data).
	Config RunConfig `json:"config"`
}

// CheckpointInfo contains metadata about a checkpoint without the model
// vector. Used for listing checkpoints without loading large arrays.
type CheckpointInfo struct {
	// RunID is the unique identifier for this checkpoint
	RunID string `json:"runId"`

	// PhiD is the data misfit at checkpoint time
	PhiD float64 `json:"phiD"`

	// Beta is the trade-off weight at checkpoint time
	Beta float64 `json:"beta"`

	// Iteration is the iteration count at checkpoint time
	Iteration int `json:"iteration"`

	// Timestamp records when this checkpoint was created
	Timestamp time.Time `json:"timestamp"`

	// NParams is the model dimension
	NParams int `json:"nParams"`

	// NData is the number of observed data
	NData int `json:"nData"`
}

// NewCheckpoint creates a checkpoint from run state.
func NewCheckpoint(runID string, model []float64, beta, phiD, phiM float64, iteration int, config RunConfig) *Checkpoint {
	return &Checkpoint{
		RunID:     runID,
		Model:     model,
		Beta:      beta,
		PhiD:      phiD,
		PhiM:      phiM,
		Iteration: iteration,
		Timestamp: time.Now(),
		Config:    config,
	}
}

// ToInfo converts a full Checkpoint to CheckpointInfo (metadata only).
func (c *Checkpoint) ToInfo() CheckpointInfo {
	return CheckpointInfo{
		RunID:     c.RunID,
		PhiD:      c.PhiD,
		Beta:      c.Beta,
		Iteration: c.Iteration,
		Timestamp: c.Timestamp,
		NParams:   c.Config.NParams,
		NData:     c.Config.NData,
	}
}

// Validate checks if the checkpoint has valid data.
// Returns an error if any required field is missing or invalid.
func (c *Checkpoint) Validate() error {
	if c.RunID == "" {
		return &ValidationError{Field: "RunID", Reason: "cannot be empty"}
	}
	if len(c.Model) == 0 {
		return &ValidationError{Field: "Model", Reason: "cannot be empty"}
	}
	if c.Beta <= 0 {
		return &ValidationError{Field: "Beta", Reason: "must be positive"}
	}
	if c.PhiD < 0 {
		return &ValidationError{Field: "PhiD", Reason: "cannot be negative"}
	}
	if c.PhiM < 0 {
		return &ValidationError{Field: "PhiM", Reason: "cannot be negative"}
	}
	if c.Iteration < 0 {
		return &ValidationError{Field: "Iteration", Reason: "cannot be negative"}
	}
	if c.Timestamp.IsZero() {
		return &ValidationError{Field: "Timestamp", Reason: "cannot be zero"}
	}
	if c.Config.NParams <= 0 {
		return &ValidationError{Field: "Config.NParams", Reason: "must be positive"}
	}
	if c.Config.NData <= 0 {
		return &ValidationError{Field: "Config.NData", Reason: "must be positive"}
	}
	if c.Config.MaxIter <= 0 {
		return &ValidationError{Field: "Config.MaxIter", Reason: "must be positive"}
	}
	if len(c.Model) != c.Config.NParams {
		return &ValidationError{
			Field:  "Model",
			Reason: fmt.Sprintf("length mismatch: expected %d parameters, got %d", c.Config.NParams, len(c.Model)),
		}
	}
	return nil
}

// ValidationError represents a checkpoint validation error.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Field + " " + e.Reason
}

// IsCompatible checks if this checkpoint can be resumed with the given
// config. Returns an error if the configs are incompatible.
func (c *Checkpoint) IsCompatible(config RunConfig) error {
	if c.Config.NParams != config.NParams {
		return &CompatibilityError{
			Field:    "NParams",
			Expected: fmt.Sprintf("%d", c.Config.NParams),
			Actual:   fmt.Sprintf("%d", config.NParams),
		}
	}
	if c.Config.NData != config.NData {
		return &CompatibilityError{
			Field:    "NData",
			Expected: fmt.Sprintf("%d", c.Config.NData),
			Actual:   fmt.Sprintf("%d", config.NData),
		}
	}
	if c.Config.Seed != config.Seed {
		return &CompatibilityError{
			Field:    "Seed",
			Expected: fmt.Sprintf("%d", c.Config.Seed),
			Actual:   fmt.Sprintf("%d", config.Seed),
		}
	}
	return nil
}

// CompatibilityError represents a checkpoint compatibility error.
type CompatibilityError struct {
	Field    string
	Expected string
	Actual   string
}

func (e *CompatibilityError) Error() string {
	return "compatibility error: " + e.Field + " mismatch (expected " + e.Expected + ", got " + e.Actual + ")"
}
