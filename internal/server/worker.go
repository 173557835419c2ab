package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/cwbudde/geoinvert/internal/directives"
	"github.com/cwbudde/geoinvert/internal/inversion"
	"github.com/cwbudde/geoinvert/internal/objective"
	"github.com/cwbudde/geoinvert/internal/optimize"
	"github.com/cwbudde/geoinvert/internal/store"
)

// runJob executes an inversion job in the background.
// If checkpointStore is not nil and the job has checkpointInterval > 0,
// periodic checkpoints are saved from the end-of-iteration hook.
func runJob(ctx context.Context, jm *JobManager, checkpointStore store.Store, dataDir, jobID string) error {
	job, exists := jm.GetJob(jobID)
	if !exists {
		return fmt.Errorf("job not found: %s", jobID)
	}

	err := jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateRunning
	})
	if err != nil {
		return err
	}

	target := job.Config.ChiFact * 0.5 * float64(job.Config.NData)
	jm.UpdateJob(jobID, func(j *Job) {
		j.Target = target
	})

	slog.Info("Starting job", "job_id", jobID,
		"params", job.Config.NParams, "data", job.Config.NData)

	inv, trace, err := buildInversion(ctx, jm, checkpointStore, dataDir, jobID, job.Config)
	if err != nil {
		markJobFailed(jm, jobID, err)
		return err
	}

	// Check for cancellation before starting expensive operation
	select {
	case <-ctx.Done():
		trace.Close()
		markJobCancelled(jm, jobID)
		return ctx.Err()
	default:
	}

	start := time.Now()
	m0 := make([]float64, job.Config.NParams)
	model, err := inv.Run(m0)

	if err != nil {
		// Finish never ran, so the trace writer is still open
		trace.Close()
		if errors.Is(err, context.Canceled) {
			markJobCancelled(jm, jobID)
			return err
		}
		markJobFailed(jm, jobID, err)
		return err
	}

	// Final checkpoint so the completed model survives a restart
	if checkpointStore != nil {
		prob := inv.Problem()
		cp := store.NewCheckpoint(jobID, model, prob.Beta, prob.PhiD, prob.PhiM,
			inv.Optimizer().Iter, job.Config)
		if err := checkpointStore.SaveCheckpoint(jobID, cp); err != nil {
			slog.Warn("Failed to save final checkpoint", "job_id", jobID, "error", err)
		}
	}

	endTime := time.Now()
	prob := inv.Problem()
	iterations := inv.Optimizer().Iter
	err = jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateCompleted
		j.Model = model
		j.Beta = prob.Beta
		j.PhiD = prob.PhiD
		j.PhiM = prob.PhiM
		j.Iterations = iterations
		j.EndTime = &endTime
	})
	if err != nil {
		return err
	}

	slog.Info("Job completed",
		"job_id", jobID,
		"elapsed", time.Since(start),
		"iterations", iterations,
		"phi_d", prob.PhiD,
		"target", target,
	)

	// Broadcast final completion event
	jm.broadcaster.Broadcast(ProgressEvent{
		JobID:      jobID,
		State:      StateCompleted,
		Iterations: iterations,
		Beta:       prob.Beta,
		PhiD:       prob.PhiD,
		PhiM:       prob.PhiM,
		Timestamp:  time.Now(),
	})

	return nil
}

// buildInversion assembles the synthetic problem, the optimizer, and the
// directive chain for one job. The returned trace writer is owned by the
// SaveIterations directive and closed on finish.
func buildInversion(ctx context.Context, jm *JobManager, checkpointStore store.Store, dataDir, jobID string, config RunConfig) (*inversion.Inversion, *store.TraceWriter, error) {
	syn, err := inversion.NewSynthetic(inversion.SyntheticConfig{
		NParams: config.NParams,
		NData:   config.NData,
		Noise:   config.Noise,
		Seed:    config.Seed,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("building scenario: %w", err)
	}

	smallness := objective.NewSmallness(config.NParams)
	smoothness := objective.NewSmoothness(config.NParams)
	if config.IRLS {
		smallness.SetNorm(config.Norm)
		smoothness.SetNorm(config.Norm)
	}
	reg := objective.TermList{
		{Multiplier: 1, Term: smallness},
		{Multiplier: 1, Term: smoothness},
	}
	dmisfit := objective.TermList{{Multiplier: 1, Term: syn.Misfit}}

	prob, err := inversion.NewProblem(dmisfit, reg, 1)
	if err != nil {
		return nil, nil, err
	}

	cfg := optimize.DefaultConfig()
	cfg.MaxIter = config.MaxIter
	min, err := optimize.New(cfg, &optimize.InexactGaussNewton{})
	if err != nil {
		return nil, nil, err
	}

	trace, err := store.NewTraceWriter(dataDir, jobID, false)
	if err != nil {
		return nil, nil, fmt.Errorf("opening trace: %w", err)
	}

	rng := rand.New(rand.NewSource(config.Seed))
	chain := []directives.Directive{
		directives.NewUpdateSensitivityWeights(),
		directives.NewBetaEstimateByEig(config.Beta0Ratio, 4, rng),
	}
	if config.IRLS {
		irls := directives.NewUpdateIRLS()
		irls.ChiFactStart = config.ChiFact
		irls.ChiFactTarget = config.ChiFact
		irls.CoolingFactor = config.CoolingFactor
		irls.CoolingRate = config.CoolingRate
		chain = append(chain, irls)
	} else {
		target := directives.NewTargetMisfit()
		target.ChiFact = config.ChiFact
		chain = append(chain,
			directives.NewBetaSchedule(config.CoolingFactor, config.CoolingRate),
			target,
		)
	}
	chain = append(chain,
		directives.NewUpdatePreconditioner(),
		newProgressDirective(ctx, jm, checkpointStore, jobID, config),
		directives.NewSaveIterations(trace),
	)

	inv, err := inversion.New(prob, min, directives.NewList(chain...))
	if err != nil {
		trace.Close()
		return nil, nil, err
	}
	return inv, trace, nil
}

// newProgressDirective mirrors optimizer state into the job manager after
// every accepted iteration and saves periodic checkpoints.
func newProgressDirective(ctx context.Context, jm *JobManager, checkpointStore store.Store, jobID string, config RunConfig) *directives.Callback {
	var lastCheckpoint time.Time
	interval := time.Duration(config.CheckpointInterval) * time.Second

	return directives.NewCallback(func(prob *inversion.Problem, iter int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		jm.UpdateJob(jobID, func(j *Job) {
			j.Beta = prob.Beta
			j.PhiD = prob.PhiD
			j.PhiM = prob.PhiM
			j.Iterations = iter
		})

		job, exists := jm.GetJob(jobID)
		if !exists {
			return fmt.Errorf("job not found: %s", jobID)
		}
		jm.broadcaster.Broadcast(ProgressEvent{
			JobID:      jobID,
			State:      job.State,
			Iterations: iter,
			Beta:       prob.Beta,
			PhiD:       prob.PhiD,
			PhiM:       prob.PhiM,
			Timestamp:  time.Now(),
		})

		if checkpointStore != nil && interval > 0 && time.Since(lastCheckpoint) >= interval {
			cp := store.NewCheckpoint(jobID, prob.Model, prob.Beta, prob.PhiD, prob.PhiM, iter, config)
			if err := checkpointStore.SaveCheckpoint(jobID, cp); err != nil {
				slog.Error("Failed to save checkpoint", "job_id", jobID, "error", err)
			} else {
				lastCheckpoint = time.Now()
				slog.Info("Checkpoint saved", "job_id", jobID, "iteration", iter, "phi_d", prob.PhiD)
			}
		}
		return nil
	})
}

// markJobFailed marks a job as failed with an error message
func markJobFailed(jm *JobManager, jobID string, err error) {
	endTime := time.Now()
	jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateFailed
		j.Error = err.Error()
		j.EndTime = &endTime
	})
	slog.Error("Job failed", "job_id", jobID, "error", err)
}

// markJobCancelled marks a job as cancelled
func markJobCancelled(jm *JobManager, jobID string) {
	endTime := time.Now()
	jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateCancelled
		j.EndTime = &endTime
	})
	slog.Info("Job cancelled", "job_id", jobID)
}
