package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/cwbudde/geoinvert/internal/directives"
	"github.com/cwbudde/geoinvert/internal/inversion"
	"github.com/cwbudde/geoinvert/internal/objective"
	"github.com/cwbudde/geoinvert/internal/optimize"
	"github.com/cwbudde/geoinvert/internal/store"
)

var (
	resumeDataDir string
	resumeIters   int
	resumeOut     string
)

var resumeCmd = &cobra.Command{
	Use:   "resume [run-id]",
	Short: "Resume an inversion from a checkpoint",
	Long: `Rebuilds the inversion from a saved checkpoint and continues from the
checkpointed model and beta. The directive state is re-derived by replaying
the chain, so the continuation is close but not bit-exact.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func init() {
	resumeCmd.Flags().StringVar(&resumeDataDir, "data-dir", "./data", "Base directory for checkpoint storage")
	resumeCmd.Flags().IntVar(&resumeIters, "max-iter", 0, "Additional iterations (0 = checkpoint config's maxIter)")
	resumeCmd.Flags().StringVar(&resumeOut, "out", "model.json", "Output path for the recovered model")
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	runID := args[0]

	st, err := store.NewFSStore(resumeDataDir)
	if err != nil {
		return fmt.Errorf("opening checkpoint store: %w", err)
	}

	cp, err := st.LoadCheckpoint(runID)
	if err != nil {
		return fmt.Errorf("loading checkpoint: %w", err)
	}
	if err := cp.Validate(); err != nil {
		return fmt.Errorf("checkpoint is corrupt: %w", err)
	}

	config := cp.Config
	if resumeIters > 0 {
		config.MaxIter = resumeIters
	}

	slog.Info("Resuming inversion",
		"run_id", runID,
		"from_iteration", cp.Iteration,
		"phi_d", cp.PhiD,
		"beta", cp.Beta,
	)

	// The trace appends to the existing history rather than truncating it.
	inv, syn, err := buildResumedPipeline(config, resumeDataDir, runID, cp.Beta)
	if err != nil {
		return err
	}

	model, err := inv.Run(cp.Model)
	if err != nil {
		return err
	}

	prob := inv.Problem()
	iterations := cp.Iteration + inv.Optimizer().Iter
	target := config.ChiFact * 0.5 * float64(config.NData)

	cpNew := store.NewCheckpoint(runID, model, prob.Beta, prob.PhiD, prob.PhiM,
		iterations, config)
	if err := st.SaveCheckpoint(runID, cpNew); err != nil {
		return fmt.Errorf("saving checkpoint: %w", err)
	}

	result := runResult{
		RunID:      runID,
		Model:      model,
		Beta:       prob.Beta,
		PhiD:       prob.PhiD,
		PhiM:       prob.PhiM,
		Target:     target,
		Iterations: iterations,
		ModelRMSE:  modelRMSE(model, syn.TrueModel),
		Config:     config,
	}
	if err := writeResult(resumeOut, result); err != nil {
		return err
	}

	fmt.Printf("Wrote %s (phi_d: %.2f, target: %.2f, %d total iterations)\n",
		resumeOut, prob.PhiD, target, iterations)
	return nil
}

// buildResumedPipeline mirrors buildPipeline but starts from a known beta
// instead of estimating one, and appends to the existing trace file.
func buildResumedPipeline(config store.RunConfig, dataDir, runID string, beta float64) (*inversion.Inversion, *inversion.Synthetic, error) {
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

	prob, err := inversion.NewProblem(dmisfit, reg, beta)
	if err != nil {
		return nil, nil, err
	}

	cfg := optimize.DefaultConfig()
	cfg.MaxIter = config.MaxIter
	minimizer, err := optimize.New(cfg, &optimize.InexactGaussNewton{})
	if err != nil {
		return nil, nil, err
	}

	chain := []directives.Directive{
		directives.NewUpdateSensitivityWeights(),
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
	chain = append(chain, directives.NewUpdatePreconditioner())

	trace, err := store.NewTraceWriter(dataDir, runID, true)
	if err != nil {
		return nil, nil, fmt.Errorf("opening trace: %w", err)
	}
	chain = append(chain, directives.NewSaveIterations(trace))

	inv, err := inversion.New(prob, minimizer, directives.NewList(chain...))
	if err != nil {
		return nil, nil, err
	}
	return inv, syn, nil
}
