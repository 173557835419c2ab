package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cwbudde/geoinvert/internal/directives"
	"github.com/cwbudde/geoinvert/internal/inversion"
	"github.com/cwbudde/geoinvert/internal/objective"
	"github.com/cwbudde/geoinvert/internal/opt"
	"github.com/cwbudde/geoinvert/internal/optimize"
	"github.com/cwbudde/geoinvert/internal/store"
)

var (
	nParams       int
	nData         int
	noise         float64
	seed          int64
	beta0Ratio    float64
	chiFact       float64
	maxIter       int
	coolingFactor float64
	coolingRate   int
	useIRLS       bool
	sparseNorm    float64
	warmStart     bool
	outPath       string
	dataDir       string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a single inversion",
	Long: `Runs a synthetic inversion and writes the recovered model and its
convergence summary as JSON. With --data-dir, a per-iteration trace and a
final checkpoint are saved under the given directory.`,
	RunE: runInversion,
}

func init() {
	runCmd.Flags().IntVar(&nParams, "params", 100, "Number of model parameters")
	runCmd.Flags().IntVar(&nData, "data", 20, "Number of observed data")
	runCmd.Flags().Float64Var(&noise, "noise", 0.01, "Data noise standard deviation")
	runCmd.Flags().Int64Var(&seed, "seed", 42, "Random seed")
	runCmd.Flags().Float64Var(&beta0Ratio, "beta-ratio", 10, "Initial beta eigenvalue ratio")
	runCmd.Flags().Float64Var(&chiFact, "chifact", 1, "Target misfit chi factor")
	runCmd.Flags().IntVar(&maxIter, "max-iter", 20, "Max optimizer iterations")
	runCmd.Flags().Float64Var(&coolingFactor, "cooling-factor", 2, "Beta cooling factor")
	runCmd.Flags().IntVar(&coolingRate, "cooling-rate", 1, "Iterations between beta coolings")
	runCmd.Flags().BoolVar(&useIRLS, "irls", false, "Enable sparse-norm (IRLS) regularization")
	runCmd.Flags().Float64Var(&sparseNorm, "norm", 1, "Sparse norm exponent (with --irls)")
	runCmd.Flags().BoolVar(&warmStart, "warm-start", false, "Seed the starting model with a mayfly global search")
	runCmd.Flags().StringVar(&outPath, "out", "model.json", "Output path for the recovered model")
	runCmd.Flags().StringVar(&dataDir, "data-dir", "", "Base directory for trace and checkpoint output (empty = disabled)")

	rootCmd.AddCommand(runCmd)
}

// runResult is the JSON document the run command writes.
type runResult struct {
	RunID      string          `json:"runId,omitempty"`
	Model      []float64       `json:"model"`
	Beta       float64         `json:"beta"`
	PhiD       float64         `json:"phiD"`
	PhiM       float64         `json:"phiM"`
	Target     float64         `json:"target"`
	Iterations int             `json:"iterations"`
	ModelRMSE  float64         `json:"modelRmse"`
	Config     store.RunConfig `json:"config"`
}

func runInversion(cmd *cobra.Command, args []string) error {
	config := store.RunConfig{
		NParams:       nParams,
		NData:         nData,
		Noise:         noise,
		Seed:          seed,
		Beta0Ratio:    beta0Ratio,
		ChiFact:       chiFact,
		MaxIter:       maxIter,
		CoolingFactor: coolingFactor,
		CoolingRate:   coolingRate,
		IRLS:          useIRLS,
		Norm:          sparseNorm,
	}

	slog.Info("Starting inversion", "params", nParams, "data", nData, "irls", useIRLS)

	runID := ""
	if dataDir != "" {
		runID = uuid.New().String()
	}

	inv, syn, err := buildPipeline(config, dataDir, runID)
	if err != nil {
		return err
	}

	m0 := make([]float64, config.NParams)
	if warmStart {
		global := opt.NewMayfly(50, 20, config.Seed)
		m0, err = opt.WarmStart(inv.Problem(), global, -2, 2, config.NParams)
		if err != nil {
			return err
		}
		slog.Info("Warm start complete",
			"f0", inv.Problem().Evaluate(m0, false, false).F)
	}

	start := time.Now()
	model, err := inv.Run(m0)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	prob := inv.Problem()
	target := config.ChiFact * 0.5 * float64(config.NData)
	rmse := modelRMSE(model, syn.TrueModel)

	if dataDir != "" {
		st, err := store.NewFSStore(dataDir)
		if err != nil {
			return err
		}
		cp := store.NewCheckpoint(runID, model, prob.Beta, prob.PhiD, prob.PhiM,
			inv.Optimizer().Iter, config)
		if err := st.SaveCheckpoint(runID, cp); err != nil {
			return fmt.Errorf("saving checkpoint: %w", err)
		}
	}

	result := runResult{
		RunID:      runID,
		Model:      model,
		Beta:       prob.Beta,
		PhiD:       prob.PhiD,
		PhiM:       prob.PhiM,
		Target:     target,
		Iterations: inv.Optimizer().Iter,
		ModelRMSE:  rmse,
		Config:     config,
	}
	if err := writeResult(outPath, result); err != nil {
		return err
	}

	slog.Info("Inversion complete",
		"elapsed", elapsed,
		"iterations", result.Iterations,
		"phi_d", prob.PhiD,
		"target", target,
		"model_rmse", rmse,
	)

	fmt.Printf("Wrote %s (phi_d: %.2f, target: %.2f, %d iterations)\n",
		outPath, prob.PhiD, target, result.Iterations)

	return nil
}

// buildPipeline assembles the synthetic scenario, the optimizer, and the
// directive chain for one configuration. When dataDir is non-empty a trace
// is written under it for the given run ID.
func buildPipeline(config store.RunConfig, dataDir, runID string) (*inversion.Inversion, *inversion.Synthetic, error) {
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
	minimizer, err := optimize.New(cfg, &optimize.InexactGaussNewton{})
	if err != nil {
		return nil, nil, err
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
	chain = append(chain, directives.NewUpdatePreconditioner())

	if dataDir != "" {
		trace, err := store.NewTraceWriter(dataDir, runID, false)
		if err != nil {
			return nil, nil, fmt.Errorf("opening trace: %w", err)
		}
		chain = append(chain, directives.NewSaveIterations(trace))
	}

	inv, err := inversion.New(prob, minimizer, directives.NewList(chain...))
	if err != nil {
		return nil, nil, err
	}
	return inv, syn, nil
}

func modelRMSE(model, truth []float64) float64 {
	var sum float64
	for i := range model {
		d := model[i] - truth[i]
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(model)))
}

func writeResult(path string, result runResult) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing result: %w", err)
	}
	return nil
}
