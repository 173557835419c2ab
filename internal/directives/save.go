package directives

import (
	"errors"
	"time"

	"github.com/cwbudde/geoinvert/internal/store"
)

// SaveIterations appends one trace entry per accepted iteration to the
// run's JSONL convergence history. The writer is flushed at every entry so
// a crash loses at most the iteration in flight, and closed on Finish.
type SaveIterations struct {
	base

	// Writer is the destination trace. Injected by the caller, who owns
	// the choice of base directory and run ID.
	Writer *store.TraceWriter
	// SaveModel includes the full model vector in every entry.
	SaveModel bool
}

// NewSaveIterations builds the directive around an open trace writer.
func NewSaveIterations(w *store.TraceWriter) *SaveIterations {
	return &SaveIterations{Writer: w}
}

func (d *SaveIterations) Name() string { return "SaveIterations" }

func (d *SaveIterations) Validate(l *List) error {
	if d.Writer == nil {
		return errors.New("a trace writer must be provided")
	}
	return nil
}

func (d *SaveIterations) EndIter() error {
	prob := d.invProb()
	entry := store.TraceEntry{
		Iteration: d.opt().Iter,
		Beta:      prob.Beta,
		PhiD:      prob.PhiD,
		PhiM:      prob.PhiM,
		F:         prob.PhiD + prob.Beta*prob.PhiM,
		Timestamp: time.Now(),
	}
	if d.SaveModel {
		entry.Model = append([]float64(nil), prob.Model...)
	}
	if err := d.Writer.Write(entry); err != nil {
		return err
	}
	return d.Writer.Flush()
}

func (d *SaveIterations) Finish() error {
	return d.Writer.Close()
}
