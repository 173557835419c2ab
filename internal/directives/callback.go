package directives

import (
	"errors"

	"github.com/cwbudde/geoinvert/internal/inversion"
)

// Callback adapts a plain function into a directive, for callers outside
// this package that want to observe or act on end-of-iteration state
// (progress reporting, checkpointing, cancellation). The function receives
// the problem and the completed-iteration index; a returned error stops
// the run.
type Callback struct {
	base

	// OnEndIter runs after every accepted iteration.
	OnEndIter func(prob *inversion.Problem, iter int) error
	// OnFinish runs once after the optimizer terminates. Optional.
	OnFinish func(prob *inversion.Problem) error
}

// NewCallback builds the directive around an end-of-iteration function.
func NewCallback(fn func(prob *inversion.Problem, iter int) error) *Callback {
	return &Callback{OnEndIter: fn}
}

func (d *Callback) Name() string { return "Callback" }

func (d *Callback) Validate(l *List) error {
	if d.OnEndIter == nil && d.OnFinish == nil {
		return errors.New("at least one callback function must be set")
	}
	return nil
}

func (d *Callback) EndIter() error {
	if d.OnEndIter == nil {
		return nil
	}
	return d.OnEndIter(d.invProb(), d.opt().Iter)
}

func (d *Callback) Finish() error {
	if d.OnFinish == nil {
		return nil
	}
	return d.OnFinish(d.invProb())
}
