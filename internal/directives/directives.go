// Package directives implements the stateful hooks that steer an inversion:
// beta scheduling, target-misfit stopping, sparse-norm (IRLS) reweighting,
// sensitivity weighting, and preconditioner refresh. Directives observe and
// mutate optimizer and inverse-problem state at three lifecycle points and
// are dispatched in registration order by a validated List.
package directives

import (
	"fmt"
	"log/slog"

	"github.com/cwbudde/geoinvert/internal/inversion"
	"github.com/cwbudde/geoinvert/internal/objective"
	"github.com/cwbudde/geoinvert/internal/optimize"
)

// Directive is a named hook invoked at three lifecycle points. Initialize
// runs once before the first optimizer iteration, EndIter after every
// accepted step, Finish after the optimizer terminates. Validate runs once
// before the run starts and is where configuration errors must surface.
//
// Concrete directives embed base, which carries the one-time binding to the
// owning inversion.
type Directive interface {
	Name() string
	Validate(l *List) error
	Initialize() error
	EndIter() error
	Finish() error

	bindInversion(inv *inversion.Inversion, name string)
	rebindInversion(inv *inversion.Inversion)
}

// base is the embeddable core of every directive: the bound inversion and
// accessors for the shared state directives need. The binding is set exactly
// once; re-binding logs a warning and requires an explicit Rebind on the
// list.
type base struct {
	inv *inversion.Inversion
}

func (b *base) bindInversion(inv *inversion.Inversion, name string) {
	if b.inv != nil && b.inv != inv {
		slog.Warn("Directive has switched to a new inversion", "directive", name)
	}
	b.inv = inv
}

func (b *base) rebindInversion(inv *inversion.Inversion) {
	b.inv = inv
}

func (b *base) invProb() *inversion.Problem { return b.inv.Problem() }
func (b *base) opt() *optimize.Minimize     { return b.inv.Optimizer() }
func (b *base) reg() objective.TermList     { return b.inv.Problem().Reg }
func (b *base) dmisfit() objective.TermList { return b.inv.Problem().DMisfit }
func (b *base) model() []float64            { return b.inv.Problem().Model }

// Default no-op hooks; concrete directives override what they need.
func (b *base) Validate(l *List) error { return nil }
func (b *base) Initialize() error      { return nil }
func (b *base) EndIter() error         { return nil }
func (b *base) Finish() error          { return nil }

// sparseTerms returns the regularization terms that participate in IRLS.
func (b *base) sparseTerms() []*objective.SparseTerm {
	var out []*objective.SparseTerm
	for _, wt := range b.reg() {
		if st, ok := wt.Term.(*objective.SparseTerm); ok {
			out = append(out, st)
		}
	}
	return out
}

// List is an ordered sequence of directives. Lifecycle calls are dispatched
// to every member in registration order; Validate runs a one-time
// consistency pass before the run starts.
type List struct {
	inv   *inversion.Inversion
	items []Directive
}

// NewList builds a directive list in dispatch order.
func NewList(ds ...Directive) *List {
	return &List{items: append([]Directive(nil), ds...)}
}

// Directives returns the members in registration order.
func (l *List) Directives() []Directive { return l.items }

// BindInversion attaches the list and every member to an inversion. Called
// by inversion.New; attaching an already-bound list to a different inversion
// logs a warning (use Rebind to do it deliberately).
func (l *List) BindInversion(inv *inversion.Inversion) {
	if l.inv != nil && l.inv != inv {
		slog.Warn("DirectiveList has switched to a new inversion")
	}
	l.inv = inv
	for _, d := range l.items {
		d.bindInversion(inv, d.Name())
	}
}

// Rebind deliberately re-attaches the list to a new inversion without the
// warning, for callers reusing a directive chain across runs.
func (l *List) Rebind(inv *inversion.Inversion) {
	l.inv = inv
	for _, d := range l.items {
		d.rebindInversion(inv)
	}
}

// Validate checks list-level ordering rules, then each member. A
// preconditioner-refresh directive must appear strictly after the sparse
// reweighting directive; the check compares list positions. Absence of a
// preconditioner alongside IRLS is a warning, not an error.
func (l *List) Validate() error {
	irlsIdx, precondIdx := -1, -1
	for i, d := range l.items {
		switch d.(type) {
		case *UpdateIRLS:
			if irlsIdx < 0 {
				irlsIdx = i
			}
		case *UpdatePreconditioner:
			if precondIdx < 0 {
				precondIdx = i
			}
		}
	}
	if irlsIdx >= 0 && precondIdx >= 0 && precondIdx < irlsIdx {
		return fmt.Errorf("directive %q at position %d must come after %q at position %d",
			l.items[precondIdx].Name(), precondIdx, l.items[irlsIdx].Name(), irlsIdx)
	}
	if irlsIdx >= 0 && precondIdx < 0 {
		slog.Warn("Without a preconditioner directive, convergence may be slow",
			"hint", "add UpdatePreconditioner after UpdateIRLS")
	}

	for _, d := range l.items {
		if err := d.Validate(l); err != nil {
			return fmt.Errorf("directive %q: %w", d.Name(), err)
		}
	}
	return nil
}

// Initialize dispatches the initialize hook in order.
func (l *List) Initialize() error {
	for _, d := range l.items {
		if err := d.Initialize(); err != nil {
			return fmt.Errorf("%s: %w", d.Name(), err)
		}
	}
	return nil
}

// EndIter dispatches the end-of-iteration hook in order.
func (l *List) EndIter() error {
	for _, d := range l.items {
		if err := d.EndIter(); err != nil {
			return fmt.Errorf("%s: %w", d.Name(), err)
		}
	}
	return nil
}

// Finish dispatches the finish hook in order.
func (l *List) Finish() error {
	for _, d := range l.items {
		if err := d.Finish(); err != nil {
			return fmt.Errorf("%s: %w", d.Name(), err)
		}
	}
	return nil
}
