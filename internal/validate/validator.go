// Package validate runs static per-file checks over a generated file set and
// aggregates a single report. It is pure analysis: nothing here tries to
// repair a file.
package validate

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"appforge/internal/types"
)

const defaultParallel = 8

type Validator struct {
	Parallel int
}

func New() *Validator { return &Validator{} }

// Validate checks every file independently (files share no mutable state, so
// they fan out) and aggregates one report. A file passes when it has no
// error-severity diagnostics; the run passes iff all files pass. A canceled
// context is an error: a report over partially checked files must never read
// as a pass.
func (v *Validator) Validate(ctx context.Context, files []types.GeneratedFile) (types.ValidationReport, error) {
	limit := v.Parallel
	if limit <= 0 {
		limit = defaultParallel
	}

	perFile := make([][]types.Diagnostic, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i := range files {
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			perFile[i] = checkFile(files[i])
			return nil
		})
	}
	// checkFile never fails; the only group error is cancellation.
	if err := g.Wait(); err != nil {
		return types.ValidationReport{}, err
	}

	report := types.ValidationReport{
		Scores:    make(map[string]float64, len(files)),
		Pass:      true,
		CreatedAt: time.Now().UTC(),
	}
	for i, f := range files {
		diags := perFile[i]
		report.Diagnostics = append(report.Diagnostics, diags...)
		report.Scores[f.Path] = score(diags)
		for _, d := range diags {
			if d.Severity >= types.SeverityError {
				report.Pass = false
				break
			}
		}
	}
	return report, nil
}

// score mirrors the quality heuristic of the upstream lint tooling:
// 100 minus 10 per error and 5 per warning, floored at 0.
func score(diags []types.Diagnostic) float64 {
	s := 100.0
	for _, d := range diags {
		switch {
		case d.Severity >= types.SeverityError:
			s -= 10
		case d.Severity == types.SeverityWarning:
			s -= 5
		}
	}
	if s < 0 {
		s = 0
	}
	return s
}
