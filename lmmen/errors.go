package lmmen

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration is the class of all caller contract violations:
	// non-positive tolerances, mixing ratios outside (0,1], malformed
	// data tables. Matched with errors.Is.
	ErrConfiguration = errors.New("lmmen: invalid configuration")

	// ErrRankDeficient reports a fixed or random design without full
	// column rank. Detected before any optimization work.
	ErrRankDeficient = errors.New("lmmen: design matrix is rank deficient")

	// ErrQPInfeasible reports that the quadratic program found no feasible
	// point. The constraint set always contains the zero vector, so this
	// indicates corrupted penalty bounds rather than a data problem.
	ErrQPInfeasible = errors.New("lmmen: quadratic program is infeasible")

	// ErrNotPositiveDefinite reports a fitted marginal covariance that
	// cannot support a Gaussian log-density.
	ErrNotPositiveDefinite = errors.New("lmmen: covariance is not positive definite")
)

// ConfigurationError describes which input broke the caller contract.
type ConfigurationError struct {
	Field  string // the offending input, e.g. "eps" or "fractions[2]"
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("lmmen: invalid %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

// RankDeficiencyError names the deficient design and its observed rank.
type RankDeficiencyError struct {
	Design string // "fixed" or "random"
	Cols   int
	Rank   int
}

func (e *RankDeficiencyError) Error() string {
	return fmt.Sprintf("lmmen: %s design has rank %d, want full column rank %d", e.Design, e.Rank, e.Cols)
}

func (e *RankDeficiencyError) Unwrap() error { return ErrRankDeficient }
