package lmmen

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
	"gonum.org/v1/gonum/stat/distuv"
)

// SimConfig describes a synthetic longitudinal dataset: balanced subjects,
// standard-normal covariates, Gaussian random effects with a chosen
// covariance over (intercept, Z covariates), and Gaussian noise.
type SimConfig struct {
	Subjects   int // number of subjects
	PerSubject int // observations per subject
	FixedVars  int // fixed-effect covariates (X columns)
	RandomVars int // random-effect covariates (Z columns; the intercept is added at assembly)

	Beta       []float64     // true fixed effects; nil selects the default sparse pattern
	Covariance *mat.SymDense // true random-effect covariance; nil selects the default decaying kernel
	Sigma      float64       // residual standard deviation; 0 selects 1
}

// SimTruth records the generating parameters behind a simulated dataset.
type SimTruth struct {
	Beta       []float64
	Covariance *mat.SymDense
	Sigma2     float64
}

// DefaultSimConfig is the 30-subject, 5-observation scenario with 9 fixed
// and 4 random covariates used throughout the tests and examples.
func DefaultSimConfig() *SimConfig {
	return &SimConfig{Subjects: 30, PerSubject: 5, FixedVars: 9, RandomVars: 4}
}

// Simulate draws one dataset from the config using the seeded generator.
// The returned table carries columns "y", "X1"… and "Z1"… with ascending
// subject labels, ready for Fit.
func Simulate(cfg *SimConfig, seed uint64) (*Dataset, *SimTruth, error) {
	if cfg == nil {
		cfg = DefaultSimConfig()
	}
	if cfg.Subjects < 1 {
		return nil, nil, &ConfigurationError{Field: "subjects", Reason: fmt.Sprintf("must be at least 1, got %d", cfg.Subjects)}
	}
	if cfg.PerSubject < 1 {
		return nil, nil, &ConfigurationError{Field: "per subject", Reason: fmt.Sprintf("must be at least 1, got %d", cfg.PerSubject)}
	}
	if cfg.FixedVars < 1 {
		return nil, nil, &ConfigurationError{Field: "fixed variables", Reason: fmt.Sprintf("must be at least 1, got %d", cfg.FixedVars)}
	}
	if cfg.RandomVars < 0 {
		return nil, nil, &ConfigurationError{Field: "random variables", Reason: fmt.Sprintf("must not be negative, got %d", cfg.RandomVars)}
	}
	sigma := cfg.Sigma
	if sigma == 0 {
		sigma = 1
	}
	if sigma < 0 || math.IsNaN(sigma) || math.IsInf(sigma, 0) {
		return nil, nil, &ConfigurationError{Field: "sigma", Reason: fmt.Sprintf("must be positive and finite, got %g", cfg.Sigma)}
	}

	p := cfg.FixedVars
	q := cfg.RandomVars + 1

	beta := cfg.Beta
	if beta == nil {
		// First three covariates active with unit effect, rest zero.
		beta = make([]float64, p)
		for j := 0; j < p && j < 3; j++ {
			beta[j] = 1
		}
	}
	if len(beta) != p {
		return nil, nil, &ConfigurationError{Field: "beta", Reason: fmt.Sprintf("length %d, want %d", len(beta), p)}
	}

	cov := cfg.Covariance
	if cov == nil {
		cov = mat.NewSymDense(q, nil)
		for j := 0; j < q; j++ {
			for k := j; k < q; k++ {
				cov.SetSym(j, k, 0.56*math.Pow(0.4, float64(k-j)))
			}
		}
	}
	if cov.SymmetricDim() != q {
		return nil, nil, &ConfigurationError{Field: "covariance", Reason: fmt.Sprintf("dimension %d, want %d", cov.SymmetricDim(), q)}
	}

	rng := rand.New(rand.NewSource(seed))
	effects, ok := distmv.NewNormal(make([]float64, q), cov, rng)
	if !ok {
		return nil, nil, &ConfigurationError{Field: "covariance", Reason: "not positive definite"}
	}
	covariate := distuv.Normal{Mu: 0, Sigma: 1, Src: rng}
	noise := distuv.Normal{Mu: 0, Sigma: sigma, Src: rng}

	n := cfg.Subjects * cfg.PerSubject
	names := make([]string, 0, 1+p+cfg.RandomVars)
	names = append(names, "y")
	for j := 1; j <= p; j++ {
		names = append(names, fmt.Sprintf("X%d", j))
	}
	for j := 1; j <= cfg.RandomVars; j++ {
		names = append(names, fmt.Sprintf("Z%d", j))
	}
	columns := make([][]float64, len(names))
	for i := range columns {
		columns[i] = make([]float64, n)
	}
	subject := make([]int, n)

	row := 0
	for i := 0; i < cfg.Subjects; i++ {
		b := effects.Rand(nil)
		for t := 0; t < cfg.PerSubject; t++ {
			y := b[0] + noise.Rand()
			for j := 0; j < p; j++ {
				x := covariate.Rand()
				columns[1+j][row] = x
				y += beta[j] * x
			}
			for j := 0; j < cfg.RandomVars; j++ {
				z := covariate.Rand()
				columns[1+p+j][row] = z
				y += b[j+1] * z
			}
			columns[0][row] = y
			subject[row] = i + 1
			row++
		}
	}

	truthCov := mat.NewSymDense(q, nil)
	truthCov.CopySym(cov)
	truth := &SimTruth{
		Beta:       append([]float64(nil), beta...),
		Covariance: truthCov,
		Sigma2:     sigma * sigma,
	}
	return &Dataset{Names: names, Columns: columns, Subject: subject}, truth, nil
}
