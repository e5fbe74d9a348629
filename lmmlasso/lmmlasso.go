// Package lmmlasso fits Gaussian linear mixed-effects models with an L1
// penalty on the fixed effects and an unpenalized diagonal random-effect
// covariance. Fixed effects are updated by coordinate descent on the
// generalized least-squares normal equations, the variance components by
// EM steps, alternating until the fixed effects settle. CrossValidate
// selects the penalty on subject-stratified folds.
//
// The model is y_i = X_i β + Z_i b_i + ε_i with b_i ~ N(0, diag(d)) and
// ε_i ~ N(0, σ²I) per subject i.
package lmmlasso

import (
	"fmt"
	"log"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"

	"github.com/n0madic/go-lmm-elasticnet/lmmen"
)

// Config controls a single penalized fit.
type Config struct {
	Penalty   float64     // L1 weight on the fixed effects, ≥ 0
	Eps       float64     // convergence tolerance on max|Δβ| per iteration
	MaxIter   int         // EM iteration cap
	CDMaxIter int         // coordinate-descent sweep cap per iteration
	Logger    *log.Logger // optional progress log, nil silences
}

// DefaultConfig returns the fitting defaults at unit penalty.
func DefaultConfig() *Config {
	return &Config{Penalty: 1, Eps: 1e-4, MaxIter: 200, CDMaxIter: 100}
}

func (cfg *Config) validate() error {
	if cfg.Penalty < 0 || math.IsNaN(cfg.Penalty) || math.IsInf(cfg.Penalty, 0) {
		return fmt.Errorf("lmmlasso: penalty must be nonnegative and finite, got %g: %w", cfg.Penalty, lmmen.ErrConfiguration)
	}
	if cfg.Eps <= 0 || math.IsNaN(cfg.Eps) {
		return fmt.Errorf("lmmlasso: tolerance must be positive, got %g: %w", cfg.Eps, lmmen.ErrConfiguration)
	}
	if cfg.MaxIter < 1 {
		return fmt.Errorf("lmmlasso: iteration cap must be at least 1, got %d: %w", cfg.MaxIter, lmmen.ErrConfiguration)
	}
	if cfg.CDMaxIter < 1 {
		return fmt.Errorf("lmmlasso: coordinate-descent cap must be at least 1, got %d: %w", cfg.CDMaxIter, lmmen.ErrConfiguration)
	}
	return nil
}

func (cfg *Config) logf(format string, args ...any) {
	if cfg.Logger != nil {
		cfg.Logger.Printf(format, args...)
	}
}

// Model is the fitted L1-penalized mixed model.
type Model struct {
	Beta   []float64 // fixed effects, length p
	D      []float64 // random-effect variances, length q, all ≥ 0
	Sigma2 float64   // residual variance

	Penalty  float64 // the L1 weight the model was fit at
	Deviance float64 // -2 log-likelihood on the fitted data
	DF       int     // nonzero β count plus q+1 variance parameters
	BIC      float64

	Converged  bool
	Iterations int

	N        int
	Subjects int

	FixedNames  []string
	RandomNames []string
}

const sigmaFloor = 1e-12

// Fit estimates the model on the dataset at the config's penalty. The
// fixed effects start from ordinary least squares, the variances from
// unit values. Non-convergence within the cap is reported on the model,
// not as an error.
func Fit(ds *lmmen.Dataset, cfg *Config) (*Model, error) {
	if ds == nil {
		return nil, fmt.Errorf("lmmlasso: nil dataset: %w", lmmen.ErrConfiguration)
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	d, err := ds.Design()
	if err != nil {
		return nil, err
	}

	beta, err := lmmen.OLSWarmStart(ds)
	if err != nil {
		return nil, err
	}
	q := d.Q
	dvar := make([]float64, q)
	for j := range dvar {
		dvar[j] = 1
	}
	sigma2 := 1.0

	m := d.NumSubjects()
	chols := make([]mat.Cholesky, m)
	betaOld := make([]float64, d.P)
	converged := false
	iters := 0

	for it := 1; it <= cfg.MaxIter; it++ {
		iters = it
		if err := factorizeMarginals(d, dvar, sigma2, chols); err != nil {
			return nil, err
		}

		amat, cvec, err := normalEquations(d, chols)
		if err != nil {
			return nil, err
		}
		copy(betaOld, beta)
		descend(beta, amat, cvec, cfg)

		if err := updateVariances(d, chols, beta, dvar, &sigma2); err != nil {
			return nil, err
		}

		delta := floats.Distance(beta, betaOld, math.Inf(1))
		cfg.logf("iteration %d: max|Δβ| = %.3g, σ² = %.4g", it, delta, sigma2)
		if delta < cfg.Eps {
			converged = true
			break
		}
	}
	if !converged {
		cfg.logf("hit the %d-iteration cap", cfg.MaxIter)
	}

	model := &Model{
		Beta:        beta,
		D:           dvar,
		Sigma2:      sigma2,
		Penalty:     cfg.Penalty,
		Converged:   converged,
		Iterations:  iters,
		N:           d.N,
		Subjects:    m,
		FixedNames:  d.FixedNames,
		RandomNames: d.RandomNames,
	}

	dev, err := model.Loss(ds)
	if err != nil {
		return nil, err
	}
	nnz := 0
	for _, b := range beta {
		if b != 0 {
			nnz++
		}
	}
	model.Deviance = dev
	model.DF = nnz + q + 1
	model.BIC = dev + float64(model.DF)*math.Log(float64(d.N))
	return model, nil
}

// factorizeMarginals builds and factorizes V_i = Z_i diag(d) Z_iᵀ + σ²I
// for every subject block.
func factorizeMarginals(d *lmmen.Design, dvar []float64, sigma2 float64, chols []mat.Cholesky) error {
	q := d.Q
	sd := make([]float64, q)
	for j := range sd {
		sd[j] = math.Sqrt(dvar[j])
	}
	for i := 0; i < d.NumSubjects(); i++ {
		ni := d.Sizes[i]
		zi := d.RandomBlock(i)
		zd := mat.NewDense(ni, q, nil)
		for t := 0; t < ni; t++ {
			for j := 0; j < q; j++ {
				zd.Set(t, j, zi.At(t, j)*sd[j])
			}
		}
		vi := mat.NewSymDense(ni, nil)
		vi.SymOuterK(1, zd)
		for t := 0; t < ni; t++ {
			vi.SetSym(t, t, vi.At(t, t)+sigma2)
		}
		if !chols[i].Factorize(vi) {
			return fmt.Errorf("lmmlasso: marginal covariance of subject %d: %w", i, lmmen.ErrNotPositiveDefinite)
		}
	}
	return nil
}

// normalEquations accumulates A = XᵀV⁻¹X and c = XᵀV⁻¹y across subjects.
func normalEquations(d *lmmen.Design, chols []mat.Cholesky) (*mat.Dense, []float64, error) {
	p := d.P
	amat := mat.NewDense(p, p, nil)
	cvec := make([]float64, p)

	var at mat.Dense
	var cpart mat.VecDense
	for i := 0; i < d.NumSubjects(); i++ {
		ni := d.Sizes[i]
		s0 := d.Starts[i]
		xi := d.X.Slice(s0, s0+ni, 0, p).(*mat.Dense)
		yi := mat.NewVecDense(ni, d.Y[s0:s0+ni])

		xv := mat.NewDense(ni, p, nil)
		if err := chols[i].SolveTo(xv, xi); err != nil {
			return nil, nil, fmt.Errorf("lmmlasso: weighting subject %d: %w", i, lmmen.ErrNotPositiveDefinite)
		}
		at.Mul(xi.T(), xv)
		amat.Add(amat, &at)

		uy := mat.NewVecDense(ni, nil)
		if err := chols[i].SolveVecTo(uy, yi); err != nil {
			return nil, nil, fmt.Errorf("lmmlasso: weighting subject %d: %w", i, lmmen.ErrNotPositiveDefinite)
		}
		cpart.MulVec(xi.T(), uy)
		floats.Add(cvec, cpart.RawVector().Data)
	}
	return amat, cvec, nil
}

// descend runs coordinate-descent sweeps on ½βᵀAβ − cᵀβ + penalty·‖β‖₁,
// updating beta in place.
func descend(beta []float64, amat *mat.Dense, cvec []float64, cfg *Config) {
	p := len(beta)
	tol := cfg.Eps / 100
	for sweep := 0; sweep < cfg.CDMaxIter; sweep++ {
		maxStep := 0.0
		for j := 0; j < p; j++ {
			rho := cvec[j]
			for k := 0; k < p; k++ {
				if k != j {
					rho -= amat.At(j, k) * beta[k]
				}
			}
			next := softThreshold(rho, cfg.Penalty) / amat.At(j, j)
			if step := math.Abs(next - beta[j]); step > maxStep {
				maxStep = step
			}
			beta[j] = next
		}
		if maxStep < tol {
			break
		}
	}
}

// softThreshold is the scalar L1 proximal map.
func softThreshold(z, t float64) float64 {
	switch {
	case z > t:
		return z - t
	case z < -t:
		return z + t
	default:
		return 0
	}
}

// updateVariances performs one EM step on diag(d) and σ² given the
// current fixed effects, reusing the factorized marginals.
func updateVariances(d *lmmen.Design, chols []mat.Cholesky, beta, dvar []float64, sigma2 *float64) error {
	p, q := d.P, d.Q
	m := d.NumSubjects()

	dsum := make([]float64, q)
	rss := 0.0
	bvec := mat.NewVecDense(p, beta)

	var xb, zb mat.VecDense
	var kmat, zs mat.Dense
	smat := mat.NewDense(q, q, nil)
	for i := 0; i < m; i++ {
		ni := d.Sizes[i]
		s0 := d.Starts[i]
		xi := d.X.Slice(s0, s0+ni, 0, p).(*mat.Dense)
		zi := d.RandomBlock(i)

		// r_i = y_i − X_i β
		ri := mat.NewVecDense(ni, nil)
		xb.MulVec(xi, bvec)
		for t := 0; t < ni; t++ {
			ri.SetVec(t, d.Y[s0+t]-xb.AtVec(t))
		}

		// b̂_i = diag(d) Z_iᵀ V_i⁻¹ r_i
		u := mat.NewVecDense(ni, nil)
		if err := chols[i].SolveVecTo(u, ri); err != nil {
			return fmt.Errorf("lmmlasso: posterior mean of subject %d: %w", i, lmmen.ErrNotPositiveDefinite)
		}
		bhat := make([]float64, q)
		for j := 0; j < q; j++ {
			s := 0.0
			for t := 0; t < ni; t++ {
				s += zi.At(t, j) * u.AtVec(t)
			}
			bhat[j] = dvar[j] * s
		}

		// S_i = diag(d) − diag(d) Z_iᵀ V_i⁻¹ Z_i diag(d)
		zv := mat.NewDense(ni, q, nil)
		if err := chols[i].SolveTo(zv, zi); err != nil {
			return fmt.Errorf("lmmlasso: posterior covariance of subject %d: %w", i, lmmen.ErrNotPositiveDefinite)
		}
		kmat.Mul(zi.T(), zv)
		for a := 0; a < q; a++ {
			for b := 0; b < q; b++ {
				v := -dvar[a] * kmat.At(a, b) * dvar[b]
				if a == b {
					v += dvar[a]
				}
				smat.Set(a, b, v)
			}
		}

		for j := 0; j < q; j++ {
			dsum[j] += bhat[j]*bhat[j] + smat.At(j, j)
		}

		// residual part: ‖r_i − Z_i b̂_i‖² + tr(Z_i S_i Z_iᵀ)
		zb.MulVec(zi, mat.NewVecDense(q, bhat))
		for t := 0; t < ni; t++ {
			e := ri.AtVec(t) - zb.AtVec(t)
			rss += e * e
		}
		zs.Mul(zi, smat)
		for t := 0; t < ni; t++ {
			for j := 0; j < q; j++ {
				rss += zs.At(t, j) * zi.At(t, j)
			}
		}
	}

	for j := 0; j < q; j++ {
		dvar[j] = dsum[j] / float64(m)
	}
	s2 := rss / float64(d.N)
	if s2 < sigmaFloor {
		s2 = sigmaFloor
	}
	*sigma2 = s2
	return nil
}

// Loss returns -2 log-likelihood of the dataset under the fitted model.
// The data must carry the same fixed and random column layout the model
// was fit on.
func (m *Model) Loss(ds *lmmen.Dataset) (float64, error) {
	if ds == nil {
		return 0, fmt.Errorf("lmmlasso: nil dataset: %w", lmmen.ErrConfiguration)
	}
	d, err := ds.Design()
	if err != nil {
		return 0, err
	}
	if d.P != len(m.Beta) || d.Q != len(m.D) {
		return 0, fmt.Errorf("lmmlasso: data has %d fixed and %d random columns, model was fit on %d and %d: %w",
			d.P, d.Q, len(m.Beta), len(m.D), lmmen.ErrConfiguration)
	}

	q := d.Q
	sd := make([]float64, q)
	for j := range sd {
		sd[j] = math.Sqrt(m.D[j])
	}
	bvec := mat.NewVecDense(d.P, m.Beta)

	dev := 0.0
	var xb mat.VecDense
	for i := 0; i < d.NumSubjects(); i++ {
		ni := d.Sizes[i]
		s0 := d.Starts[i]
		xi := d.X.Slice(s0, s0+ni, 0, d.P).(*mat.Dense)
		zi := d.RandomBlock(i)

		zd := mat.NewDense(ni, q, nil)
		for t := 0; t < ni; t++ {
			for j := 0; j < q; j++ {
				zd.Set(t, j, zi.At(t, j)*sd[j])
			}
		}
		vi := mat.NewSymDense(ni, nil)
		vi.SymOuterK(1, zd)
		for t := 0; t < ni; t++ {
			vi.SetSym(t, t, vi.At(t, t)+m.Sigma2)
		}

		xb.MulVec(xi, bvec)
		mean := make([]float64, ni)
		for t := 0; t < ni; t++ {
			mean[t] = xb.AtVec(t)
		}

		normal, ok := distmv.NewNormal(mean, vi, nil)
		if !ok {
			return 0, fmt.Errorf("lmmlasso: scoring subject %d: %w", i, lmmen.ErrNotPositiveDefinite)
		}
		dev += -2 * normal.LogProb(d.Y[s0:s0+ni])
	}
	return dev, nil
}
