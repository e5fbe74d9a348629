// Package lmmen fits Gaussian linear mixed-effects models under a joint
// elastic-net penalty on the fixed effects and on the scale part of the
// random-effect covariance factor, after Bondell, Krishna and Ghosh (2010).
//
// The covariance of the subject-level random effects is reparameterized as
// σ²·ΛΓΓᵀΛ with Λ diagonal ("scale", penalized toward zero so that whole
// random-effect directions can be eliminated) and Γ unit lower triangular
// ("correlation loading", re-estimated in closed form). Estimation
// alternates a constrained quadratic program jointly updating (β, Λ) with a
// generalized-least-squares update of Γ, then scores the fit by BIC.
package lmmen

import (
	"errors"
	"fmt"
	"log"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"

	"github.com/n0madic/go-lmm-elasticnet/quadprog"
)

// QPSolver solves one strictly convex quadratic program
// minimize ½xᵀDx - dᵀx subject to Aᵀx ≥ b. Implementations must report an
// infeasible constraint set as a distinct error, never as a NaN solution.
type QPSolver interface {
	Solve(quad *mat.SymDense, linear []float64, constr *mat.Dense, bounds []float64) (*quadprog.Solution, error)
}

// LogDensity evaluates the log-density of x under a multivariate Gaussian
// with the given mean and covariance.
type LogDensity func(x, mean []float64, cov *mat.SymDense) (float64, error)

// activeSetSolver is the default QPSolver binding.
type activeSetSolver struct{}

func (activeSetSolver) Solve(quad *mat.SymDense, linear []float64, constr *mat.Dense, bounds []float64) (*quadprog.Solution, error) {
	return quadprog.Solve(quad, linear, constr, bounds, 0)
}

// gaussianLogDensity is the default LogDensity binding.
func gaussianLogDensity(x, mean []float64, cov *mat.SymDense) (float64, error) {
	normal, ok := distmv.NewNormal(mean, cov, nil)
	if !ok {
		return 0, ErrNotPositiveDefinite
	}
	return normal.LogProb(x), nil
}

// controller owns the two nested stopping rules: one tolerance shared by
// both loops and one iteration cap per loop. Hitting a cap is reported on
// the result, never as an error.
type controller struct {
	eps      float64
	maxInner int
	maxOuter int
}

func (c controller) converged(delta float64) bool { return delta < c.eps }

// LMMEN estimates penalized linear mixed-effects models. A value holds
// configuration only; every Fit call is independent, synchronous and
// deterministic, so one instance may be reused across penalty settings.
type LMMEN struct {
	ctrl       controller
	logger     *log.Logger
	solver     QPSolver
	logDensity LogDensity
}

// Option defines a functional option for configuring LMMEN
type Option func(*LMMEN)

// WithEps sets the convergence tolerance shared by both estimation loops
func WithEps(eps float64) Option {
	return func(l *LMMEN) {
		l.ctrl.eps = eps
	}
}

// WithMaxInner sets the iteration cap of the coefficient/scale loop
func WithMaxInner(n int) Option {
	return func(l *LMMEN) {
		l.ctrl.maxInner = n
	}
}

// WithMaxOuter sets the iteration cap of the correlation loop
func WithMaxOuter(n int) Option {
	return func(l *LMMEN) {
		l.ctrl.maxOuter = n
	}
}

// WithLogger directs per-iteration progress to the given logger
func WithLogger(logger *log.Logger) Option {
	return func(l *LMMEN) {
		l.logger = logger
	}
}

// WithQPSolver replaces the built-in active-set quadratic-program solver
func WithQPSolver(solver QPSolver) Option {
	return func(l *LMMEN) {
		l.solver = solver
	}
}

// WithLogDensity replaces the Gaussian log-density used by the scorer
func WithLogDensity(f LogDensity) Option {
	return func(l *LMMEN) {
		l.logDensity = f
	}
}

// NewLMMEN creates a new elastic-net mixed-model estimator
func NewLMMEN(options ...Option) (*LMMEN, error) {
	l := &LMMEN{
		ctrl: controller{
			eps:      1e-4,
			maxInner: 100,
			maxOuter: 200,
		},
		solver:     activeSetSolver{},
		logDensity: gaussianLogDensity,
	}

	// Apply options
	for _, opt := range options {
		opt(l)
	}

	if l.ctrl.eps <= 0 || math.IsNaN(l.ctrl.eps) {
		return nil, &ConfigurationError{Field: "eps", Reason: fmt.Sprintf("tolerance must be positive, got %g", l.ctrl.eps)}
	}
	if l.ctrl.maxInner < 1 {
		return nil, &ConfigurationError{Field: "max inner iterations", Reason: fmt.Sprintf("must be at least 1, got %d", l.ctrl.maxInner)}
	}
	if l.ctrl.maxOuter < 1 {
		return nil, &ConfigurationError{Field: "max outer iterations", Reason: fmt.Sprintf("must be at least 1, got %d", l.ctrl.maxOuter)}
	}
	if l.solver == nil {
		return nil, &ConfigurationError{Field: "solver", Reason: "must not be nil"}
	}
	if l.logDensity == nil {
		return nil, &ConfigurationError{Field: "log density", Reason: "must not be nil"}
	}
	return l, nil
}

func (l *LMMEN) logf(format string, args ...any) {
	if l.logger != nil {
		l.logger.Printf(format, args...)
	}
}

// Numerical guards of the inner quadratic program. weightFloor caps the
// adaptive L1 weights taken as inverse warm-start magnitudes; qpRidge keeps
// the split-coefficient quadratic term positive definite when the elastic-net
// ridge weights are zero (pure-L1 mixing).
const (
	weightFloor = 1e-10
	qpRidge     = 1e-8
)

// Fixed precisions stabilizing zero tests across iterations: extracted QP
// solutions are rounded to six decimals, eigenvalues of the correlation
// normal equations to five.
func round6(v float64) float64 { return math.Round(v*1e6) / 1e6 }

func round5(v float64) float64 { return math.Round(v*1e5) / 1e5 }

// Fit estimates the model on the given table. warm is the externally
// supplied initial fixed-effect vector of length p; it seeds both the first
// iteration and the adaptive L1 weights. fracs is the penalty fraction
// vector (fβ, fλ, αβ, αλ): the first two scale the L1 budgets against the
// warm start and the all-ones initial scale, the mixing ratios in (0,1]
// split each budget between L1 and L2.
//
// Configuration and rank problems abort the fit with no partial result.
// Hitting an iteration cap does not: the last computed values are scored
// and returned with the convergence flags set accordingly.
func (l *LMMEN) Fit(ds *Dataset, warm []float64, fracs [4]float64) (*FitResult, error) {
	if ds == nil {
		return nil, &ConfigurationError{Field: "data", Reason: "nil dataset"}
	}
	d, err := ds.Design()
	if err != nil {
		return nil, err
	}
	if len(warm) != d.P {
		return nil, &ConfigurationError{Field: "warm start", Reason: fmt.Sprintf("length %d, want %d", len(warm), d.P)}
	}
	for j, w := range warm {
		if math.IsNaN(w) || math.IsInf(w, 0) {
			return nil, &ConfigurationError{Field: "warm start", Reason: fmt.Sprintf("entry %d is not finite", j)}
		}
	}
	pb, err := translateBounds(fracs, warm, d.Q)
	if err != nil {
		return nil, err
	}

	st := newFitState(d, pb, warm)

	var (
		outerIters  int
		innerTotal  int
		innerCapHit bool
		converged   bool
	)
	for t := 1; t <= l.ctrl.maxOuter; t++ {
		outerIters = t
		betaIn := append([]float64(nil), st.beta...)

		iters, innerOK, err := l.runInner(st)
		innerTotal += iters
		if err != nil {
			return nil, err
		}
		if !innerOK {
			innerCapHit = true
			l.logf("outer %d: inner loop hit the %d-iteration cap", t, l.ctrl.maxInner)
		}

		if err := st.updateCorrelation(); err != nil {
			return nil, err
		}

		delta := floats.Distance(betaIn, st.beta, math.Inf(1))
		l.logf("outer %d: %d inner iterations, max|Δβ| = %.3g, σ² = %.4g", t, iters, delta, st.sigma2)
		if l.ctrl.converged(delta) {
			converged = true
			break
		}
	}
	if !converged {
		l.logf("outer loop hit the %d-iteration cap", l.ctrl.maxOuter)
	}

	return l.assembleResult(st, fracs, converged, outerIters, innerTotal, innerCapHit)
}

// runInner alternates moment refreshes with quadratic-program updates of
// (β, λ) until β stabilizes or the cap is reached. It returns the number of
// QP solves performed.
func (l *LMMEN) runInner(st *fitState) (iters int, converged bool, err error) {
	for s := 1; s <= l.ctrl.maxInner; s++ {
		if err := st.refreshMoments(); err != nil {
			return s, false, err
		}
		quad, linear, constr, bounds := st.assembleQP()
		sol, err := l.solver.Solve(quad, linear, constr, bounds)
		if err != nil {
			if errors.Is(err, quadprog.ErrInfeasible) {
				return s, false, fmt.Errorf("%w: %v", ErrQPInfeasible, err)
			}
			return s, false, fmt.Errorf("lmmen: quadratic program: %w", err)
		}
		newBeta, newLambda := extractSolution(sol, st.d.P, st.d.Q)
		delta := floats.Distance(newBeta, st.beta, math.Inf(1))
		st.beta, st.lambda, st.qp = newBeta, newLambda, sol
		if l.ctrl.converged(delta) {
			return s, true, nil
		}
	}
	return l.ctrl.maxInner, false, nil
}

// fitState carries the iteration-local quantities of one Fit call. Nothing
// in it survives the call.
type fitState struct {
	d       *Design
	pb      penaltyBounds
	weights []float64 // adaptive L1 weights on β, fixed for the whole fit

	beta   []float64
	lambda []float64
	gamma  *mat.Dense // q×q unit lower triangular
	sigma2 float64

	bhat [][]float64     // per-subject posterior means of the whitened effects
	vhat []*mat.SymDense // per-subject posterior covariances

	xtx *mat.Dense // XᵀX, constant across iterations
	xty []float64  // Xᵀy

	qp *quadprog.Solution // terminal QP solution
}

func newFitState(d *Design, pb penaltyBounds, warm []float64) *fitState {
	st := &fitState{
		d:      d,
		pb:     pb,
		beta:   append([]float64(nil), warm...),
		lambda: make([]float64, d.Q),
		gamma:  identity(d.Q),
		bhat:   make([][]float64, d.NumSubjects()),
		vhat:   make([]*mat.SymDense, d.NumSubjects()),
	}
	for j := range st.lambda {
		st.lambda[j] = 1
	}
	st.weights = make([]float64, d.P)
	for j, w := range warm {
		a := math.Abs(w)
		if a < weightFloor {
			a = weightFloor
		}
		st.weights[j] = 1 / a
	}
	var xtx mat.Dense
	xtx.Mul(d.X.T(), d.X)
	st.xtx = &xtx
	st.xty = make([]float64, d.P)
	xty := mat.NewVecDense(d.P, st.xty)
	xty.MulVec(d.X.T(), mat.NewVecDense(d.N, d.Y))
	return st
}

func identity(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

// residuals returns y - Xβ at the current coefficients.
func (st *fitState) residuals() []float64 {
	r := make([]float64, st.d.N)
	rv := mat.NewVecDense(st.d.N, r)
	rv.MulVec(st.d.X, mat.NewVecDense(st.d.P, st.beta))
	for i, y := range st.d.Y {
		r[i] = y - r[i]
	}
	return r
}

// loadingFactor returns ΛΓ, the q×q lower-triangular factor combining the
// current scales and correlation loadings.
func (st *fitState) loadingFactor() *mat.Dense {
	q := st.d.Q
	lg := mat.NewDense(q, q, nil)
	for j := 0; j < q; j++ {
		for k := 0; k <= j; k++ {
			lg.Set(j, k, st.lambda[j]*st.gamma.At(j, k))
		}
	}
	return lg
}

// refreshMoments recomputes the residual variance and the posterior moments
// of the whitened random effects at the current (β, λ, Γ). The per-subject
// posterior precision is CᵢᵀCᵢ + I with Cᵢ = ZᵢΛΓ, the identity being the
// unit prior precision of the whitened effects. σ² uses the Woodbury form
// rᵢᵀrᵢ - (Cᵢᵀrᵢ)ᵀ(CᵢᵀCᵢ+I)⁻¹(Cᵢᵀrᵢ) of rᵢᵀ(CᵢCᵢᵀ+I)⁻¹rᵢ so that only q×q
// systems are ever factorized.
func (st *fitState) refreshMoments() error {
	d := st.d
	q := d.Q
	r := st.residuals()
	lg := st.loadingFactor()

	rss := 0.0
	invs := make([]*mat.SymDense, d.NumSubjects())
	for i := 0; i < d.NumSubjects(); i++ {
		ni := d.Sizes[i]
		zi := d.RandomBlock(i)

		var ci mat.Dense
		ci.Mul(zi, lg)
		var ctc mat.Dense
		ctc.Mul(ci.T(), &ci)
		g := mat.NewSymDense(q, nil)
		for j := 0; j < q; j++ {
			for k := j; k < q; k++ {
				v := ctc.At(j, k)
				if j == k {
					v++
				}
				g.SetSym(j, k, v)
			}
		}

		var chol mat.Cholesky
		if !chol.Factorize(g) {
			return fmt.Errorf("%w: posterior precision of subject %d", ErrNotPositiveDefinite, i)
		}

		ri := mat.NewVecDense(ni, r[d.Starts[i]:d.Starts[i]+ni])
		u := mat.NewVecDense(q, nil)
		u.MulVec(ci.T(), ri)
		bv := mat.NewVecDense(q, nil)
		if err := chol.SolveVecTo(bv, u); err != nil {
			return fmt.Errorf("%w: posterior mean of subject %d", ErrNotPositiveDefinite, i)
		}
		st.bhat[i] = append(st.bhat[i][:0], bv.RawVector().Data...)
		rss += mat.Dot(ri, ri) - mat.Dot(u, bv)

		inv := mat.NewSymDense(q, nil)
		if err := chol.InverseTo(inv); err != nil {
			return fmt.Errorf("%w: posterior covariance of subject %d", ErrNotPositiveDefinite, i)
		}
		invs[i] = inv
	}

	if rss < 0 {
		rss = 0
	}
	st.sigma2 = rss / float64(d.N)

	for i, inv := range invs {
		v := mat.NewSymDense(q, nil)
		for j := 0; j < q; j++ {
			for k := j; k < q; k++ {
				v.SetSym(j, k, st.sigma2*inv.At(j, k))
			}
		}
		st.vhat[i] = v
	}
	return nil
}

// assembleQP builds the joint quadratic program over u = (β⁺, β⁻, λ).
// The split β = β⁺ - β⁻ with both parts nonnegative is the standard
// elastic-net reformulation that turns the L1 budget on β into one linear
// constraint. W stacks the per-subject regressors of λ: row t of subject i
// holds Z[t,j]·(Γb̂ᵢ)[j]. S carries the posterior-covariance correction
// Σᵢ (ΓV̂ᵢΓᵀ) ∘ (ZᵢᵀZᵢ) so the λ block is the expected, not plug-in,
// second moment.
func (st *fitState) assembleQP() (*mat.SymDense, []float64, *mat.Dense, []float64) {
	d := st.d
	p, q := d.P, d.Q

	w := mat.NewDense(d.N, q, nil)
	for i := 0; i < d.NumSubjects(); i++ {
		gb := make([]float64, q)
		for j := 0; j < q; j++ {
			v := st.bhat[i][j]
			for k := 0; k < j; k++ {
				v += st.gamma.At(j, k) * st.bhat[i][k]
			}
			gb[j] = v
		}
		for t := d.Starts[i]; t < d.Starts[i]+d.Sizes[i]; t++ {
			for j := 0; j < q; j++ {
				w.Set(t, j, d.Z.At(t, j)*gb[j])
			}
		}
	}

	s := mat.NewDense(q, q, nil)
	for i := range st.vhat {
		zi := d.RandomBlock(i)
		var ztz mat.Dense
		ztz.Mul(zi.T(), zi)
		var gv, gvg mat.Dense
		gv.Mul(st.gamma, st.vhat[i])
		gvg.Mul(&gv, st.gamma.T())
		for j := 0; j < q; j++ {
			for k := 0; k < q; k++ {
				s.Set(j, k, s.At(j, k)+gvg.At(j, k)*ztz.At(j, k))
			}
		}
	}

	var xtw, wtw mat.Dense
	xtw.Mul(d.X.T(), w)
	wtw.Mul(w.T(), w)
	wty := mat.NewVecDense(q, nil)
	wty.MulVec(w.T(), mat.NewVecDense(d.N, d.Y))

	nv := 2*p + q
	quad := mat.NewSymDense(nv, nil)
	for j := 0; j < p; j++ {
		for k := j; k < p; k++ {
			v := 2 * st.xtx.At(j, k)
			diag := 0.0
			if j == k {
				diag = 2*st.pb.l2Beta + qpRidge
			}
			quad.SetSym(j, k, v+diag)
			quad.SetSym(p+j, p+k, v+diag)
		}
		for k := 0; k < p; k++ {
			quad.SetSym(j, p+k, -2*st.xtx.At(j, k))
		}
		for k := 0; k < q; k++ {
			quad.SetSym(j, 2*p+k, 2*xtw.At(j, k))
			quad.SetSym(p+j, 2*p+k, -2*xtw.At(j, k))
		}
	}
	for j := 0; j < q; j++ {
		for k := j; k < q; k++ {
			v := 2 * (wtw.At(j, k) + s.At(j, k))
			if j == k {
				v += 2*st.pb.l2Lambda + qpRidge
			}
			quad.SetSym(2*p+j, 2*p+k, v)
		}
	}

	linear := make([]float64, nv)
	for j := 0; j < p; j++ {
		linear[j] = 2 * st.xty[j]
		linear[p+j] = -2 * st.xty[j]
	}
	for j := 0; j < q; j++ {
		linear[2*p+j] = 2 * wty.AtVec(j)
	}

	// Nonnegativity of every coordinate plus the two L1 budget rows.
	m := nv + 2
	constr := mat.NewDense(nv, m, nil)
	bounds := make([]float64, m)
	for a := 0; a < nv; a++ {
		constr.Set(a, a, 1)
	}
	for j := 0; j < p; j++ {
		constr.Set(j, nv, -st.weights[j])
		constr.Set(p+j, nv, -st.weights[j])
	}
	bounds[nv] = -st.pb.l1Beta
	for j := 0; j < q; j++ {
		constr.Set(2*p+j, nv+1, -1)
	}
	bounds[nv+1] = -st.pb.l1Lambda

	return quad, linear, constr, bounds
}

// extractSolution reads β = β⁺ - β⁻ and λ out of the QP solution, rounding
// to six decimals. λ entries are clamped at zero against solver drift below
// the nonnegativity boundary.
func extractSolution(sol *quadprog.Solution, p, q int) (beta, lambda []float64) {
	beta = make([]float64, p)
	for j := 0; j < p; j++ {
		v := round6(sol.X[j] - sol.X[p+j])
		if v == 0 {
			v = 0 // normalize -0
		}
		beta[j] = v
	}
	lambda = make([]float64, q)
	for j := 0; j < q; j++ {
		v := round6(sol.X[2*p+j])
		if v <= 0 {
			v = 0
		}
		lambda[j] = v
	}
	return beta, lambda
}
