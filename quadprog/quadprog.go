// Package quadprog solves strictly convex quadratic programs with the dual
// active-set method of Goldfarb and Idnani.
//
// The problem form is
//
//	minimize   (1/2) xᵀDx - dᵀx
//	subject to Aᵀx ≥ b
//
// where D is symmetric positive definite, A holds one constraint normal per
// column and the first meq constraints are equalities. This is the same
// convention used by classical QP routines in statistical software, which
// makes the solver a drop-in capability for penalized estimation code that
// rewrites its penalty budgets as linear inequalities.
//
// The implementation follows:
//
//	D. Goldfarb, A. Idnani, "A numerically stable dual method for solving
//	strictly convex quadratic programs", Mathematical Programming 27 (1983).
package quadprog

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrInfeasible is returned when the constraint set has no feasible
	// point. It is reported distinctly so callers never have to infer
	// infeasibility from NaNs in the solution.
	ErrInfeasible = errors.New("quadprog: constraints are inconsistent, no feasible point")

	// ErrNotPositiveDefinite is returned when the quadratic term cannot be
	// Cholesky-factorized even after a small diagonal jitter.
	ErrNotPositiveDefinite = errors.New("quadprog: quadratic term is not positive definite")

	// ErrIterationLimit is returned when the active-set loop fails to
	// terminate, which indicates numerical cycling on a badly scaled input.
	ErrIterationLimit = errors.New("quadprog: iteration limit reached")

	// ErrDimension is returned when the inputs have inconsistent shapes.
	ErrDimension = errors.New("quadprog: dimension mismatch")
)

// Solution holds the terminal state of a successful solve.
type Solution struct {
	// X is the constrained minimizer.
	X []float64
	// Unconstrained is the minimizer of the unconstrained problem D⁻¹d.
	Unconstrained []float64
	// Lagrange holds one multiplier per constraint, zero for constraints
	// that are inactive at the solution. The stationarity condition
	// Dx - d = A·Lagrange holds at X.
	Lagrange []float64
	// Value is the objective (1/2)XᵀDX - dᵀX at the solution.
	Value float64
	// Active lists the indices of the constraints active at the solution,
	// in the order the method added them.
	Active []int
	// Iterations counts constraint additions and deletions performed.
	Iterations int
}

// relative threshold deciding when a projected constraint normal is
// numerically zero, i.e. linearly dependent on the active set.
const depTol = 1e-12

// Solve minimizes (1/2)xᵀDx - dᵀx subject to constrᵀx ≥ bounds, treating the
// first meq constraints as equalities. constr is n×m with one constraint
// normal per column; it may be nil when m = 0. The quadratic term must be
// positive definite; a near-semidefinite D is retried once with a small
// trace-scaled diagonal jitter before giving up.
func Solve(quad *mat.SymDense, linear []float64, constr *mat.Dense, bounds []float64, meq int) (*Solution, error) {
	n := quad.SymmetricDim()
	if len(linear) != n {
		return nil, fmt.Errorf("%w: quadratic term is %d×%d but linear term has length %d", ErrDimension, n, n, len(linear))
	}
	m := 0
	if constr != nil {
		cr, cm := constr.Dims()
		if cr != n {
			return nil, fmt.Errorf("%w: constraint matrix has %d rows, want %d", ErrDimension, cr, n)
		}
		m = cm
	}
	if len(bounds) != m {
		return nil, fmt.Errorf("%w: %d constraints but %d bounds", ErrDimension, m, len(bounds))
	}
	if meq < 0 || meq > m {
		return nil, fmt.Errorf("%w: meq=%d outside [0,%d]", ErrDimension, meq, m)
	}

	chol, err := factorize(quad)
	if err != nil {
		return nil, err
	}

	// Start from the unconstrained minimizer x = D⁻¹d.
	xVec := mat.NewVecDense(n, nil)
	if err := chol.SolveVecTo(xVec, mat.NewVecDense(n, append([]float64(nil), linear...))); err != nil {
		return nil, ErrNotPositiveDefinite
	}
	x := make([]float64, n)
	copy(x, xVec.RawVector().Data)
	unconstrained := append([]float64(nil), x...)

	// J = L⁻ᵀ so that JJᵀ = D⁻¹. The active-set loop rotates columns of J
	// in place to keep the leading columns spanning the active normals.
	J, err := inverseFactor(chol, n)
	if err != nil {
		return nil, err
	}

	st := &state{
		n:      n,
		m:      m,
		meq:    meq,
		quad:   quad,
		linear: linear,
		constr: constr,
		bounds: bounds,
		x:      x,
		J:      J,
		R:      make([]float64, n*n),
		d:      make([]float64, n),
		z:      make([]float64, n),
		r:      make([]float64, n),
		active: make([]int, 0, n),
		sign:   make([]float64, 0, n),
		u:      make([]float64, 0, n),
	}

	if err := st.run(); err != nil {
		return nil, err
	}

	lagrange := make([]float64, m)
	activeOut := make([]int, len(st.active))
	for j, k := range st.active {
		lagrange[k] = st.sign[j] * st.u[j]
		activeOut[j] = k
	}
	return &Solution{
		X:             st.x,
		Unconstrained: unconstrained,
		Lagrange:      lagrange,
		Value:         objective(quad, linear, st.x),
		Active:        activeOut,
		Iterations:    st.iter,
	}, nil
}

// factorize Cholesky-factorizes the quadratic term, retrying once with an
// adaptive diagonal jitter scaled by the trace before declaring failure.
func factorize(quad *mat.SymDense) (*mat.Cholesky, error) {
	var chol mat.Cholesky
	if chol.Factorize(quad) {
		return &chol, nil
	}
	n := quad.SymmetricDim()
	trace := 0.0
	for i := 0; i < n; i++ {
		trace += quad.At(i, i)
	}
	eps := 1e-10 * trace / float64(n)
	if eps <= 0 {
		eps = 1e-10
	}
	jittered := mat.NewSymDense(n, nil)
	jittered.CopySym(quad)
	for i := 0; i < n; i++ {
		jittered.SetSym(i, i, jittered.At(i, i)+eps)
	}
	if chol.Factorize(jittered) {
		return &chol, nil
	}
	return nil, ErrNotPositiveDefinite
}

// inverseFactor returns J = L⁻ᵀ as a dense matrix whose columns the solver
// is free to rotate.
func inverseFactor(chol *mat.Cholesky, n int) (*mat.Dense, error) {
	var lower mat.TriDense
	chol.LTo(&lower)
	var inv mat.TriDense
	if err := inv.InverseTri(&lower); err != nil {
		return nil, ErrNotPositiveDefinite
	}
	J := mat.NewDense(n, n, nil)
	J.Copy(inv.T())
	return J, nil
}

func objective(quad *mat.SymDense, linear, x []float64) float64 {
	n := len(x)
	v := 0.0
	for i := 0; i < n; i++ {
		row := 0.0
		for j := 0; j < n; j++ {
			row += quad.At(i, j) * x[j]
		}
		v += x[i] * (0.5*row - linear[i])
	}
	return v
}

// state carries the dual active-set iteration. R is the upper-triangular
// factor of the active constraint normals expressed in the J basis, stored
// row-major with column j holding entries in rows 0..j.
type state struct {
	n, m, meq int
	quad      *mat.SymDense
	linear    []float64
	constr    *mat.Dense
	bounds    []float64

	x    []float64
	J    *mat.Dense
	R    []float64
	d    []float64 // Jᵀ·(current normal)
	z    []float64 // primal step direction
	r    []float64 // dual step direction over the active set

	active []int     // constraint indices, in addition order
	sign   []float64 // +1, or -1 for an equality entered with negated normal
	u      []float64 // multipliers, same order as active

	iter    int
	maxIter int
}

func (st *state) run() error {
	st.maxIter = 100 * (st.n + st.m + 1)
	for {
		k, sk, sgn, ok := st.mostViolated()
		if !ok {
			return nil
		}
		if err := st.resolve(k, sk, sgn); err != nil {
			return err
		}
	}
}

// mostViolated scans the inactive constraints and returns the index, slack
// and entry sign of the most violated one. Equalities are violated whenever
// their slack is nonzero; the sign records which direction restores them.
func (st *state) mostViolated() (k int, slack, sgn float64, found bool) {
	worst := 0.0
	for i := 0; i < st.m; i++ {
		if st.isActive(i) {
			continue
		}
		s := st.slack(i)
		tol := depTol * (1 + math.Abs(st.bounds[i]))
		switch {
		case i < st.meq && math.Abs(s) > tol:
			v := -math.Abs(s)
			if v < worst {
				worst = v
				k, found = i, true
				if s > 0 {
					slack, sgn = -s, -1
				} else {
					slack, sgn = s, 1
				}
			}
		case i >= st.meq && s < -tol:
			if s < worst {
				worst = s
				k, found = i, true
				slack, sgn = s, 1
			}
		}
	}
	return k, slack, sgn, found
}

func (st *state) isActive(k int) bool {
	for _, a := range st.active {
		if a == k {
			return true
		}
	}
	return false
}

// slack returns aₖᵀx - bₖ.
func (st *state) slack(k int) float64 {
	s := -st.bounds[k]
	for i := 0; i < st.n; i++ {
		s += st.constr.At(i, k) * st.x[i]
	}
	return s
}

// resolve takes one violated constraint and performs primal and dual steps,
// dropping blocking constraints as needed, until the constraint joins the
// active set or infeasibility is proven.
func (st *state) resolve(k int, slack, sgn float64) error {
	n := st.n
	normal := make([]float64, n)
	for i := 0; i < n; i++ {
		normal[i] = sgn * st.constr.At(i, k)
	}
	up := 0.0

	for {
		if st.iter++; st.iter > st.maxIter {
			return ErrIterationLimit
		}
		nact := len(st.active)

		// d = Jᵀ·normal; z = J₂J₂ᵀ·normal; R·r = d₁.
		jraw := st.J.RawMatrix()
		dnorm2 := 0.0
		for i := 0; i < n; i++ {
			v := 0.0
			for row := 0; row < n; row++ {
				v += jraw.Data[row*jraw.Stride+i] * normal[row]
			}
			st.d[i] = v
			dnorm2 += v * v
		}
		znorm2 := 0.0
		for i := nact; i < n; i++ {
			znorm2 += st.d[i] * st.d[i]
		}
		for row := 0; row < n; row++ {
			v := 0.0
			for i := nact; i < n; i++ {
				v += jraw.Data[row*jraw.Stride+i] * st.d[i]
			}
			st.z[row] = v
		}
		for i := nact - 1; i >= 0; i-- {
			v := st.d[i]
			for j := i + 1; j < nact; j++ {
				v -= st.R[i*n+j] * st.r[j]
			}
			st.r[i] = v / st.R[i*n+i]
		}

		// Dual step length t1: smallest ratio u/r over removable blockers.
		t1 := math.Inf(1)
		blocker := -1
		for j := 0; j < nact; j++ {
			if st.active[j] < st.meq {
				continue // equalities never leave the active set
			}
			if st.r[j] > 0 {
				if t := st.u[j] / st.r[j]; t < t1 {
					t1 = t
					blocker = j
				}
			}
		}

		// Primal step length t2: distance to the violated boundary.
		zZero := znorm2 <= depTol*dnorm2
		t2 := math.Inf(1)
		if !zZero {
			t2 = -slack / znorm2
		}

		t := math.Min(t1, t2)
		if math.IsInf(t, 1) {
			// No primal direction and no blocking constraint to relax:
			// the dual is unbounded, so the primal is infeasible.
			return ErrInfeasible
		}

		// Apply the dual update.
		for j := 0; j < nact; j++ {
			st.u[j] -= t * st.r[j]
		}
		up += t

		if zZero {
			// Dual-only step: x is unchanged, drop the blocker and retry.
			st.drop(blocker)
			continue
		}

		// Primal update.
		for i := 0; i < n; i++ {
			st.x[i] += t * st.z[i]
		}
		slack += t * znorm2

		if t == t2 {
			st.add(k, sgn, up)
			return nil
		}
		// Partial step: the blocker hit zero first.
		st.drop(blocker)
	}
}

// add appends constraint k to the active set, extending R by one column and
// rotating trailing columns of J so that J₂ stays orthogonal to the active
// normals. st.d must hold Jᵀ·normal for the constraint being added.
func (st *state) add(k int, sgn, mult float64) {
	n := st.n
	nact := len(st.active)
	jraw := st.J.RawMatrix()
	for i := n - 1; i > nact; i-- {
		c, s, rho := givens(st.d[i-1], st.d[i])
		if s == 0 && c == 1 {
			continue
		}
		st.d[i-1] = rho
		st.d[i] = 0
		for row := 0; row < n; row++ {
			a := jraw.Data[row*jraw.Stride+i-1]
			b := jraw.Data[row*jraw.Stride+i]
			jraw.Data[row*jraw.Stride+i-1] = c*a + s*b
			jraw.Data[row*jraw.Stride+i] = -s*a + c*b
		}
	}
	for i := 0; i <= nact; i++ {
		st.R[i*n+nact] = st.d[i]
	}
	st.active = append(st.active, k)
	st.sign = append(st.sign, sgn)
	st.u = append(st.u, mult)
}

// drop removes the active constraint at position l, shifting the later
// columns of R left and restoring its triangularity with Givens rotations
// mirrored onto the columns of J.
func (st *state) drop(l int) {
	n := st.n
	nact := len(st.active)
	copy(st.active[l:], st.active[l+1:])
	copy(st.sign[l:], st.sign[l+1:])
	copy(st.u[l:], st.u[l+1:])
	st.active = st.active[:nact-1]
	st.sign = st.sign[:nact-1]
	st.u = st.u[:nact-1]
	nact--

	for j := l; j < nact; j++ {
		for i := 0; i <= j+1; i++ {
			st.R[i*n+j] = st.R[i*n+j+1]
		}
	}
	for i := 0; i < n; i++ {
		st.R[i*n+nact] = 0
	}

	jraw := st.J.RawMatrix()
	for j := l; j < nact; j++ {
		c, s, rho := givens(st.R[j*n+j], st.R[(j+1)*n+j])
		if s == 0 && c == 1 {
			continue
		}
		st.R[j*n+j] = rho
		st.R[(j+1)*n+j] = 0
		for col := j + 1; col < nact; col++ {
			a := st.R[j*n+col]
			b := st.R[(j+1)*n+col]
			st.R[j*n+col] = c*a + s*b
			st.R[(j+1)*n+col] = -s*a + c*b
		}
		for row := 0; row < n; row++ {
			a := jraw.Data[row*jraw.Stride+j]
			b := jraw.Data[row*jraw.Stride+j+1]
			jraw.Data[row*jraw.Stride+j] = c*a + s*b
			jraw.Data[row*jraw.Stride+j+1] = -s*a + c*b
		}
	}
}

// givens returns the rotation (c, s) with c·a + s·b = r and -s·a + c·b = 0.
func givens(a, b float64) (c, s, r float64) {
	if b == 0 {
		return 1, 0, a
	}
	r = math.Hypot(a, b)
	return a / r, b / r, r
}
