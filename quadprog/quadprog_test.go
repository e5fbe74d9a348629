package quadprog

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

const tol = 1e-8

func vecsClose(a, b []float64, tol float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if math.Abs(a[i]-b[i]) > tol {
			return false
		}
	}
	return true
}

// checkKKT verifies feasibility, stationarity, multiplier signs and
// complementary slackness of a solution.
func checkKKT(t *testing.T, quad *mat.SymDense, linear []float64, constr *mat.Dense, bounds []float64, meq int, sol *Solution) {
	t.Helper()
	n := len(sol.X)
	m := len(bounds)

	// Stationarity: Dx - d - A·λ = 0.
	for i := 0; i < n; i++ {
		res := -linear[i]
		for j := 0; j < n; j++ {
			res += quad.At(i, j) * sol.X[j]
		}
		for k := 0; k < m; k++ {
			res -= constr.At(i, k) * sol.Lagrange[k]
		}
		if math.Abs(res) > 1e-7 {
			t.Errorf("stationarity residual %g at coordinate %d", res, i)
		}
	}

	for k := 0; k < m; k++ {
		s := -bounds[k]
		for i := 0; i < n; i++ {
			s += constr.At(i, k) * sol.X[i]
		}
		if k < meq {
			if math.Abs(s) > 1e-7 {
				t.Errorf("equality constraint %d has slack %g", k, s)
			}
			continue
		}
		if s < -1e-7 {
			t.Errorf("inequality constraint %d violated by %g", k, s)
		}
		if sol.Lagrange[k] < -1e-9 {
			t.Errorf("negative multiplier %g on inequality %d", sol.Lagrange[k], k)
		}
		if math.Abs(sol.Lagrange[k]*s) > 1e-6 {
			t.Errorf("complementary slackness broken on %d: λ=%g s=%g", k, sol.Lagrange[k], s)
		}
	}
}

func TestSolveTextbook(t *testing.T) {
	// minimize ½‖x‖² - 5x₂ with three inequality constraints; the known
	// optimum activates the second and third constraints.
	quad := mat.NewSymDense(3, []float64{
		1, 0, 0,
		0, 1, 0,
		0, 0, 1,
	})
	linear := []float64{0, 5, 0}
	constr := mat.NewDense(3, 3, []float64{
		-4, 2, 0,
		-3, 1, -2,
		0, 0, 1,
	})
	bounds := []float64{-8, 2, 0}

	sol, err := Solve(quad, linear, constr, bounds, 0)
	if err != nil {
		t.Fatalf("Solve() error = %v", err)
	}

	want := []float64{0.4761904762, 1.0476190476, 2.0952380952}
	if !vecsClose(sol.X, want, 1e-8) {
		t.Errorf("Solve() X = %v, want %v", sol.X, want)
	}
	wantLagrange := []float64{0, 0.2380952381, 2.0952380952}
	if !vecsClose(sol.Lagrange, wantLagrange, 1e-8) {
		t.Errorf("Solve() Lagrange = %v, want %v", sol.Lagrange, wantLagrange)
	}
	if !vecsClose(sol.Unconstrained, linear, 1e-12) {
		t.Errorf("Solve() Unconstrained = %v, want %v", sol.Unconstrained, linear)
	}
	checkKKT(t, quad, linear, constr, bounds, 0, sol)
}

func TestSolveEquality(t *testing.T) {
	// minimize ½‖x‖² subject to x₁ + x₂ = 1.
	quad := mat.NewSymDense(2, []float64{1, 0, 0, 1})
	linear := []float64{0, 0}
	constr := mat.NewDense(2, 1, []float64{1, 1})
	bounds := []float64{1}

	sol, err := Solve(quad, linear, constr, bounds, 1)
	if err != nil {
		t.Fatalf("Solve() error = %v", err)
	}
	if !vecsClose(sol.X, []float64{0.5, 0.5}, tol) {
		t.Errorf("Solve() X = %v, want [0.5 0.5]", sol.X)
	}
	if math.Abs(sol.Lagrange[0]-0.5) > tol {
		t.Errorf("Solve() Lagrange = %v, want [0.5]", sol.Lagrange)
	}
	checkKKT(t, quad, linear, constr, bounds, 1, sol)
}

func TestSolveNonNegative(t *testing.T) {
	// Unconstrained optimum (-1, 2) clipped to the nonnegative orthant.
	quad := mat.NewSymDense(2, []float64{2, 0, 0, 2})
	linear := []float64{-2, 4}
	constr := mat.NewDense(2, 2, []float64{
		1, 0,
		0, 1,
	})
	bounds := []float64{0, 0}

	sol, err := Solve(quad, linear, constr, bounds, 0)
	if err != nil {
		t.Fatalf("Solve() error = %v", err)
	}
	if !vecsClose(sol.X, []float64{0, 2}, tol) {
		t.Errorf("Solve() X = %v, want [0 2]", sol.X)
	}
	checkKKT(t, quad, linear, constr, bounds, 0, sol)
}

func TestSolveInfeasible(t *testing.T) {
	// x₁ ≥ 1 and -x₁ ≥ 0 cannot hold together.
	quad := mat.NewSymDense(2, []float64{1, 0, 0, 1})
	linear := []float64{0, 0}
	constr := mat.NewDense(2, 2, []float64{
		1, -1,
		0, 0,
	})
	bounds := []float64{1, 0}

	_, err := Solve(quad, linear, constr, bounds, 0)
	if !errors.Is(err, ErrInfeasible) {
		t.Fatalf("Solve() error = %v, want ErrInfeasible", err)
	}
}

func TestSolveUnconstrained(t *testing.T) {
	quad := mat.NewSymDense(2, []float64{4, 1, 1, 3})
	linear := []float64{1, 2}

	sol, err := Solve(quad, linear, nil, nil, 0)
	if err != nil {
		t.Fatalf("Solve() error = %v", err)
	}
	// Direct solve of Dx = d.
	want := []float64{1.0 / 11.0, 7.0 / 11.0}
	if !vecsClose(sol.X, want, tol) {
		t.Errorf("Solve() X = %v, want %v", sol.X, want)
	}
	if len(sol.Active) != 0 {
		t.Errorf("Solve() Active = %v, want empty", sol.Active)
	}
}

func TestSolveIndefinite(t *testing.T) {
	quad := mat.NewSymDense(2, []float64{1, 2, 2, 1}) // eigenvalues 3 and -1
	linear := []float64{0, 0}

	_, err := Solve(quad, linear, nil, nil, 0)
	if !errors.Is(err, ErrNotPositiveDefinite) {
		t.Fatalf("Solve() error = %v, want ErrNotPositiveDefinite", err)
	}
}

func TestSolveDimensionErrors(t *testing.T) {
	quad := mat.NewSymDense(2, []float64{1, 0, 0, 1})

	tests := []struct {
		name   string
		linear []float64
		constr *mat.Dense
		bounds []float64
		meq    int
	}{
		{
			name:   "short linear term",
			linear: []float64{1},
		},
		{
			name:   "constraint row mismatch",
			linear: []float64{0, 0},
			constr: mat.NewDense(3, 1, []float64{1, 1, 1}),
			bounds: []float64{0},
		},
		{
			name:   "bounds length mismatch",
			linear: []float64{0, 0},
			constr: mat.NewDense(2, 1, []float64{1, 1}),
			bounds: []float64{0, 0},
		},
		{
			name:   "meq out of range",
			linear: []float64{0, 0},
			constr: mat.NewDense(2, 1, []float64{1, 1}),
			bounds: []float64{0},
			meq:    2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Solve(quad, tt.linear, tt.constr, tt.bounds, tt.meq)
			if !errors.Is(err, ErrDimension) {
				t.Errorf("Solve() error = %v, want ErrDimension", err)
			}
		})
	}
}

func TestSolveDeterministic(t *testing.T) {
	quad := mat.NewSymDense(3, []float64{
		4, 1, 0,
		1, 3, 1,
		0, 1, 2,
	})
	linear := []float64{1, -2, 3}
	constr := mat.NewDense(3, 4, []float64{
		1, 0, 0, -1,
		0, 1, 0, -1,
		0, 0, 1, -1,
	})
	bounds := []float64{0, 0, 0, -10}

	first, err := Solve(quad, linear, constr, bounds, 0)
	if err != nil {
		t.Fatalf("Solve() error = %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := Solve(quad, linear, constr, bounds, 0)
		if err != nil {
			t.Fatalf("Solve() error = %v", err)
		}
		for j := range first.X {
			if again.X[j] != first.X[j] {
				t.Fatalf("run %d differs at %d: %v vs %v", i, j, again.X[j], first.X[j])
			}
		}
	}
	checkKKT(t, quad, linear, constr, bounds, 0, first)
}

func TestSolveValueMatchesObjective(t *testing.T) {
	quad := mat.NewSymDense(2, []float64{2, 0, 0, 2})
	linear := []float64{-2, 4}
	constr := mat.NewDense(2, 2, []float64{
		1, 0,
		0, 1,
	})
	bounds := []float64{0, 0}

	sol, err := Solve(quad, linear, constr, bounds, 0)
	if err != nil {
		t.Fatalf("Solve() error = %v", err)
	}
	want := 0.0
	for i, x := range sol.X {
		row := 0.0
		for j, y := range sol.X {
			row += quad.At(i, j) * y
		}
		want += x * (0.5*row - linear[i])
	}
	if math.Abs(sol.Value-want) > 1e-12 {
		t.Errorf("Solve() Value = %g, want %g", sol.Value, want)
	}
}
