package lmmen

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/n0madic/go-lmm-elasticnet/quadprog"
)

// FitResult is the immutable record of one Fit call.
type FitResult struct {
	Beta   []float64  // fixed-effect estimates, length p
	Lambda []float64  // covariance scales, length q, all ≥ 0
	Gamma  *mat.Dense // correlation loadings, q×q unit lower triangular
	Sigma2 float64    // residual variance

	SD          []float64     // random-effect standard deviations, length q
	Covariance  *mat.SymDense // random-effect covariance σ²ΛΓΓᵀΛ, q×q
	Correlation *mat.SymDense // covariance normalized by the standard deviations

	Fitted   []float64 // fitted means Xβ, length N
	Deviance float64   // -2·log-likelihood
	DF       int       // nonzero β count plus the active-scale covariance count
	BIC      float64   // Deviance + DF·log(N)

	Fractions [4]float64         // penalty fractions the fit was called with
	QP        *quadprog.Solution // terminal quadratic-program solution

	Converged       bool // outer loop met the tolerance within its cap
	OuterIterations int
	InnerIterations int  // total QP solves across all outer iterations
	InnerCapHit     bool // some inner loop exhausted its cap

	N        int // total observations
	Subjects int

	FixedNames  []string
	RandomNames []string
}

// Summary renders the fit as a fixed-format report.
func (r *FitResult) Summary() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "penalized linear mixed-effects fit (elastic net)\n")
	fmt.Fprintf(&sb, "  observations: %d  subjects: %d\n", r.N, r.Subjects)
	fmt.Fprintf(&sb, "  fractions:    (%g, %g, %g, %g)\n",
		r.Fractions[0], r.Fractions[1], r.Fractions[2], r.Fractions[3])
	status := "yes"
	if !r.Converged {
		status = "no (cap reached)"
	}
	fmt.Fprintf(&sb, "  converged:    %s  (%d outer, %d inner iterations)\n",
		status, r.OuterIterations, r.InnerIterations)

	nnz := 0
	for _, b := range r.Beta {
		if b != 0 {
			nnz++
		}
	}
	fmt.Fprintf(&sb, "\nfixed effects (%d of %d nonzero):\n", nnz, len(r.Beta))
	for j, b := range r.Beta {
		fmt.Fprintf(&sb, "  %-12s %12.6f\n", r.FixedNames[j], b)
	}

	fmt.Fprintf(&sb, "\nrandom effects:\n")
	for j := range r.Lambda {
		fmt.Fprintf(&sb, "  %-12s lambda=%10.6f  sd=%10.6f\n", r.RandomNames[j], r.Lambda[j], r.SD[j])
	}

	q := len(r.Lambda)
	fmt.Fprintf(&sb, "\ncorrelation of random effects:\n")
	for j := 0; j < q; j++ {
		sb.WriteString(" ")
		for k := 0; k < q; k++ {
			fmt.Fprintf(&sb, " %8.4f", r.Correlation.At(j, k))
		}
		sb.WriteString("\n")
	}

	fmt.Fprintf(&sb, "\nsigma2 = %.6f  -2·loglik = %.4f  df = %d  BIC = %.4f\n",
		r.Sigma2, r.Deviance, r.DF, r.BIC)
	return sb.String()
}

// resultState is the serializable snapshot of a FitResult
type resultState struct {
	Version int
	P, Q, N int

	Beta, Lambda, SD, Fitted []float64
	GammaData                []float64
	CovData, CorrData        []float64

	Sigma2, Deviance, BIC float64
	DF                    int
	Fractions             [4]float64

	Converged       bool
	OuterIterations int
	InnerIterations int
	InnerCapHit     bool
	Subjects        int

	FixedNames  []string
	RandomNames []string

	HasQP                            bool
	QPX, QPLagrange, QPUnconstrained []float64
	QPValue                          float64
	QPActive                         []int
	QPIterations                     int
}

// Save serializes the result to gob format
func (r *FitResult) Save(w io.Writer) error {
	q := len(r.Lambda)
	state := resultState{
		Version:         1,
		P:               len(r.Beta),
		Q:               q,
		N:               r.N,
		Beta:            r.Beta,
		Lambda:          r.Lambda,
		SD:              r.SD,
		Fitted:          r.Fitted,
		Sigma2:          r.Sigma2,
		Deviance:        r.Deviance,
		BIC:             r.BIC,
		DF:              r.DF,
		Fractions:       r.Fractions,
		Converged:       r.Converged,
		OuterIterations: r.OuterIterations,
		InnerIterations: r.InnerIterations,
		InnerCapHit:     r.InnerCapHit,
		Subjects:        r.Subjects,
		FixedNames:      r.FixedNames,
		RandomNames:     r.RandomNames,
	}

	// Flatten the matrices
	state.GammaData = append([]float64(nil), r.Gamma.RawMatrix().Data...)
	state.CovData = symData(r.Covariance)
	state.CorrData = symData(r.Correlation)

	if r.QP != nil {
		state.HasQP = true
		state.QPX = r.QP.X
		state.QPLagrange = r.QP.Lagrange
		state.QPUnconstrained = r.QP.Unconstrained
		state.QPValue = r.QP.Value
		state.QPActive = r.QP.Active
		state.QPIterations = r.QP.Iterations
	}

	encoder := gob.NewEncoder(w)
	return encoder.Encode(state)
}

// LoadResult deserializes a result saved with Save
func LoadResult(rd io.Reader) (*FitResult, error) {
	decoder := gob.NewDecoder(rd)

	var state resultState
	if err := decoder.Decode(&state); err != nil {
		return nil, err
	}
	if state.Version != 1 {
		return nil, errors.New("lmmen: unsupported gob version")
	}
	q := state.Q
	if len(state.Beta) != state.P || len(state.Lambda) != q || len(state.SD) != q {
		return nil, errors.New("lmmen: corrupt result snapshot")
	}
	if len(state.GammaData) != q*q || len(state.CovData) != q*q || len(state.CorrData) != q*q {
		return nil, errors.New("lmmen: corrupt result snapshot")
	}

	r := &FitResult{
		Beta:            state.Beta,
		Lambda:          state.Lambda,
		Gamma:           mat.NewDense(q, q, state.GammaData),
		Sigma2:          state.Sigma2,
		SD:              state.SD,
		Covariance:      symFromData(q, state.CovData),
		Correlation:     symFromData(q, state.CorrData),
		Fitted:          state.Fitted,
		Deviance:        state.Deviance,
		DF:              state.DF,
		BIC:             state.BIC,
		Fractions:       state.Fractions,
		Converged:       state.Converged,
		OuterIterations: state.OuterIterations,
		InnerIterations: state.InnerIterations,
		InnerCapHit:     state.InnerCapHit,
		N:               state.N,
		Subjects:        state.Subjects,
		FixedNames:      state.FixedNames,
		RandomNames:     state.RandomNames,
	}
	if state.HasQP {
		r.QP = &quadprog.Solution{
			X:             state.QPX,
			Unconstrained: state.QPUnconstrained,
			Lagrange:      state.QPLagrange,
			Value:         state.QPValue,
			Active:        state.QPActive,
			Iterations:    state.QPIterations,
		}
	}
	return r, nil
}

// symData flattens a symmetric matrix row-major.
func symData(s *mat.SymDense) []float64 {
	n := s.SymmetricDim()
	out := make([]float64, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			out[i*n+j] = s.At(i, j)
		}
	}
	return out
}

func symFromData(n int, data []float64) *mat.SymDense {
	s := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			s.SetSym(i, j, data[i*n+j])
		}
	}
	return s
}
