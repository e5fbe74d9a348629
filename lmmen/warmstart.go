package lmmen

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// OLSWarmStart returns the ordinary-least-squares coefficients of the
// response on the fixed design, the usual seed for the first iteration and
// the adaptive penalty weights.
func OLSWarmStart(ds *Dataset) ([]float64, error) {
	d, err := ds.Design()
	if err != nil {
		return nil, err
	}
	var qr mat.QR
	qr.Factorize(d.X)
	beta := mat.NewVecDense(d.P, nil)
	if err := qr.SolveVecTo(beta, false, mat.NewVecDense(d.N, d.Y)); err != nil {
		return nil, fmt.Errorf("lmmen: warm start: %w", err)
	}
	out := make([]float64, d.P)
	copy(out, beta.RawVector().Data)
	return out, nil
}

// RidgeWarmStart returns (XᵀX + penalty·I)⁻¹Xᵀy, a stabilized warm start
// for nearly collinear fixed designs whose OLS coefficients would blow up
// the adaptive weights.
func RidgeWarmStart(ds *Dataset, penalty float64) ([]float64, error) {
	if penalty <= 0 || math.IsNaN(penalty) {
		return nil, &ConfigurationError{Field: "penalty", Reason: fmt.Sprintf("must be positive, got %g", penalty)}
	}
	d, err := ds.Design()
	if err != nil {
		return nil, err
	}
	var xtx mat.Dense
	xtx.Mul(d.X.T(), d.X)
	g := mat.NewSymDense(d.P, nil)
	for j := 0; j < d.P; j++ {
		for k := j; k < d.P; k++ {
			v := xtx.At(j, k)
			if j == k {
				v += penalty
			}
			g.SetSym(j, k, v)
		}
	}
	var chol mat.Cholesky
	if !chol.Factorize(g) {
		return nil, fmt.Errorf("%w: ridge system for warm start", ErrNotPositiveDefinite)
	}
	xty := mat.NewVecDense(d.P, nil)
	xty.MulVec(d.X.T(), mat.NewVecDense(d.N, d.Y))
	beta := mat.NewVecDense(d.P, nil)
	if err := chol.SolveVecTo(beta, xty); err != nil {
		return nil, fmt.Errorf("lmmen: warm start: %w", err)
	}
	out := make([]float64, d.P)
	copy(out, beta.RawVector().Data)
	return out, nil
}
