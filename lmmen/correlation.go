package lmmen

import (
	"errors"

	"gonum.org/v1/gonum/mat"
)

// updateCorrelation re-derives the strictly-lower-triangular entries of Γ
// from the converged (β, λ) and the stored posterior moments. Each free
// entry γ[j,k] multiplies the regressor Z[t,j]·λ[j]·b[k], so the
// generalized-least-squares normal equations accumulate, per subject,
// λ-weighted blocks of ZᵢᵀZᵢ against the posterior second moment
// b̂b̂ᵀ + V̂. The system is solved with an eigen pseudo-inverse, then
// entries in rows whose scale λ[j] is zero are forced to zero, so an
// eliminated random-effect direction never regains correlation structure.
func (st *fitState) updateCorrelation() error {
	d := st.d
	q := d.Q
	nf := q * (q - 1) / 2
	if nf == 0 {
		return nil
	}

	// Free entries enumerated row-major over the strict lower triangle.
	rows := make([]int, 0, nf)
	cols := make([]int, 0, nf)
	for j := 1; j < q; j++ {
		for k := 0; k < j; k++ {
			rows = append(rows, j)
			cols = append(cols, k)
		}
	}

	r := st.residuals()

	norm := mat.NewSymDense(nf, nil)
	rhs := make([]float64, nf)

	for i := 0; i < d.NumSubjects(); i++ {
		zi := d.RandomBlock(i)
		var ztz mat.Dense
		ztz.Mul(zi.T(), zi)

		// Posterior second moment b̂b̂ᵀ + V̂.
		b := st.bhat[i]
		second := mat.NewSymDense(q, nil)
		for j := 0; j < q; j++ {
			for k := j; k < q; k++ {
				second.SetSym(j, k, b[j]*b[k]+st.vhat[i].At(j, k))
			}
		}

		ri := mat.NewVecDense(d.Sizes[i], r[d.Starts[i]:d.Starts[i]+d.Sizes[i]])
		zr := mat.NewVecDense(q, nil)
		zr.MulVec(zi.T(), ri)

		for a := 0; a < nf; a++ {
			j, k := rows[a], cols[a]
			acc := zr.AtVec(j) * b[k]
			for m := 0; m < q; m++ {
				acc -= ztz.At(j, m) * st.lambda[m] * second.At(m, k)
			}
			rhs[a] += st.lambda[j] * acc

			for c := a; c < nf; c++ {
				jp, kp := rows[c], cols[c]
				norm.SetSym(a, c, norm.At(a, c)+st.lambda[j]*st.lambda[jp]*ztz.At(j, jp)*second.At(k, kp))
			}
		}
	}

	gamma, err := pseudoSolve(norm, rhs)
	if err != nil {
		return err
	}

	gnew := identity(q)
	for a := 0; a < nf; a++ {
		v := gamma[a]
		if st.lambda[rows[a]] == 0 {
			v = 0
		}
		gnew.Set(rows[a], cols[a], v)
	}
	st.gamma = gnew
	return nil
}

// pseudoSolve solves norm·x = rhs through an eigen-decomposition.
// Eigenvalues are rounded to five decimals and non-positive ones contribute
// zero: the normal equations go rank deficient routinely once scales shrink
// to zero, so a hard solve is the wrong tool here.
func pseudoSolve(norm *mat.SymDense, rhs []float64) ([]float64, error) {
	n := len(rhs)
	var eig mat.EigenSym
	if !eig.Factorize(norm, true) {
		return nil, errors.New("lmmen: eigendecomposition of the correlation normal equations failed")
	}
	vals := eig.Values(nil)
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	x := make([]float64, n)
	for e := 0; e < n; e++ {
		ev := round5(vals[e])
		if ev <= 0 {
			continue
		}
		proj := 0.0
		for i := 0; i < n; i++ {
			proj += vecs.At(i, e) * rhs[i]
		}
		proj /= ev
		for i := 0; i < n; i++ {
			x[i] += proj * vecs.At(i, e)
		}
	}
	return x, nil
}
