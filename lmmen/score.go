package lmmen

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// sdFloor is the additive floor under the random-effect standard deviations
// when the covariance is normalized into a correlation matrix.
const sdFloor = 1e-10

// assembleResult scores the terminal state and builds the immutable fit
// record: fitted means, Gaussian log-likelihood under the subject-block
// marginal covariance, degrees of freedom counting each active scale's
// symmetric covariance contribution, BIC, and the derived random-effect
// covariance, standard deviations and correlation matrix.
func (l *LMMEN) assembleResult(st *fitState, fracs [4]float64, converged bool, outer, inner int, innerCapHit bool) (*FitResult, error) {
	d := st.d
	q := d.Q

	fitted := make([]float64, d.N)
	fv := mat.NewVecDense(d.N, fitted)
	fv.MulVec(d.X, mat.NewVecDense(d.P, st.beta))

	loglik, err := l.logLikelihood(st, fitted)
	if err != nil {
		return nil, err
	}
	deviance := -2 * loglik

	nnzBeta := 0
	for _, b := range st.beta {
		if b != 0 {
			nnzBeta++
		}
	}
	nnzLambda := 0
	for _, v := range st.lambda {
		if v != 0 {
			nnzLambda++
		}
	}
	df := nnzBeta + nnzLambda*(nnzLambda+1)/2
	bic := deviance + float64(df)*math.Log(float64(d.N))

	// Random-effect covariance σ²·ΛΓΓᵀΛ and its correlation form.
	lg := st.loadingFactor()
	var om mat.Dense
	om.Mul(lg, lg.T())
	cov := mat.NewSymDense(q, nil)
	for j := 0; j < q; j++ {
		for k := j; k < q; k++ {
			cov.SetSym(j, k, st.sigma2*om.At(j, k))
		}
	}
	sd := make([]float64, q)
	for j := 0; j < q; j++ {
		sd[j] = math.Sqrt(cov.At(j, j))
	}
	corr := mat.NewSymDense(q, nil)
	for j := 0; j < q; j++ {
		for k := j; k < q; k++ {
			corr.SetSym(j, k, cov.At(j, k)/((sd[j]+sdFloor)*(sd[k]+sdFloor)))
		}
	}

	gamma := mat.NewDense(q, q, nil)
	gamma.Copy(st.gamma)

	return &FitResult{
		Beta:            st.beta,
		Lambda:          st.lambda,
		Gamma:           gamma,
		Sigma2:          st.sigma2,
		SD:              sd,
		Covariance:      cov,
		Correlation:     corr,
		Fitted:          fitted,
		Deviance:        deviance,
		DF:              df,
		BIC:             bic,
		Fractions:       fracs,
		QP:              st.qp,
		Converged:       converged,
		OuterIterations: outer,
		InnerIterations: inner,
		InnerCapHit:     innerCapHit,
		N:               d.N,
		Subjects:        d.NumSubjects(),
		FixedNames:      append([]string(nil), d.FixedNames...),
		RandomNames:     append([]string(nil), d.RandomNames...),
	}, nil
}

// logLikelihood sums per-subject Gaussian log-densities of y under mean Xβ
// and the marginal covariance σ²·(ZᵢΛΓ)(ZᵢΛΓ)ᵀ + σ²·I.
func (l *LMMEN) logLikelihood(st *fitState, fitted []float64) (float64, error) {
	d := st.d
	lg := st.loadingFactor()
	total := 0.0
	for i := 0; i < d.NumSubjects(); i++ {
		ni := d.Sizes[i]
		zi := d.RandomBlock(i)
		var ci mat.Dense
		ci.Mul(zi, lg)
		var cct mat.Dense
		cct.Mul(&ci, ci.T())
		cov := mat.NewSymDense(ni, nil)
		for t := 0; t < ni; t++ {
			for u := t; u < ni; u++ {
				v := st.sigma2 * cct.At(t, u)
				if t == u {
					v += st.sigma2
				}
				cov.SetSym(t, u, v)
			}
		}
		s, e := d.Starts[i], d.Starts[i]+ni
		ll, err := l.logDensity(d.Y[s:e], fitted[s:e], cov)
		if err != nil {
			return 0, fmt.Errorf("lmmen: scoring subject %d: %w", i, err)
		}
		total += ll
	}
	return total, nil
}
