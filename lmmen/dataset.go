package lmmen

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// Dataset is the tabular input of the fitters: named numeric columns in
// column-major order plus one integer subject label per row. Column roles
// are selected by name prefix: exactly one column starting with "y" is the
// response, columns starting with "X" are fixed-effect covariates and
// columns starting with "Z" are random-effect covariates. Rows belonging to
// one subject must be contiguous and subject labels must be ascending.
type Dataset struct {
	Names   []string
	Columns [][]float64
	Subject []int
}

// NumRows returns the number of observations in the table.
func (ds *Dataset) NumRows() int {
	if len(ds.Columns) == 0 {
		return 0
	}
	return len(ds.Columns[0])
}

// Design is the parsed and validated estimation input: response, fixed
// design, random design with the intercept column prepended, and the
// subject blocking. The random-effects design of the model is block
// diagonal across subjects; it is represented here by Z together with
// Sizes/Starts, which address each subject's nonzero block Z_i.
type Design struct {
	Y      []float64  // response, length N
	X      *mat.Dense // fixed design, N×P
	Z      *mat.Dense // random design, N×Q, first column all ones
	Sizes  []int      // observations per subject, one entry per subject
	Starts []int      // first row of each subject block

	N int // total observations
	P int // fixed-effect columns
	Q int // random-effect columns including intercept

	FixedNames  []string
	RandomNames []string
}

// NumSubjects returns the number of subject blocks.
func (d *Design) NumSubjects() int { return len(d.Sizes) }

// RandomBlock returns subject i's block of the random design as an
// n_i×Q view of Z.
func (d *Design) RandomBlock(i int) *mat.Dense {
	return d.Z.Slice(d.Starts[i], d.Starts[i]+d.Sizes[i], 0, d.Q).(*mat.Dense)
}

// Design parses the table into the estimation input and validates it:
// column roles by prefix, consistent column lengths, contiguous ascending
// subject labels, and full column rank of both designs. Rank failures
// return a RankDeficiencyError naming the deficient design; everything
// else returns a ConfigurationError. No numerical work happens before
// these checks pass.
func (ds *Dataset) Design() (*Design, error) {
	if ds == nil {
		return nil, &ConfigurationError{Field: "data", Reason: "nil dataset"}
	}
	if len(ds.Names) != len(ds.Columns) {
		return nil, &ConfigurationError{Field: "data", Reason: fmt.Sprintf("%d names for %d columns", len(ds.Names), len(ds.Columns))}
	}
	n := ds.NumRows()
	if n == 0 {
		return nil, &ConfigurationError{Field: "data", Reason: "empty table"}
	}
	for i, col := range ds.Columns {
		if len(col) != n {
			return nil, &ConfigurationError{Field: "data", Reason: fmt.Sprintf("column %q has %d rows, want %d", ds.Names[i], len(col), n)}
		}
	}
	if len(ds.Subject) != n {
		return nil, &ConfigurationError{Field: "data", Reason: fmt.Sprintf("%d subject labels for %d rows", len(ds.Subject), n)}
	}

	// Column roles by name prefix.
	var yIdx, xIdx, zIdx []int
	for i, name := range ds.Names {
		switch {
		case strings.HasPrefix(name, "y"):
			yIdx = append(yIdx, i)
		case strings.HasPrefix(name, "X"):
			xIdx = append(xIdx, i)
		case strings.HasPrefix(name, "Z"):
			zIdx = append(zIdx, i)
		}
	}
	if len(yIdx) != 1 {
		return nil, &ConfigurationError{Field: "data", Reason: fmt.Sprintf("want exactly one response column with prefix \"y\", found %d", len(yIdx))}
	}
	if len(xIdx) == 0 {
		return nil, &ConfigurationError{Field: "data", Reason: "no fixed-effect columns with prefix \"X\""}
	}

	// Subject blocks: contiguous runs of equal, ascending labels.
	var sizes, starts []int
	prev := ds.Subject[0]
	starts = append(starts, 0)
	run := 1
	for r := 1; r < n; r++ {
		label := ds.Subject[r]
		switch {
		case label == prev:
			run++
		case label > prev:
			sizes = append(sizes, run)
			starts = append(starts, r)
			run = 1
			prev = label
		default:
			return nil, &ConfigurationError{Field: "data", Reason: fmt.Sprintf("subject labels must be ascending, saw %d after %d at row %d", label, prev, r)}
		}
	}
	sizes = append(sizes, run)

	p := len(xIdx)
	q := len(zIdx) + 1

	y := make([]float64, n)
	copy(y, ds.Columns[yIdx[0]])

	x := mat.NewDense(n, p, nil)
	xNames := make([]string, p)
	for j, idx := range xIdx {
		x.SetCol(j, ds.Columns[idx])
		xNames[j] = ds.Names[idx]
	}

	z := mat.NewDense(n, q, nil)
	zNames := make([]string, q)
	zNames[0] = "(Intercept)"
	for r := 0; r < n; r++ {
		z.Set(r, 0, 1)
	}
	for j, idx := range zIdx {
		z.SetCol(j+1, ds.Columns[idx])
		zNames[j+1] = ds.Names[idx]
	}

	if rank := matrixRank(x); rank < p {
		return nil, &RankDeficiencyError{Design: "fixed", Cols: p, Rank: rank}
	}
	if rank := matrixRank(z); rank < q {
		return nil, &RankDeficiencyError{Design: "random", Cols: q, Rank: rank}
	}

	return &Design{
		Y:           y,
		X:           x,
		Z:           z,
		Sizes:       sizes,
		Starts:      starts,
		N:           n,
		P:           p,
		Q:           q,
		FixedNames:  xNames,
		RandomNames: zNames,
	}, nil
}

// matrixRank counts singular values above the standard threshold
// max(rows, cols)·ε·σmax.
func matrixRank(m *mat.Dense) int {
	var svd mat.SVD
	if !svd.Factorize(m, mat.SVDNone) {
		return 0
	}
	sv := svd.Values(nil)
	if len(sv) == 0 {
		return 0
	}
	rows, cols := m.Dims()
	dim := rows
	if cols > dim {
		dim = cols
	}
	tol := float64(dim) * machEps * sv[0]
	rank := 0
	for _, s := range sv {
		if s > tol {
			rank++
		}
	}
	return rank
}

const machEps = 2.220446049250313e-16
