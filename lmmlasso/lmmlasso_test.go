package lmmlasso

import (
	"errors"
	"math"
	"reflect"
	"testing"

	"github.com/n0madic/go-lmm-elasticnet/lmmen"
)

func testData(t *testing.T) *lmmen.Dataset {
	t.Helper()
	ds, _, err := lmmen.Simulate(nil, 42)
	if err != nil {
		t.Fatalf("Simulate() error = %v", err)
	}
	return ds
}

func countNonzero(v []float64) int {
	n := 0
	for _, x := range v {
		if x != 0 {
			n++
		}
	}
	return n
}

func TestSoftThreshold(t *testing.T) {
	tests := []struct {
		z, t, want float64
	}{
		{3, 1, 2},
		{-3, 1, -2},
		{0.5, 1, 0},
		{-0.5, 1, 0},
		{1, 1, 0},
		{-1, 1, 0},
		{2, 0, 2},
		{-2, 0, -2},
		{0, 5, 0},
	}
	for _, tt := range tests {
		if got := softThreshold(tt.z, tt.t); got != tt.want {
			t.Errorf("softThreshold(%g, %g) = %g, want %g", tt.z, tt.t, got, tt.want)
		}
	}
}

func TestFitConfigErrors(t *testing.T) {
	ds := testData(t)

	tests := []struct {
		name string
		ds   *lmmen.Dataset
		cfg  *Config
	}{
		{name: "nil dataset", ds: nil, cfg: DefaultConfig()},
		{name: "negative penalty", ds: ds, cfg: &Config{Penalty: -1, Eps: 1e-4, MaxIter: 10, CDMaxIter: 10}},
		{name: "NaN penalty", ds: ds, cfg: &Config{Penalty: math.NaN(), Eps: 1e-4, MaxIter: 10, CDMaxIter: 10}},
		{name: "zero tolerance", ds: ds, cfg: &Config{Penalty: 1, Eps: 0, MaxIter: 10, CDMaxIter: 10}},
		{name: "zero iteration cap", ds: ds, cfg: &Config{Penalty: 1, Eps: 1e-4, MaxIter: 0, CDMaxIter: 10}},
		{name: "zero sweep cap", ds: ds, cfg: &Config{Penalty: 1, Eps: 1e-4, MaxIter: 10, CDMaxIter: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Fit(tt.ds, tt.cfg); !errors.Is(err, lmmen.ErrConfiguration) {
				t.Errorf("Fit() error = %v, want ErrConfiguration", err)
			}
		})
	}
}

func TestFitEndToEnd(t *testing.T) {
	ds := testData(t)
	cfg := DefaultConfig()
	cfg.Penalty = 5

	model, err := Fit(ds, cfg)
	if err != nil {
		t.Fatalf("Fit() error = %v", err)
	}

	if !model.Converged {
		t.Errorf("Fit() did not converge in %d iterations", model.Iterations)
	}
	if len(model.Beta) != 9 {
		t.Errorf("len(Beta) = %d, want 9", len(model.Beta))
	}
	if len(model.D) != 5 {
		t.Errorf("len(D) = %d, want 5", len(model.D))
	}
	for j, v := range model.D {
		if v < 0 {
			t.Errorf("D[%d] = %g, want ≥ 0", j, v)
		}
	}
	if model.Sigma2 <= 0 {
		t.Errorf("Sigma2 = %g, want > 0", model.Sigma2)
	}
	for j := 0; j < 3; j++ {
		if model.Beta[j] <= 0 {
			t.Errorf("Beta[%d] = %g, want the simulated signal recovered positive", j, model.Beta[j])
		}
	}
	if math.IsNaN(model.BIC) || math.IsInf(model.BIC, 0) {
		t.Errorf("BIC = %g, want finite", model.BIC)
	}
	if want := model.Deviance + float64(model.DF)*math.Log(float64(model.N)); math.Abs(model.BIC-want) > 1e-9 {
		t.Errorf("BIC = %v, want Deviance + DF·log(N) = %v", model.BIC, want)
	}
	if model.N != 150 || model.Subjects != 30 {
		t.Errorf("N = %d, Subjects = %d, want 150 and 30", model.N, model.Subjects)
	}
}

func TestFitDeterminism(t *testing.T) {
	ds := testData(t)
	cfg := DefaultConfig()
	cfg.Penalty = 5

	first, err := Fit(ds, cfg)
	if err != nil {
		t.Fatalf("Fit() error = %v", err)
	}
	second, err := Fit(ds, cfg)
	if err != nil {
		t.Fatalf("Fit() error = %v", err)
	}
	if !reflect.DeepEqual(first.Beta, second.Beta) {
		t.Errorf("Beta differs between identical fits: %v vs %v", first.Beta, second.Beta)
	}
	if !reflect.DeepEqual(first.D, second.D) {
		t.Errorf("D differs between identical fits: %v vs %v", first.D, second.D)
	}
	if first.BIC != second.BIC {
		t.Errorf("BIC differs between identical fits: %v vs %v", first.BIC, second.BIC)
	}
}

func TestPenaltyPathSparsity(t *testing.T) {
	ds := testData(t)

	grid := []float64{0, 5, 50, 500}
	prev := 10
	for _, pen := range grid {
		cfg := DefaultConfig()
		cfg.Penalty = pen
		model, err := Fit(ds, cfg)
		if err != nil {
			t.Fatalf("Fit(penalty=%g) error = %v", pen, err)
		}
		nnz := countNonzero(model.Beta)
		if nnz > prev {
			t.Errorf("penalty %g: %d nonzero coefficients, more than %d at the lighter penalty", pen, nnz, prev)
		}
		prev = nnz
	}
}

func TestLossMismatch(t *testing.T) {
	ds := testData(t)
	model, err := Fit(ds, DefaultConfig())
	if err != nil {
		t.Fatalf("Fit() error = %v", err)
	}

	cfg := lmmen.DefaultSimConfig()
	cfg.FixedVars = 3
	narrow, _, err := lmmen.Simulate(cfg, 1)
	if err != nil {
		t.Fatalf("Simulate() error = %v", err)
	}
	if _, err := model.Loss(narrow); !errors.Is(err, lmmen.ErrConfiguration) {
		t.Errorf("Loss() error = %v, want ErrConfiguration", err)
	}
}

func TestSplitBySubject(t *testing.T) {
	ds := testData(t)
	d, err := ds.Design()
	if err != nil {
		t.Fatalf("Design() error = %v", err)
	}

	const folds = 5
	totalTest := 0
	seen := make(map[int]bool)
	for k := 0; k < folds; k++ {
		train, test := splitBySubject(ds, d, k, folds)

		if got := len(train.Subject) + len(test.Subject); got != ds.NumRows() {
			t.Errorf("fold %d: split covers %d rows, want %d", k, got, ds.NumRows())
		}
		for _, part := range []*lmmen.Dataset{train, test} {
			for r := 1; r < len(part.Subject); r++ {
				if part.Subject[r] < part.Subject[r-1] {
					t.Fatalf("fold %d: subject labels out of order after split", k)
				}
			}
		}
		for _, s := range test.Subject {
			if seen[s] {
				t.Errorf("subject %d held out in more than one fold", s)
			}
		}
		for _, s := range test.Subject {
			seen[s] = true
		}
		totalTest += len(test.Subject)

		if _, err := train.Design(); err != nil {
			t.Errorf("fold %d: training split invalid: %v", k, err)
		}
		if _, err := test.Design(); err != nil {
			t.Errorf("fold %d: test split invalid: %v", k, err)
		}
	}
	if totalTest != ds.NumRows() {
		t.Errorf("test folds cover %d rows total, want %d", totalTest, ds.NumRows())
	}
}

func TestCrossValidate(t *testing.T) {
	ds := testData(t)
	grid := []float64{1, 50}

	res, err := CrossValidate(ds, grid, nil)
	if err != nil {
		t.Fatalf("CrossValidate() error = %v", err)
	}

	if res.Folds != 5 {
		t.Errorf("Folds = %d, want the default 5", res.Folds)
	}
	if len(res.MeanDeviance) != len(grid) || len(res.SEDeviance) != len(grid) {
		t.Fatalf("path lengths %d/%d, want %d", len(res.MeanDeviance), len(res.SEDeviance), len(grid))
	}
	if res.BestIndex < 0 || res.BestIndex >= len(grid) {
		t.Fatalf("BestIndex = %d out of range", res.BestIndex)
	}
	if res.BestPenalty != grid[res.BestIndex] {
		t.Errorf("BestPenalty = %g, want grid[%d] = %g", res.BestPenalty, res.BestIndex, grid[res.BestIndex])
	}
	for g := range grid {
		if math.IsNaN(res.MeanDeviance[g]) || res.SEDeviance[g] < 0 {
			t.Errorf("penalty %g: deviance %g ± %g malformed", grid[g], res.MeanDeviance[g], res.SEDeviance[g])
		}
		if res.MeanDeviance[res.BestIndex] > res.MeanDeviance[g] {
			t.Errorf("selected penalty %g has deviance %g above %g", res.BestPenalty, res.MeanDeviance[res.BestIndex], res.MeanDeviance[g])
		}
	}
	if res.Model == nil {
		t.Fatal("no refit model on the result")
	}
	if res.Model.Penalty != res.BestPenalty {
		t.Errorf("refit penalty = %g, want %g", res.Model.Penalty, res.BestPenalty)
	}

	again, err := CrossValidate(ds, grid, nil)
	if err != nil {
		t.Fatalf("CrossValidate() error = %v", err)
	}
	if !reflect.DeepEqual(res.MeanDeviance, again.MeanDeviance) {
		t.Errorf("cross-validation path not deterministic: %v vs %v", res.MeanDeviance, again.MeanDeviance)
	}
	if res.BestIndex != again.BestIndex {
		t.Errorf("selected index differs between identical runs: %d vs %d", res.BestIndex, again.BestIndex)
	}
}

func TestCrossValidateErrors(t *testing.T) {
	ds := testData(t)

	tests := []struct {
		name string
		ds   *lmmen.Dataset
		grid []float64
		cfg  *CVConfig
	}{
		{name: "nil dataset", ds: nil, grid: []float64{1}},
		{name: "empty grid", ds: ds, grid: nil},
		{name: "negative penalty", ds: ds, grid: []float64{1, -2}},
		{name: "NaN penalty", ds: ds, grid: []float64{math.NaN()}},
		{name: "single fold", ds: ds, grid: []float64{1}, cfg: &CVConfig{Folds: 1}},
		{name: "more folds than subjects", ds: ds, grid: []float64{1}, cfg: &CVConfig{Folds: 31}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := CrossValidate(tt.ds, tt.grid, tt.cfg); !errors.Is(err, lmmen.ErrConfiguration) {
				t.Errorf("CrossValidate() error = %v, want ErrConfiguration", err)
			}
		})
	}
}
