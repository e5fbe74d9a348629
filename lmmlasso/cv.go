package lmmlasso

import (
	"fmt"
	"log"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/n0madic/go-lmm-elasticnet/lmmen"
)

// CVConfig controls penalty selection by cross-validation.
type CVConfig struct {
	Folds  int         // number of subject folds, default 5
	Fit    *Config     // base fit settings; the penalty field is overridden per grid point
	Logger *log.Logger // optional progress log, nil silences
}

// CVResult records the cross-validation path and the refit at the
// selected penalty.
type CVResult struct {
	Penalties    []float64 // the evaluated grid, as given
	MeanDeviance []float64 // mean held-out deviance per penalty
	SEDeviance   []float64 // standard error of the fold deviances

	BestIndex   int     // grid index of the selected penalty
	BestPenalty float64 // shorthand for Penalties[BestIndex]
	Folds       int

	Model *Model // fit on the full data at the selected penalty
}

// CrossValidate evaluates the penalty grid on subject-stratified folds
// and refits on the full data at the penalty with the lowest mean
// held-out deviance. Subjects are assigned to folds round robin, so the
// split is deterministic. Ties select the earliest grid entry.
func CrossValidate(ds *lmmen.Dataset, grid []float64, cfg *CVConfig) (*CVResult, error) {
	if ds == nil {
		return nil, fmt.Errorf("lmmlasso: nil dataset: %w", lmmen.ErrConfiguration)
	}
	if len(grid) == 0 {
		return nil, fmt.Errorf("lmmlasso: empty penalty grid: %w", lmmen.ErrConfiguration)
	}
	for i, pen := range grid {
		if pen < 0 || math.IsNaN(pen) || math.IsInf(pen, 0) {
			return nil, fmt.Errorf("lmmlasso: penalty grid[%d] = %g must be nonnegative and finite: %w", i, pen, lmmen.ErrConfiguration)
		}
	}
	if cfg == nil {
		cfg = &CVConfig{}
	}
	folds := cfg.Folds
	if folds == 0 {
		folds = 5
	}
	base := cfg.Fit
	if base == nil {
		base = DefaultConfig()
	}

	d, err := ds.Design()
	if err != nil {
		return nil, err
	}
	m := d.NumSubjects()
	if folds < 2 {
		return nil, fmt.Errorf("lmmlasso: need at least 2 folds, got %d: %w", folds, lmmen.ErrConfiguration)
	}
	if folds > m {
		return nil, fmt.Errorf("lmmlasso: %d folds for %d subjects: %w", folds, m, lmmen.ErrConfiguration)
	}

	logf := func(format string, args ...any) {
		if cfg.Logger != nil {
			cfg.Logger.Printf(format, args...)
		}
	}

	trains := make([]*lmmen.Dataset, folds)
	tests := make([]*lmmen.Dataset, folds)
	for k := 0; k < folds; k++ {
		trains[k], tests[k] = splitBySubject(ds, d, k, folds)
	}

	means := make([]float64, len(grid))
	ses := make([]float64, len(grid))
	devs := make([]float64, folds)
	for g, pen := range grid {
		fitCfg := *base
		fitCfg.Penalty = pen
		fitCfg.Logger = nil
		for k := 0; k < folds; k++ {
			model, err := Fit(trains[k], &fitCfg)
			if err != nil {
				return nil, fmt.Errorf("lmmlasso: penalty %g fold %d: %w", pen, k, err)
			}
			dev, err := model.Loss(tests[k])
			if err != nil {
				return nil, fmt.Errorf("lmmlasso: penalty %g fold %d: %w", pen, k, err)
			}
			devs[k] = dev
		}
		means[g] = stat.Mean(devs, nil)
		ses[g] = stat.StdDev(devs, nil) / math.Sqrt(float64(folds))
		logf("penalty %g: deviance %.4f ± %.4f", pen, means[g], ses[g])
	}

	best := 0
	for g := 1; g < len(grid); g++ {
		if means[g] < means[best] {
			best = g
		}
	}

	finalCfg := *base
	finalCfg.Penalty = grid[best]
	model, err := Fit(ds, &finalCfg)
	if err != nil {
		return nil, err
	}
	logf("selected penalty %g (deviance %.4f), refit converged=%v", grid[best], means[best], model.Converged)

	return &CVResult{
		Penalties:    append([]float64(nil), grid...),
		MeanDeviance: means,
		SEDeviance:   ses,
		BestIndex:    best,
		BestPenalty:  grid[best],
		Folds:        folds,
		Model:        model,
	}, nil
}

// splitBySubject partitions the table into held-out subjects (those with
// index ≡ fold mod folds) and the training remainder, preserving row
// order so subject labels stay ascending.
func splitBySubject(ds *lmmen.Dataset, d *lmmen.Design, fold, folds int) (train, test *lmmen.Dataset) {
	train = emptyLike(ds)
	test = emptyLike(ds)
	for i := 0; i < d.NumSubjects(); i++ {
		dst := train
		if i%folds == fold {
			dst = test
		}
		s0, s1 := d.Starts[i], d.Starts[i]+d.Sizes[i]
		for c := range ds.Columns {
			dst.Columns[c] = append(dst.Columns[c], ds.Columns[c][s0:s1]...)
		}
		dst.Subject = append(dst.Subject, ds.Subject[s0:s1]...)
	}
	return train, test
}

func emptyLike(ds *lmmen.Dataset) *lmmen.Dataset {
	return &lmmen.Dataset{
		Names:   append([]string(nil), ds.Names...),
		Columns: make([][]float64, len(ds.Columns)),
		Subject: nil,
	}
}
