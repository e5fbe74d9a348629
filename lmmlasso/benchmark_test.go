package lmmlasso

import (
	"fmt"
	"testing"

	"github.com/n0madic/go-lmm-elasticnet/lmmen"
)

func BenchmarkFitPerformance(b *testing.B) {
	ds, _, err := lmmen.Simulate(nil, 42)
	if err != nil {
		b.Fatalf("Simulate() error = %v", err)
	}

	for _, pen := range []float64{1, 10, 100} {
		b.Run(fmt.Sprintf("Fit_pen%g", pen), func(b *testing.B) {
			cfg := DefaultConfig()
			cfg.Penalty = pen

			b.ResetTimer()
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				if _, err := Fit(ds, cfg); err != nil {
					b.Fatalf("Fit() error = %v", err)
				}
			}
		})
	}
}

func BenchmarkCrossValidate(b *testing.B) {
	cfg := lmmen.DefaultSimConfig()
	cfg.Subjects = 15
	ds, _, err := lmmen.Simulate(cfg, 42)
	if err != nil {
		b.Fatalf("Simulate() error = %v", err)
	}

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := CrossValidate(ds, []float64{1, 10}, &CVConfig{Folds: 3}); err != nil {
			b.Fatalf("CrossValidate() error = %v", err)
		}
	}
}
