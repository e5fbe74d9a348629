package lmmen

import (
	"fmt"
	"testing"
)

func BenchmarkFitPerformance(b *testing.B) {
	scenarios := []struct {
		subjects   int
		perSubject int
	}{
		{15, 4},
		{30, 5},
		{60, 5},
	}

	for _, sc := range scenarios {
		b.Run(fmt.Sprintf("Fit_m%d_n%d", sc.subjects, sc.perSubject), func(b *testing.B) {
			cfg := DefaultSimConfig()
			cfg.Subjects = sc.subjects
			cfg.PerSubject = sc.perSubject
			ds, _, err := Simulate(cfg, 42)
			if err != nil {
				b.Fatalf("Simulate() error = %v", err)
			}
			warm, err := OLSWarmStart(ds)
			if err != nil {
				b.Fatalf("OLSWarmStart() error = %v", err)
			}
			est, err := NewLMMEN()
			if err != nil {
				b.Fatalf("NewLMMEN() error = %v", err)
			}

			b.ResetTimer()
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				if _, err := est.Fit(ds, warm, [4]float64{0.8, 1, 1, 1}); err != nil {
					b.Fatalf("Fit() error = %v", err)
				}
			}
		})
	}
}

func BenchmarkSimulate(b *testing.B) {
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, _, err := Simulate(nil, uint64(i)); err != nil {
			b.Fatalf("Simulate() error = %v", err)
		}
	}
}
