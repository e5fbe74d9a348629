package lmmen

import (
	"fmt"
	"math"
)

// penaltyBounds holds the absolute penalty budgets derived once per fit and
// held fixed for the whole optimization.
type penaltyBounds struct {
	l1Beta   float64 // L1 budget on the fixed effects
	l1Lambda float64 // L1 budget on the covariance scales
	l2Beta   float64 // ridge weight on the fixed-effect block
	l2Lambda float64 // ridge weight on the scale block
}

// l2Scale keeps the derived ridge weights on a numerical footing comparable
// to the cross-product terms they augment.
const l2Scale = 1e4

// translateBounds converts the fraction vector (fβ, fλ, αβ, αλ) into
// absolute bounds. The L1 budgets scale against the total magnitude of the
// warm start (for β) and of the all-ones initial scale (for λ); the ridge
// weights follow the elastic-net identity L2 = L1·(1-α)/α.
func translateBounds(fracs [4]float64, warm []float64, q int) (penaltyBounds, error) {
	for i, f := range fracs {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return penaltyBounds{}, &ConfigurationError{
				Field:  fmt.Sprintf("fractions[%d]", i),
				Reason: "must be finite",
			}
		}
	}
	for i := 2; i < 4; i++ {
		if fracs[i] <= 0 || fracs[i] > 1 {
			return penaltyBounds{}, &ConfigurationError{
				Field:  fmt.Sprintf("fractions[%d]", i),
				Reason: fmt.Sprintf("mixing ratio must be in (0,1], got %g", fracs[i]),
			}
		}
	}

	sumWarm := 0.0
	for _, w := range warm {
		sumWarm += math.Abs(w)
	}

	b := penaltyBounds{
		l1Beta:   fracs[0] * sumWarm,
		l1Lambda: fracs[1] * float64(q),
	}
	b.l2Beta = l2Scale * b.l1Beta * (1 - fracs[2]) / fracs[2]
	b.l2Lambda = l2Scale * b.l1Lambda * (1 - fracs[3]) / fracs[3]
	return b, nil
}
