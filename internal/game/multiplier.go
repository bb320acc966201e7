// Package game owns the round lifecycle: the single-writer scheduler, the
// in-memory bet book, and the multiplier growth curve.
package game

import (
	"math"
	"time"

	"github.com/evetabi/crash/internal/domain"
)

// Curve is the displayed multiplier growth m(t) = A·B^t, t in seconds since
// round start.  The curve is pure presentation and timing: the crash point
// comes from the fairness hash, the curve only decides WHEN it is reached.
// A and B must stay constant for a deployment.
type Curve struct {
	A float64 // initial multiplier, ≥ 1.0
	B float64 // growth base per second, > 1.0
}

// DefaultCurve doubles roughly every 10 seconds.
var DefaultCurve = Curve{A: 1.0024, B: 1.0718}

// X100At returns the displayed multiplier after elapsed time, in hundredths,
// never below 1.00×.
func (c Curve) X100At(elapsed time.Duration) uint64 {
	if elapsed < 0 {
		return domain.MultiplierDen
	}
	m := c.A * math.Pow(c.B, elapsed.Seconds())
	x := uint64(math.Round(m * domain.MultiplierDen))
	if x < domain.MultiplierDen {
		x = domain.MultiplierDen
	}
	return x
}

// CrashElapsed inverts the curve: the time at which m(t) reaches the crash
// multiplier.  Instant crashes (≤ A) return 0.
func (c Curve) CrashElapsed(crashX100 uint64) time.Duration {
	m := float64(crashX100) / domain.MultiplierDen
	if m <= c.A {
		return 0
	}
	t := math.Log(m/c.A) / math.Log(c.B)
	return time.Duration(t * float64(time.Second))
}
