package optimizer

import "math"

// Numerical Recipes linear congruential constants. The 32-bit stream is
// identical on every platform, which keeps seeded searches reproducible.
const (
	lcgMultiplier = 1664525
	lcgIncrement  = 1013904223
	lcgModMask    = 0xFFFFFFFF
)

// lcg is the deterministic generator behind every suggestion.
type lcg struct {
	state uint64
}

func newLCG(seed int64) *lcg {
	return &lcg{state: uint64(seed) & lcgModMask}
}

func (l *lcg) next() uint32 {
	l.state = (l.state*lcgMultiplier + lcgIncrement) & lcgModMask
	return uint32(l.state)
}

// float returns a draw in [0, 1).
func (l *lcg) float() float64 {
	return float64(l.next()) / (1 << 32)
}

// intn returns a draw in [0, n).
func (l *lcg) intn(n int) int {
	return int(l.next() % uint32(n))
}

// norm returns a standard gaussian draw via Box-Muller.
func (l *lcg) norm() float64 {
	u := l.float()
	for u == 0 {
		u = l.float()
	}
	v := l.float()
	return math.Sqrt(-2*math.Log(u)) * math.Cos(2*math.Pi*v)
}
