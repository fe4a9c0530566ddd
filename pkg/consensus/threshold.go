package consensus

import (
	"fmt"
	"math"
)

// Threshold is a supermajority expressed as an exact fraction so that vote
// counting never depends on float rounding.
type Threshold struct {
	Num int `json:"num"`
	Den int `json:"den"`
}

// TwoThirds is the default supermajority.
var TwoThirds = Threshold{Num: 2, Den: 3}

// ParseThreshold converts a configured fraction such as 0.67 to the simplest
// fraction within 0.005 of it, so 0.67 means two thirds and 0.75 three
// quarters. Fractions with no small denominator are kept to three decimals.
func ParseThreshold(fraction float64) (Threshold, error) {
	if math.IsNaN(fraction) || fraction <= 0 || fraction > 1 {
		return Threshold{}, fmt.Errorf("threshold fraction %v out of range (0,1]", fraction)
	}
	for den := 1; den <= 12; den++ {
		num := int(math.Round(fraction * float64(den)))
		if num == 0 {
			continue
		}
		if math.Abs(float64(num)/float64(den)-fraction) <= 0.005 {
			return Threshold{Num: num, Den: den}.reduce(), nil
		}
	}
	return Threshold{Num: int(math.Round(fraction * 1000)), Den: 1000}.reduce(), nil
}

// Required returns the number of agreeing instances, out of n, needed for a
// value to resolve: at least Num/Den of them, and never fewer than one.
// It is ceil(n*Num/Den), so support equal to exactly 2/3 of 3, 6 or 9
// voters resolves; a strict "more than floor(2n/3)" rule would not.
func (t Threshold) Required(n int) int {
	if n <= 0 {
		return 1
	}
	req := (n*t.Num + t.Den - 1) / t.Den
	if req < 1 {
		req = 1
	}
	return req
}

// Float returns the fraction as a float for display.
func (t Threshold) Float() float64 {
	if t.Den == 0 {
		return 0
	}
	return float64(t.Num) / float64(t.Den)
}

func (t Threshold) String() string {
	return fmt.Sprintf("%d/%d", t.Num, t.Den)
}

func (t Threshold) reduce() Threshold {
	a, b := t.Num, t.Den
	for b != 0 {
		a, b = b, a%b
	}
	if a == 0 {
		return t
	}
	return Threshold{Num: t.Num / a, Den: t.Den / a}
}
