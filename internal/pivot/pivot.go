// Package pivot derives the seven floor-trader levels (pivot, R1-R3, S1-S3)
// from one OHLC bar.
package pivot

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"pivot-signals/internal/model"
)

// ErrInvalidBar is returned when the source bar is inverted or incomplete.
var ErrInvalidBar = errors.New("pivot: invalid bar")

var (
	two   = decimal.NewFromInt(2)
	three = decimal.NewFromInt(3)
)

// Calculate computes the level set of session s from bar. It is a pure
// function: on error no partial set is returned.
//
//	pivot = (H+L+C)/3
//	R1 = 2P - L        S1 = 2P - H
//	R2 = P + (H-L)     S2 = P - (H-L)
//	R3 = H + 2(P-L)    S3 = L - 2(H-P)
//
// Every value is rounded to 2 decimals, half away from zero.
func Calculate(s model.Session, bar model.OHLCBar, day, computedAt time.Time) (model.LevelSet, error) {
	if err := bar.Validate(); err != nil {
		return model.LevelSet{}, fmt.Errorf("%w: %v", ErrInvalidBar, err)
	}

	h := decimal.NewFromFloat(bar.High)
	l := decimal.NewFromFloat(bar.Low)
	c := decimal.NewFromFloat(bar.Close)

	p := h.Add(l).Add(c).Div(three)
	rng := h.Sub(l)

	r1 := two.Mul(p).Sub(l)
	s1 := two.Mul(p).Sub(h)
	r2 := p.Add(rng)
	s2 := p.Sub(rng)
	r3 := h.Add(two.Mul(p.Sub(l)))
	s3 := l.Sub(two.Mul(h.Sub(p)))

	return model.LevelSet{
		Session:    s,
		Day:        day,
		ComputedAt: computedAt,
		Source:     bar,
		Levels: []model.PriceLevel{
			{Key: model.Support(3, s), Value: Round2(s3)},
			{Key: model.Support(2, s), Value: Round2(s2)},
			{Key: model.Support(1, s), Value: Round2(s1)},
			{Key: model.Pivot(s), Value: Round2(p)},
			{Key: model.Resistance(1, s), Value: Round2(r1)},
			{Key: model.Resistance(2, s), Value: Round2(r2)},
			{Key: model.Resistance(3, s), Value: Round2(r3)},
		},
	}, nil
}

// Round2 rounds d to 2 decimals and returns it as float64.
func Round2(d decimal.Decimal) float64 {
	return d.Round(2).InexactFloat64()
}

// RoundPrice rounds a float price to 2 decimals.
func RoundPrice(v float64) float64 {
	return Round2(decimal.NewFromFloat(v))
}
