// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package selfcheck

import (
	"fmt"
	"math"
)

// DefaultTolerance is the largest difference, in raw units, accepted
// between a corrected value and its expectation.
const DefaultTolerance = 2

// Expectation returns the value expected at c after a correction, given
// the uncorrected reference value ref.
type Expectation func(c Coord, ref int64) int64

// Identity expects corrected values equal to the reference ones, as after
// a pointing delay that compensates an injected delay.
func Identity(c Coord, ref int64) int64 { return ref }

// Scale expects reference values scaled by gain, as after the application
// of a real calibration coefficient.
func Scale(gain float64) Expectation {
	return func(c Coord, ref int64) int64 {
		return int64(math.Round(float64(ref) * gain))
	}
}

// Rotate expects complex reference values multiplied by gain.
// Both datasets must carry an AxisComplex axis: the real and imaginary
// parts of a sample are looked up through the partner coordinate.
func Rotate(ref *Dataset, gain complex128) (Expectation, error) {
	k := -1
	for i, ax := range ref.Axes {
		if ax == AxisComplex {
			k = i
		}
	}
	if k < 0 {
		return nil, invalidf("%v data without %q axis", ref.Kind, AxisComplex)
	}
	stride := 1
	for _, n := range ref.Shape[k+1:] {
		stride *= n
	}
	index := func(c Coord) int {
		i := 0
		for j, ax := range ref.Axes {
			i = i*ref.Shape[j] + c.Get(ax) - ref.offset(ax)
		}
		return i
	}
	return func(c Coord, v int64) int64 {
		i := index(c)
		var z complex128
		switch c.Complex {
		case 0:
			z = complex(float64(v), float64(ref.Data[i+stride]))
			return int64(math.Round(real(z * gain)))
		default:
			z = complex(float64(ref.Data[i-stride]), float64(v))
			return int64(math.Round(imag(z * gain)))
		}
	}, nil
}

// CheckCorrection verifies that the corrected dataset matches the
// expectation derived from the reference dataset, within tol raw units.
// Corrections go through fixed-point firmware arithmetic and are not
// expected to be bit-exact.
func CheckCorrection(reference, corrected *Dataset, expect Expectation, tol int64) error {
	for _, ds := range []*Dataset{reference, corrected} {
		err := ds.validate()
		if err != nil {
			return err
		}
	}
	if err := sameLayout(reference, corrected); err != nil {
		return err
	}
	if tol < 0 {
		return invalidf("tolerance %d", tol)
	}

	return corrected.walk(func(i int, c Coord) error {
		want := expect(c, reference.Data[i])
		got := corrected.Data[i]
		if d := got - want; d > tol || d < -tol {
			return &Mismatch{
				Kind:     corrected.Kind,
				Coord:    c,
				Expected: want,
				Actual:   got,
				where:    corrected.format(c) + fmt.Sprintf(" (tolerance=%d)", tol),
			}
		}
		return nil
	})
}

func sameLayout(a, b *Dataset) error {
	switch {
	case a.Kind != b.Kind:
		return invalidf("%v reference for %v data", a.Kind, b.Kind)
	case a.FirstChannel != b.FirstChannel:
		return invalidf("first channel %d and %d", a.FirstChannel, b.FirstChannel)
	case len(a.Axes) != len(b.Axes):
		return invalidf("axes %v and %v", a.Axes, b.Axes)
	}
	for i := range a.Axes {
		if a.Axes[i] != b.Axes[i] || a.Shape[i] != b.Shape[i] {
			return invalidf("layouts %v%v and %v%v", a.Axes, a.Shape, b.Axes, b.Shape)
		}
	}
	return nil
}
