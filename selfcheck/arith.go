// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package selfcheck

import "fmt"

// Kind is the kind of data captured from a TPM.
type Kind int

const (
	Raw Kind = iota
	Channel
	Beam
	IntegratedChannel
	IntegratedBeam
)

func (k Kind) String() string {
	switch k {
	case Raw:
		return "raw"
	case Channel:
		return "channel"
	case Beam:
		return "beam"
	case IntegratedChannel:
		return "integrated channel"
	case IntegratedBeam:
		return "integrated beam"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// width describes how a kind of data is stored by the firmware:
// values are truncated to bits, and the most negative value is a
// saturation flag sign-extended to ext bits.
type width struct {
	bits int
	ext  int
}

var widths = [...]width{
	Raw:               {8, 8},
	Channel:           {8, 8},
	Beam:              {12, 16},
	IntegratedChannel: {8, 8},
	IntegratedBeam:    {12, 12},
}

func (k Kind) valid() bool {
	return k >= Raw && k <= IntegratedBeam
}

func (k Kind) width() width {
	if !k.valid() {
		panic(fmt.Errorf("selfcheck: unknown data kind %v", k))
	}
	return widths[k]
}

// Signed truncates v to the storage width of k and interprets the result
// as a two's complement value.
// The most negative storage value is reported as the most negative value
// of the extended width.
func Signed(v int64, k Kind) int64 {
	w := k.width()
	mask := int64(1)<<w.bits - 1
	v &= mask
	if v >= 1<<(w.bits-1) {
		v -= 1 << w.bits
	}
	if v == -(1<<(w.bits-1)) && w.ext > w.bits {
		return -(1 << (w.ext - 1))
	}
	return v
}

// Unsigned encodes v into the storage width of k. It is the inverse of
// Signed over the range of values Signed can return.
func Unsigned(v int64, k Kind) int64 {
	w := k.width()
	if w.ext > w.bits && v == -(1<<(w.ext-1)) {
		return 1 << (w.bits - 1)
	}
	return v & (1<<w.bits - 1)
}

// Range returns the smallest and largest values Signed can return for k,
// saturation flag excluded.
func Range(k Kind) (lo, hi int64) {
	w := k.width()
	hi = 1<<(w.bits-1) - 1
	lo = -hi
	if w.ext == w.bits {
		lo--
	}
	return lo, hi
}

// Saturation returns the value Signed uses to flag a saturated sample of k.
func Saturation(k Kind) int64 {
	w := k.width()
	return -(1 << (w.ext - 1))
}

// ShiftRound shifts v right by bits, rounding half away from zero.
// The most negative value of a maxWidth-bit word flags a saturation and is
// returned unchanged. A non-positive maxWidth disables the saturation check
// and v is returned unchanged when bits is not positive.
func ShiftRound(v int64, bits, maxWidth int) int64 {
	switch {
	case bits <= 0:
		return v
	case maxWidth > 0 && v == -(1<<(maxWidth-1)):
		return v
	}
	half := int64(1) << (bits - 1)
	if v >= 0 {
		return (v + half) >> bits
	}
	return (v + half - 1) >> bits
}

// IntegratedSamplePower returns the power of the complex sample (re, im)
// accumulated over n spectra, rounded by roundBits.
func IntegratedSamplePower(re, im, n int64, roundBits, maxWidth int) int64 {
	return ShiftRound((re*re+im*im)*n, roundBits, maxWidth)
}
