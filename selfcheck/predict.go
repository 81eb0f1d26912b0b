// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package selfcheck

// Pattern is the configuration of a TPM pattern generator.
type Pattern struct {
	Values []int // pattern, repeated by the generator
	Adders []int // per-signal offsets, indexed by 2*antenna+pol
}

func (p Pattern) validate() error {
	switch {
	case len(p.Values) == 0:
		return invalidf("empty pattern")
	case len(p.Adders) != NumSignals:
		return invalidf("got %d adders, want %d", len(p.Adders), NumSignals)
	}
	return nil
}

// value returns the generator output at sample index i of signal.
func (p Pattern) value(i, signal int) int64 {
	return int64(p.Values[i%len(p.Values)]) + int64(p.Adders[signal])
}

// Geometry holds the firmware settings of the integrators.
type Geometry struct {
	IntegrationLength int64 // number of accumulated spectra
	RoundBits         int   // right shift applied to the accumulated power
	MaxWidth          int   // width of the accumulator output, in bits
}

// DefaultGeometry is the integrator setting used by the self-check runs.
var DefaultGeometry = Geometry{IntegrationLength: 1, RoundBits: 0, MaxWidth: 32}

func (g Geometry) validate() error {
	switch {
	case g.IntegrationLength <= 0:
		return invalidf("integration length %d", g.IntegrationLength)
	case g.MaxWidth <= 0 || g.MaxWidth > 63:
		return invalidf("accumulator width %d", g.MaxWidth)
	case g.RoundBits < 0 || g.RoundBits >= g.MaxWidth:
		return invalidf("round bits %d", g.RoundBits)
	}
	return nil
}

// Predict returns the value the signal chain produces at c for data of
// kind k, when fed by the pattern generator configured with p.
func Predict(p Pattern, g Geometry, k Kind, c Coord) int64 {
	switch k {
	case Raw:
		return Signed(p.value(c.Sample, signal(c.Antenna, c.Pol)), Raw)
	case Channel:
		return channel(p, c, Channel)
	case Beam:
		return beam(p, c, Beam)
	case IntegratedChannel:
		re, im := c, c
		re.Complex, im.Complex = 0, 1
		return IntegratedSamplePower(
			channel(p, re, IntegratedChannel), channel(p, im, IntegratedChannel),
			g.IntegrationLength, g.RoundBits, g.MaxWidth,
		)
	case IntegratedBeam:
		re, im := c, c
		re.Complex, im.Complex = 0, 1
		return IntegratedSamplePower(
			beam(p, re, IntegratedBeam), beam(p, im, IntegratedBeam),
			g.IntegrationLength, g.RoundBits, g.MaxWidth,
		)
	}
	panic(invalidf("data kind %v", k))
}

func signal(antenna, pol int) int {
	return 2*antenna + pol
}

// channel predicts a channelised sample: the channeliser stage of the
// generator emits the pattern as (re, im) pairs, one per channel.
func channel(p Pattern, c Coord, k Kind) int64 {
	i := 2*c.Channel + c.Complex
	return Signed(p.value(i, signal(c.Antenna, c.Pol)), k)
}

// beam predicts a beamformed sample: the sum of the contributions of both
// FPGAs, each carrying a pair of channels per pattern quadruplet.
func beam(p Pattern, c Coord, k Kind) int64 {
	var sum int64
	for f := 0; f < NumFPGAs; f++ {
		i := 4*(c.Channel/2) + 2*c.Pol + c.Complex
		s := 16*f + 2*(c.Channel%2) + c.Pol
		sum += Signed(p.value(i, s), k)
	}
	return sum
}

// Expected returns the dataset the signal chain produces for the given
// layout, when fed by the pattern generator configured with p.
func Expected(p Pattern, g Geometry, kind Kind, axes []Axis, shape []int, firstChannel int) (*Dataset, error) {
	err := p.validate()
	if err != nil {
		return nil, err
	}
	err = g.validate()
	if err != nil {
		return nil, err
	}
	ds, err := NewDataset(kind, axes, shape)
	if err != nil {
		return nil, err
	}
	ds.FirstChannel = firstChannel
	err = ds.validate()
	if err != nil {
		return nil, err
	}
	_ = ds.walk(func(i int, c Coord) error {
		ds.Data[i] = Predict(p, g, kind, c)
		return nil
	})
	return ds, nil
}
