// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package selfcheck

import (
	"errors"
	"fmt"
	"strings"
)

const (
	NumAntennas     = 16
	NumPols         = 2
	NumSignals      = NumAntennas * NumPols
	NumFPGAs        = 2
	NumChannels     = 512
	NumBeamChannels = 384
)

var (
	ErrMismatch = errors.New("selfcheck: mismatch")
	ErrInvalid  = errors.New("selfcheck: invalid input")
)

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...)
}

// Axis names a dimension of a captured dataset.
type Axis string

const (
	AxisTile    Axis = "tile"
	AxisAntenna Axis = "antenna"
	AxisPol     Axis = "pol"
	AxisChannel Axis = "channel"
	AxisSample  Axis = "sample"
	AxisComplex Axis = "complex" // 0: real part, 1: imaginary part
)

type layout struct {
	required []Axis
	optional []Axis
}

var layouts = [...]layout{
	Raw:               {[]Axis{AxisAntenna, AxisPol, AxisSample}, []Axis{AxisTile}},
	Channel:           {[]Axis{AxisChannel, AxisAntenna, AxisPol, AxisComplex}, []Axis{AxisTile, AxisSample}},
	Beam:              {[]Axis{AxisChannel, AxisPol, AxisComplex}, []Axis{AxisTile, AxisSample}},
	IntegratedChannel: {[]Axis{AxisChannel, AxisAntenna, AxisPol}, []Axis{AxisTile, AxisSample}},
	IntegratedBeam:    {[]Axis{AxisChannel, AxisPol}, []Axis{AxisTile, AxisSample}},
}

// Coord locates a value in the signal chain.
type Coord struct {
	Tile    int
	Antenna int
	Pol     int
	Channel int
	Sample  int
	Complex int
}

func (c *Coord) at(ax Axis) *int {
	switch ax {
	case AxisTile:
		return &c.Tile
	case AxisAntenna:
		return &c.Antenna
	case AxisPol:
		return &c.Pol
	case AxisChannel:
		return &c.Channel
	case AxisSample:
		return &c.Sample
	case AxisComplex:
		return &c.Complex
	}
	panic(fmt.Errorf("selfcheck: unknown axis %q", ax))
}

// Get returns the coordinate along ax.
func (c Coord) Get(ax Axis) int {
	return *c.at(ax)
}

// Dataset is a captured array of values, stored in row-major order.
type Dataset struct {
	Kind  Kind
	Axes  []Axis
	Shape []int
	Data  []int64

	// FirstChannel is the channel of the first index along AxisChannel.
	FirstChannel int
}

// NewDataset returns a zero-valued dataset of the given kind and layout.
func NewDataset(kind Kind, axes []Axis, shape []int) (*Dataset, error) {
	ds := &Dataset{
		Kind:  kind,
		Axes:  append([]Axis(nil), axes...),
		Shape: append([]int(nil), shape...),
	}
	n := 1
	for _, v := range shape {
		n *= v
	}
	if n > 0 {
		ds.Data = make([]int64, n)
	}
	err := ds.validate()
	if err != nil {
		return nil, err
	}
	return ds, nil
}

func (ds *Dataset) validate() error {
	if !ds.Kind.valid() {
		return invalidf("data kind %v", ds.Kind)
	}
	if ds.FirstChannel < 0 {
		return invalidf("first channel %d", ds.FirstChannel)
	}
	if len(ds.Axes) != len(ds.Shape) {
		return invalidf("%d axes for a %d-dimensional shape", len(ds.Axes), len(ds.Shape))
	}

	lay := layouts[ds.Kind]
	seen := make(map[Axis]bool, len(ds.Axes))
	n := 1
	for i, ax := range ds.Axes {
		if seen[ax] {
			return invalidf("duplicate axis %q", ax)
		}
		if !contains(lay.required, ax) && !contains(lay.optional, ax) {
			return invalidf("axis %q is not an axis of %v data", ax, ds.Kind)
		}
		seen[ax] = true
		if ds.Shape[i] <= 0 {
			return invalidf("axis %q has length %d", ax, ds.Shape[i])
		}
		if lim := ds.limit(ax); lim > 0 && ds.Shape[i]+ds.offset(ax) > lim {
			return invalidf("axis %q [%d, %d) beyond %d", ax, ds.offset(ax), ds.offset(ax)+ds.Shape[i], lim)
		}
		n *= ds.Shape[i]
	}
	for _, ax := range lay.required {
		if !seen[ax] {
			return invalidf("%v data without %q axis", ds.Kind, ax)
		}
	}
	if n != len(ds.Data) {
		return invalidf("shape %v holds %d values, got %d", ds.Shape, n, len(ds.Data))
	}
	return nil
}

func (ds *Dataset) offset(ax Axis) int {
	if ax == AxisChannel {
		return ds.FirstChannel
	}
	return 0
}

// limit returns the number of valid coordinates along ax, or 0 when
// unbounded.
func (ds *Dataset) limit(ax Axis) int {
	switch ax {
	case AxisAntenna:
		return NumAntennas
	case AxisPol:
		return NumPols
	case AxisComplex:
		return 2
	case AxisChannel:
		switch ds.Kind {
		case Beam, IntegratedBeam:
			return NumBeamChannels
		}
		return NumChannels
	}
	return 0
}

// walk calls f with the coordinate of each value, in storage order.
// It stops at the first error.
func (ds *Dataset) walk(f func(i int, c Coord) error) error {
	idx := make([]int, len(ds.Shape))
	for i := range ds.Data {
		var c Coord
		for k, ax := range ds.Axes {
			*c.at(ax) = idx[k] + ds.offset(ax)
		}
		err := f(i, c)
		if err != nil {
			return err
		}
		for k := len(idx) - 1; k >= 0; k-- {
			idx[k]++
			if idx[k] < ds.Shape[k] {
				break
			}
			idx[k] = 0
		}
	}
	return nil
}

// Coord returns the coordinate of the i-th stored value.
func (ds *Dataset) Coord(i int) Coord {
	var c Coord
	for k := len(ds.Axes) - 1; k >= 0; k-- {
		ax := ds.Axes[k]
		*c.at(ax) = i%ds.Shape[k] + ds.offset(ax)
		i /= ds.Shape[k]
	}
	return c
}

func (ds *Dataset) format(c Coord) string {
	o := new(strings.Builder)
	o.WriteString("(")
	for i, ax := range ds.Axes {
		if i > 0 {
			o.WriteString(", ")
		}
		fmt.Fprintf(o, "%s=%d", ax, c.Get(ax))
	}
	o.WriteString(")")
	return o.String()
}

func contains(axes []Axis, ax Axis) bool {
	for _, v := range axes {
		if v == ax {
			return true
		}
	}
	return false
}
