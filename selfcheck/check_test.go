// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package selfcheck

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func testPattern() Pattern {
	p := Pattern{
		Values: make([]int, 1024),
		Adders: make([]int, NumSignals),
	}
	for i := range p.Values {
		p.Values[i] = 10 * (i + 1)
	}
	return p
}

func TestCheckChannelScenario(t *testing.T) {
	p := testPattern()
	axes := []Axis{AxisChannel, AxisAntenna, AxisPol, AxisComplex}
	shape := []int{1, 1, 1, 2}

	ds, err := NewDataset(Channel, axes, shape)
	if err != nil {
		t.Fatalf("could not create dataset: %+v", err)
	}
	copy(ds.Data, []int64{10, 20})
	err = Check(p, DefaultGeometry, ds)
	if err != nil {
		t.Fatalf("unexpected mismatch: %+v", err)
	}

	ds.Data[0] = 11
	err = Check(p, DefaultGeometry, ds)
	if !errors.Is(err, ErrMismatch) {
		t.Fatalf("invalid error: got=%+v, want=%v", err, ErrMismatch)
	}
	var mis *Mismatch
	if !errors.As(err, &mis) {
		t.Fatalf("invalid error type %T", err)
	}
	if got, want := mis.Coord, (Coord{}); got != want {
		t.Fatalf("invalid coordinate: got=%+v, want=%+v", got, want)
	}
	if mis.Expected != 10 || mis.Actual != 11 {
		t.Fatalf("invalid values: expected=%d, actual=%d", mis.Expected, mis.Actual)
	}
	want := "selfcheck: channel data mismatch at (channel=0, antenna=0, pol=0, complex=0): expected=10, actual=11"
	if got := err.Error(); got != want {
		t.Fatalf("invalid error message:\ngot= %q\nwant=%q", got, want)
	}
}

func TestPredict(t *testing.T) {
	p := testPattern()
	for i := range p.Adders {
		p.Adders[i] = i
	}
	g := Geometry{IntegrationLength: 4, RoundBits: 2, MaxWidth: 32}

	for _, tc := range []struct {
		name string
		k    Kind
		c    Coord
		want int64
	}{
		{"raw", Raw, Coord{Antenna: 1, Pol: 1, Sample: 2}, Signed(30+3, Raw)},
		{"raw-wrap", Raw, Coord{Sample: 1025}, Signed(20, Raw)},
		{"channel-re", Channel, Coord{Channel: 3, Antenna: 2, Pol: 0}, Signed(70+4, Channel)},
		{"channel-im", Channel, Coord{Channel: 3, Antenna: 2, Pol: 1, Complex: 1}, Signed(80+5, Channel)},
		{
			"beam-even", Beam, Coord{Channel: 2, Pol: 1},
			Signed(70+1, Beam) + Signed(70+17, Beam),
		},
		{
			"beam-odd", Beam, Coord{Channel: 3, Pol: 0, Complex: 1},
			Signed(60+2, Beam) + Signed(60+18, Beam),
		},
		{
			"integrated-channel", IntegratedChannel, Coord{Channel: 0, Antenna: 0, Pol: 0},
			IntegratedSamplePower(10, 20, 4, 2, 32),
		},
		{
			"integrated-beam", IntegratedBeam, Coord{Channel: 0, Pol: 0},
			IntegratedSamplePower(10+0+10+16, 20+0+20+16, 4, 2, 32),
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := Predict(p, g, tc.k, tc.c); got != tc.want {
				t.Fatalf("invalid prediction: got=%d, want=%d", got, tc.want)
			}
		})
	}
}

func TestCheckExpected(t *testing.T) {
	p := testPattern()
	for i := range p.Adders {
		p.Adders[i] = 3 * i
	}
	g := Geometry{IntegrationLength: 1000, RoundBits: 8, MaxWidth: 32}

	for _, tc := range []struct {
		kind  Kind
		axes  []Axis
		shape []int
		first int
	}{
		{Raw, []Axis{AxisAntenna, AxisPol, AxisSample}, []int{16, 2, 2048}, 0},
		{Raw, []Axis{AxisTile, AxisAntenna, AxisPol, AxisSample}, []int{2, 16, 2, 64}, 0},
		{Channel, []Axis{AxisChannel, AxisAntenna, AxisPol, AxisSample, AxisComplex}, []int{512, 16, 2, 4, 2}, 0},
		{Channel, []Axis{AxisAntenna, AxisPol, AxisChannel, AxisComplex}, []int{16, 2, 64, 2}, 64},
		{Beam, []Axis{AxisPol, AxisChannel, AxisSample, AxisComplex}, []int{2, 384, 8, 2}, 0},
		{IntegratedChannel, []Axis{AxisAntenna, AxisPol, AxisChannel}, []int{16, 2, 512}, 0},
		{IntegratedBeam, []Axis{AxisPol, AxisChannel}, []int{2, 128}, 256},
	} {
		t.Run(tc.kind.String(), func(t *testing.T) {
			ds, err := Expected(p, g, tc.kind, tc.axes, tc.shape, tc.first)
			if err != nil {
				t.Fatalf("could not predict dataset: %+v", err)
			}
			err = Check(p, g, ds)
			if err != nil {
				t.Fatalf("could not check predicted dataset: %+v", err)
			}

			// corrupt the last value.
			i := len(ds.Data) - 1
			ds.Data[i]++
			err = Check(p, g, ds)
			var mis *Mismatch
			if !errors.As(err, &mis) {
				t.Fatalf("invalid error: got=%+v, want a mismatch", err)
			}
			if got, want := mis.Coord, ds.Coord(i); got != want {
				t.Fatalf("invalid coordinate: got=%+v, want=%+v", got, want)
			}
			if mis.Actual != mis.Expected+1 {
				t.Fatalf("invalid values: expected=%d, actual=%d", mis.Expected, mis.Actual)
			}
		})
	}
}

func TestCheckFailFast(t *testing.T) {
	p := testPattern()
	ds, err := Expected(p, DefaultGeometry, Raw, []Axis{AxisAntenna, AxisPol, AxisSample}, []int{16, 2, 8}, 0)
	if err != nil {
		t.Fatalf("could not predict dataset: %+v", err)
	}
	ds.Data[20]++
	ds.Data[10]++

	err = Check(p, DefaultGeometry, ds)
	var mis *Mismatch
	if !errors.As(err, &mis) {
		t.Fatalf("invalid error: got=%+v, want a mismatch", err)
	}
	if got, want := mis.Coord, (Coord{Antenna: 0, Pol: 1, Sample: 2}); got != want {
		t.Fatalf("invalid coordinate: got=%+v, want=%+v", got, want)
	}
}

func TestCheckInvalid(t *testing.T) {
	p := testPattern()
	for _, tc := range []struct {
		name string
		p    Pattern
		g    Geometry
		ds   *Dataset
		want string
	}{
		{
			name: "empty-pattern",
			p:    Pattern{Adders: p.Adders},
			g:    DefaultGeometry,
			ds:   &Dataset{Kind: Raw, Axes: []Axis{AxisAntenna, AxisPol, AxisSample}, Shape: []int{1, 1, 1}, Data: []int64{0}},
			want: "empty pattern",
		},
		{
			name: "adders",
			p:    Pattern{Values: p.Values, Adders: p.Adders[:16]},
			g:    DefaultGeometry,
			ds:   &Dataset{Kind: Raw, Axes: []Axis{AxisAntenna, AxisPol, AxisSample}, Shape: []int{1, 1, 1}, Data: []int64{0}},
			want: "got 16 adders, want 32",
		},
		{
			name: "geometry",
			p:    p,
			g:    Geometry{},
			ds:   &Dataset{Kind: Raw, Axes: []Axis{AxisAntenna, AxisPol, AxisSample}, Shape: []int{1, 1, 1}, Data: []int64{0}},
			want: "integration length 0",
		},
		{
			name: "kind",
			p:    p,
			g:    DefaultGeometry,
			ds:   &Dataset{Kind: Kind(10)},
			want: "data kind Kind(10)",
		},
		{
			name: "missing-axis",
			p:    p,
			g:    DefaultGeometry,
			ds:   &Dataset{Kind: Channel, Axes: []Axis{AxisChannel, AxisAntenna, AxisPol}, Shape: []int{1, 1, 1}, Data: []int64{0}},
			want: `channel data without "complex" axis`,
		},
		{
			name: "foreign-axis",
			p:    p,
			g:    DefaultGeometry,
			ds:   &Dataset{Kind: Beam, Axes: []Axis{AxisAntenna, AxisChannel, AxisPol, AxisComplex}, Shape: []int{1, 1, 1, 2}, Data: []int64{0, 0}},
			want: `axis "antenna" is not an axis of beam data`,
		},
		{
			name: "duplicate-axis",
			p:    p,
			g:    DefaultGeometry,
			ds:   &Dataset{Kind: Raw, Axes: []Axis{AxisAntenna, AxisPol, AxisPol}, Shape: []int{1, 1, 1}, Data: []int64{0}},
			want: `duplicate axis "pol"`,
		},
		{
			name: "shape",
			p:    p,
			g:    DefaultGeometry,
			ds:   &Dataset{Kind: Raw, Axes: []Axis{AxisAntenna, AxisPol, AxisSample}, Shape: []int{1, 1, 2}, Data: []int64{0}},
			want: "shape [1 1 2] holds 2 values, got 1",
		},
		{
			name: "beam-channels",
			p:    p,
			g:    DefaultGeometry,
			ds:   &Dataset{Kind: Beam, Axes: []Axis{AxisChannel, AxisPol, AxisComplex}, Shape: []int{8, 1, 1}, Data: make([]int64, 8), FirstChannel: 380},
			want: `axis "channel" [380, 388) beyond 384`,
		},
		{
			name: "antennas",
			p:    p,
			g:    DefaultGeometry,
			ds:   &Dataset{Kind: Raw, Axes: []Axis{AxisAntenna, AxisPol, AxisSample}, Shape: []int{17, 1, 1}, Data: make([]int64, 17)},
			want: `axis "antenna" [0, 17) beyond 16`,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := Check(tc.p, tc.g, tc.ds)
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("invalid error: got=%+v, want=%v", err, ErrInvalid)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("invalid error message:\ngot= %q\nwant=%q", err.Error(), tc.want)
			}
		})
	}
}

func TestCheckAll(t *testing.T) {
	p := testPattern()
	g := DefaultGeometry

	var dss []*Dataset
	for _, kind := range kinds {
		axes := append([]Axis(nil), layouts[kind].required...)
		shape := make([]int, len(axes))
		for i, ax := range axes {
			shape[i] = 2
			if ax == AxisSample {
				shape[i] = 16
			}
		}
		ds, err := Expected(p, g, kind, axes, shape, 0)
		if err != nil {
			t.Fatalf("could not predict %v dataset: %+v", kind, err)
		}
		dss = append(dss, ds)
	}

	err := CheckAll(context.Background(), p, g, dss...)
	if err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}

	dss[2].Data[3] = -dss[2].Data[3] - 1
	err = CheckAll(context.Background(), p, g, dss...)
	if !errors.Is(err, ErrMismatch) {
		t.Fatalf("invalid error: got=%+v, want=%v", err, ErrMismatch)
	}
	if !strings.Contains(err.Error(), "beam dataset 2") {
		t.Fatalf("invalid error message: %q", err.Error())
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = CheckAll(ctx, p, g, dss[0])
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("invalid error: got=%+v, want=%v", err, context.Canceled)
	}
}
