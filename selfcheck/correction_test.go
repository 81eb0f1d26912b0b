// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package selfcheck

import (
	"errors"
	"strings"
	"testing"
)

func beamDatasets(t *testing.T) (ref, cor *Dataset) {
	t.Helper()
	axes := []Axis{AxisPol, AxisChannel, AxisComplex}
	shape := []int{2, 4, 2}
	var err error
	ref, err = NewDataset(Beam, axes, shape)
	if err != nil {
		t.Fatalf("could not create reference dataset: %+v", err)
	}
	cor, err = NewDataset(Beam, axes, shape)
	if err != nil {
		t.Fatalf("could not create corrected dataset: %+v", err)
	}
	for i := range ref.Data {
		ref.Data[i] = int64(10*i - 40)
	}
	return ref, cor
}

func TestCheckCorrectionScale(t *testing.T) {
	ref, cor := beamDatasets(t)
	for i, v := range ref.Data {
		cor.Data[i] = 2*v + int64(i%3) - 1 // firmware rounding noise
	}

	err := CheckCorrection(ref, cor, Scale(2), DefaultTolerance)
	if err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}

	err = CheckCorrection(ref, cor, Scale(2), 0)
	var mis *Mismatch
	if !errors.As(err, &mis) {
		t.Fatalf("invalid error: got=%+v, want a mismatch", err)
	}
	if mis.Coord != ref.Coord(0) {
		t.Fatalf("invalid coordinate: got=%+v, want=%+v", mis.Coord, ref.Coord(0))
	}
	if !strings.Contains(err.Error(), "(tolerance=0)") {
		t.Fatalf("invalid error message: %q", err.Error())
	}

	cor.Data[5] += 3
	err = CheckCorrection(ref, cor, Scale(2), DefaultTolerance)
	if !errors.As(err, &mis) {
		t.Fatalf("invalid error: got=%+v, want a mismatch", err)
	}
	if mis.Coord != ref.Coord(5) {
		t.Fatalf("invalid coordinate: got=%+v, want=%+v", mis.Coord, ref.Coord(5))
	}
}

func TestCheckCorrectionIdentity(t *testing.T) {
	ref, cor := beamDatasets(t)
	copy(cor.Data, ref.Data)
	cor.Data[7] += 2
	err := CheckCorrection(ref, cor, Identity, DefaultTolerance)
	if err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}
}

func TestCheckCorrectionRotate(t *testing.T) {
	ref, cor := beamDatasets(t)

	// multiplying by i maps (re, im) to (-im, re).
	for i := 0; i < len(ref.Data); i += 2 {
		re, im := ref.Data[i], ref.Data[i+1]
		cor.Data[i] = -im
		cor.Data[i+1] = re
	}

	rot, err := Rotate(ref, 1i)
	if err != nil {
		t.Fatalf("could not create expectation: %+v", err)
	}
	err = CheckCorrection(ref, cor, rot, 0)
	if err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}

	cor.Data[3] = -cor.Data[3]
	err = CheckCorrection(ref, cor, rot, DefaultTolerance)
	if !errors.Is(err, ErrMismatch) {
		t.Fatalf("invalid error: got=%+v, want=%v", err, ErrMismatch)
	}

	raw, err := NewDataset(Raw, []Axis{AxisAntenna, AxisPol, AxisSample}, []int{1, 1, 1})
	if err != nil {
		t.Fatalf("could not create dataset: %+v", err)
	}
	_, err = Rotate(raw, 1i)
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("invalid error: got=%+v, want=%v", err, ErrInvalid)
	}
}

func TestCheckCorrectionLayout(t *testing.T) {
	ref, _ := beamDatasets(t)
	for _, tc := range []struct {
		name string
		cor  *Dataset
		tol  int64
	}{
		{
			name: "kind",
			cor:  &Dataset{Kind: IntegratedBeam, Axes: []Axis{AxisPol, AxisChannel}, Shape: []int{2, 4}, Data: make([]int64, 8)},
		},
		{
			name: "shape",
			cor:  &Dataset{Kind: Beam, Axes: []Axis{AxisPol, AxisChannel, AxisComplex}, Shape: []int{2, 2, 2}, Data: make([]int64, 8)},
		},
		{
			name: "axes",
			cor:  &Dataset{Kind: Beam, Axes: []Axis{AxisChannel, AxisPol, AxisComplex}, Shape: []int{2, 4, 2}, Data: make([]int64, 16)},
		},
		{
			name: "first-channel",
			cor:  &Dataset{Kind: Beam, Axes: []Axis{AxisPol, AxisChannel, AxisComplex}, Shape: []int{2, 4, 2}, Data: make([]int64, 16), FirstChannel: 8},
		},
		{
			name: "tolerance",
			cor:  &Dataset{Kind: Beam, Axes: []Axis{AxisPol, AxisChannel, AxisComplex}, Shape: []int{2, 4, 2}, Data: make([]int64, 16)},
			tol:  -1,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := CheckCorrection(ref, tc.cor, Identity, tc.tol)
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("invalid error: got=%+v, want=%v", err, ErrInvalid)
			}
		})
	}
}
