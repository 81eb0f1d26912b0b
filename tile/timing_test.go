// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tile

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestCalculateDelay(t *testing.T) {
	for _, tc := range []struct {
		name            string
		dc              DelayCorrector
		cur, tc, lo, hi int
		want            int
	}{
		{"in-window", DefaultDelayCorrector, 20, 3, 16, 24, 3},
		{"low-edge", DefaultDelayCorrector, 16, 3, 16, 24, 3},
		{"high-edge", DefaultDelayCorrector, 24, 3, 16, 24, 3},
		{"below", DefaultDelayCorrector, 12, 1, 16, 24, 2},
		{"below-wrap", DefaultDelayCorrector, 12, 4, 16, 24, 0},
		{"below-two-steps", DefaultDelayCorrector, 5, 2, 16, 24, 4},
		{"above", DefaultDelayCorrector, 26, 1, 16, 24, 0},
		{"above-wrap", DefaultDelayCorrector, 26, 0, 16, 24, 4},
		{"above-three-steps", DefaultDelayCorrector, 48, 3, 16, 24, 0},
		{"unreachable", DefaultDelayCorrector, 5, 2, 16, 17, 2},
		{"coarse-steps", DelayCorrector{Modulus: 5, Step: 4}, 5, 2, 16, 24, 0},
		{"no-modulus", DelayCorrector{}, 5, 2, 16, 24, 2},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got := tc.dc.Correct(tc.cur, tc.tc, tc.lo, tc.hi)
			if got != tc.want {
				t.Fatalf("invalid terminal count: got=%d, want=%d", got, tc.want)
			}
		})
	}

	if got, want := CalculateDelay(5, 2, 16, 24), 4; got != want {
		t.Fatalf("invalid terminal count: got=%d, want=%d", got, want)
	}
}

// TestCalculateDelayConvergence checks that every correction brings the
// delay into the reference window in at most 4 steps, and that the
// terminal count is left unchanged otherwise.
func TestCalculateDelayConvergence(t *testing.T) {
	const lo, hi = 16, 24
	for _, dc := range []DelayCorrector{
		DefaultDelayCorrector,
		{Modulus: 5, Step: 4},
		{Modulus: 40, Step: 1},
	} {
		for cur := 0; cur <= 40; cur++ {
			for tc := 0; tc < dc.Modulus; tc++ {
				got := dc.Correct(cur, tc, lo, hi)
				if got < 0 || got >= dc.Modulus {
					t.Fatalf("dc=%+v, cur=%d, tc=%d: terminal count %d out of range", dc, cur, tc, got)
				}
				if lo <= cur && cur <= hi {
					if got != tc {
						t.Fatalf("dc=%+v, cur=%d, tc=%d: in-window delay corrected to %d", dc, cur, tc, got)
					}
					continue
				}

				dir := 1
				if cur >= hi {
					dir = -1
				}
				found := -1
				for n := 0; n < 5; n++ {
					d := float64(cur) + float64(dir*n)*dc.Step
					if float64(lo) <= d && d <= float64(hi) {
						found = n
						break
					}
				}
				want := tc
				if found >= 0 {
					want = ((tc+dir*found)%dc.Modulus + dc.Modulus) % dc.Modulus
				}
				if got != want {
					t.Fatalf("dc=%+v, cur=%d, tc=%d: got=%d, want=%d", dc, cur, tc, got, want)
				}
			}
		}
	}
}

func TestPostSynchronisation(t *testing.T) {
	tpm := newFakeTPM(t)
	tpm.program(1, 2)
	tpm.set("fpga1.pps_manager.sync_phase.cnt_hf_pps", 5)
	tpm.set("fpga1.pps_manager.sync_tc.cnt_1_pulse", 2)

	m := newTestManager(t, tpm, WithDelayCorrector(DelayCorrector{Modulus: 5, Step: 4}))
	err := m.PostSynchronisation()
	if err != nil {
		t.Fatalf("could not synchronise: %+v", err)
	}
	for _, name := range []string{
		"fpga1.pps_manager.sync_tc.cnt_1_pulse",
		"fpga2.pps_manager.sync_tc.cnt_1_pulse",
	} {
		if got := tpm.get(name); got != 0 {
			t.Fatalf("invalid terminal count %q: got=%d, want=0", name, got)
		}
	}

	delay, err := m.PPSDelay()
	if err != nil {
		t.Fatalf("could not read PPS delay: %+v", err)
	}
	if delay != 5 {
		t.Fatalf("invalid PPS delay: got=%d, want=5", delay)
	}
}

func TestPostSynchronisationDefault(t *testing.T) {
	tpm := newFakeTPM(t)
	tpm.program(1, 2)
	tpm.set("fpga1.pps_manager.sync_phase.cnt_hf_pps", 5)
	tpm.set("fpga1.pps_manager.sync_tc.cnt_1_pulse", 2)

	m := newTestManager(t, tpm)
	err := m.PostSynchronisation()
	if err != nil {
		t.Fatalf("could not synchronise: %+v", err)
	}
	for _, name := range []string{
		"fpga1.pps_manager.sync_tc.cnt_1_pulse",
		"fpga2.pps_manager.sync_tc.cnt_1_pulse",
	} {
		if got := tpm.get(name); got != 4 {
			t.Fatalf("invalid terminal count %q: got=%d, want=4", name, got)
		}
	}
}

func TestWaitPPSTimeout(t *testing.T) {
	tpm := newFakeTPM(t)
	tpm.program(1, 2)
	tpm.tick = false

	m := newTestManager(t, tpm, WithPPSWait(100*time.Microsecond, 10))
	err := m.WaitPPS()
	if !errors.Is(err, ErrHardwareTimeout) {
		t.Fatalf("invalid error: got=%+v, want=%v", err, ErrHardwareTimeout)
	}
	if !m.Communicating() {
		t.Fatalf("PPS timeout dropped the connection")
	}

	err = m.PostSynchronisation()
	if !errors.Is(err, ErrHardwareTimeout) {
		t.Fatalf("invalid error: got=%+v, want=%v", err, ErrHardwareTimeout)
	}
}

func TestStartAcquisition(t *testing.T) {
	tpm := newFakeTPM(t)
	tpm.program(1, 2)
	m := newTestManager(t, tpm)

	t0, err := m.StartAcquisition(1234567, 0)
	if err != nil {
		t.Fatalf("could not start acquisition: %+v", err)
	}
	if t0 != 1234567 {
		t.Fatalf("invalid start time: got=%d", t0)
	}
	for _, name := range []string{"fpga1.pps_manager.sync_time_val", "fpga2.pps_manager.sync_time_val"} {
		if got := tpm.get(name); got != t0 {
			t.Fatalf("invalid %q: got=%d, want=%d", name, got, t0)
		}
	}
	if got := tpm.get("fpga2.pps_manager.curr_time_cmd"); got != 1 {
		t.Fatalf("FPGA time not set")
	}
	now := uint32(time.Now().Unix())
	if got := tpm.get("fpga2.pps_manager.curr_time_write_val"); got > now || now-got > 10 {
		t.Fatalf("invalid FPGA time: got=%d, now=%d", got, now)
	}

	t0, err = m.StartAcquisition(0, 3)
	if err != nil {
		t.Fatalf("could not start acquisition: %+v", err)
	}
	if t0 == 0 {
		t.Fatalf("invalid start time")
	}
}

func TestSetTimeDelays(t *testing.T) {
	tpm := newFakeTPM(t)
	tpm.program(1, 2)
	m := newTestManager(t, tpm)

	fl := 1e9 / SamplingRate // 1.25ns
	delays := make([]float64, NumSignals)
	delays[0] = 2 * fl
	delays[1] = -124 * fl
	delays[16] = 127 * fl
	delays[31] = 2.6

	err := m.SetTimeDelays(delays)
	if err != nil {
		t.Fatalf("could not set time delays: %+v", err)
	}

	got := append(tpm.words("fpga1.test_generator.delays", 16), tpm.words("fpga2.test_generator.delays", 16)...)
	for i, v := range got {
		want := uint32(128)
		switch i {
		case 0:
			want = 130
		case 1:
			want = 4
		case 16:
			want = 255
		case 31:
			want = 130
		}
		if v != want {
			t.Errorf("delay[%d]: got=%d, want=%d", i, v, want)
		}
	}

	tpm.reset()
	for _, d := range []float64{-125 * fl, 128 * fl, math.NaN()} {
		bad := make([]float64, NumSignals)
		bad[5] = d
		err = m.SetTimeDelays(bad)
		if !errors.Is(err, ErrInvalidParameter) {
			t.Fatalf("delay=%v: invalid error: got=%+v, want=%v", d, err, ErrInvalidParameter)
		}
	}
	err = m.SetTimeDelays(make([]float64, 3))
	if !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("invalid error: got=%+v, want=%v", err, ErrInvalidParameter)
	}
	if ws := tpm.writes(); len(ws) != 0 {
		t.Fatalf("rejected delays were written: %+v", ws)
	}
}
