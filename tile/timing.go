// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tile

import (
	"fmt"
	"math"
	"time"
)

// DelayCorrector computes the terminal count of the PPS synchroniser that
// brings the measured PPS delay into a reference window.
// Each terminal-count step shifts the delay by Step units; terminal counts
// wrap around Modulus.
type DelayCorrector struct {
	Modulus int
	Step    float64
}

// DefaultDelayCorrector is the corrector of the TPM PLL phase counter:
// 40 phase states spread over 5 terminal counts.
var DefaultDelayCorrector = DelayCorrector{Modulus: 5, Step: 40.0 / 5.0}

// CalculateDelay returns the terminal count bringing current into
// [lo, hi], using the default corrector.
func CalculateDelay(current, tc, lo, hi int) int {
	return DefaultDelayCorrector.Correct(current, tc, lo, hi)
}

// Correct returns the terminal count bringing the delay current into
// [lo, hi], trying 0 to 4 steps in the direction of the window.
// The terminal count is returned unchanged when current is already within
// the window, or when no correction succeeds.
func (dc DelayCorrector) Correct(current, tc, lo, hi int) int {
	mod := dc.Modulus
	if mod <= 0 {
		return tc
	}
	in := func(v float64) bool {
		return float64(lo) <= v && v <= float64(hi)
	}
	for n := 0; n < 5; n++ {
		switch {
		case current <= lo:
			if in(float64(current) + float64(n)*dc.Step) {
				return ((tc+n)%mod + mod) % mod
			}
		case current >= hi:
			if in(float64(current) - float64(n)*dc.Step) {
				return ((tc-n)%mod + mod) % mod
			}
		default:
			return tc
		}
	}
	return tc
}

// waitPPSLocked waits for the FPGA time to change, polling at most
// cfg.pps.max times.
func (m *Manager) waitPPSLocked(r *Registers) error {
	t0, err := r.Read("fpga1.pps_manager.curr_time_read_val")
	if err != nil {
		return err
	}
	for i := 0; i < m.cfg.pps.max; i++ {
		time.Sleep(m.cfg.pps.poll)
		t, err := r.Read("fpga1.pps_manager.curr_time_read_val")
		if err != nil {
			return err
		}
		if t != t0 {
			return nil
		}
	}
	return fmt.Errorf("%w: no PPS edge after %d polls", ErrHardwareTimeout, m.cfg.pps.max)
}

// WaitPPS waits for the next PPS edge.
func (m *Manager) WaitPPS() error {
	return m.withHardware("wait for PPS", m.waitPPSLocked)
}

// PostSynchronisation corrects the phase of the PPS synchroniser:
// it measures the PPS delay, writes the corrected terminal count to both
// FPGAs and measures the delay again after the next PPS edge.
func (m *Manager) PostSynchronisation() error {
	return m.withHardware("synchronise FPGAs", m.postSynchronisationLocked)
}

func (m *Manager) postSynchronisationLocked(r *Registers) error {
	err := m.waitPPSLocked(r)
	if err != nil {
		return fmt.Errorf("tile: could not synchronise FPGAs: %w", err)
	}

	rio := regio{r: r}
	delay := rio.read("pps_manager.sync_phase.cnt_hf_pps", FPGA1)
	tc := rio.read("pps_manager.sync_tc.cnt_1_pulse", FPGA1)
	if rio.err != nil {
		return fmt.Errorf("tile: could not read PPS delay: %w", rio.err)
	}

	ntc := m.cfg.delay.Correct(int(delay), int(tc), m.cfg.pps.lo, m.cfg.pps.hi)
	m.msg.Debugf("tile: PPS delay=%d, terminal count %d -> %d", delay, tc, ntc)
	rio.writeAll("pps_manager.sync_tc.cnt_1_pulse", uint32(ntc))
	if rio.err != nil {
		return fmt.Errorf("tile: could not write terminal count: %w", rio.err)
	}

	err = m.waitPPSLocked(r)
	if err != nil {
		return fmt.Errorf("tile: could not synchronise FPGAs: %w", err)
	}
	delay = rio.read("pps_manager.sync_phase.cnt_hf_pps", FPGA1)
	if rio.err != nil {
		return fmt.Errorf("tile: could not read PPS delay: %w", rio.err)
	}
	m.msg.Infof("tile: PPS delay after synchronisation: %d", delay)
	return nil
}

// StartAcquisition sets the FPGA time to the current UTC time and
// schedules the start of the acquisition delay seconds after the next PPS,
// or at start when non-zero. It returns the scheduled start time.
func (m *Manager) StartAcquisition(start int64, delay int) (uint32, error) {
	if delay <= 0 {
		delay = 2
	}
	var t0 uint32
	err := m.withHardware("start acquisition", func(r *Registers) error {
		err := m.waitPPSLocked(r)
		if err != nil {
			return err
		}

		now := uint32(time.Now().Unix())
		rio := regio{r: r}
		rio.writeAll("pps_manager.curr_time_write_val", now)
		rio.writeAll("pps_manager.curr_time_cmd", 1)
		if rio.err != nil {
			return rio.err
		}

		err = m.waitPPSLocked(r)
		if err != nil {
			return err
		}

		t0 = uint32(start)
		if start == 0 {
			cur := rio.read("pps_manager.curr_time_read_val", FPGA1)
			t0 = cur + uint32(delay)
		}
		rio.writeAll("pps_manager.sync_time_val", t0)
		return rio.err
	})
	if err != nil {
		return 0, err
	}
	m.msg.Infof("tile: acquisition starts at %d", t0)
	return t0, nil
}

// FPGATime returns the FPGA time, in seconds.
func (m *Manager) FPGATime() (uint32, error) {
	return m.Read("fpga1.pps_manager.curr_time_read_val")
}

// FPGAFrame returns the FPGA frame counter.
func (m *Manager) FPGAFrame() (uint32, error) {
	return m.Read("fpga1.pps_manager.timestamp_read_val")
}

// PPSDelay returns the delay between the PPS and the sampling clock, in
// high-frequency clock cycles.
func (m *Manager) PPSDelay() (int, error) {
	v, err := m.Read("fpga1.pps_manager.sync_phase.cnt_hf_pps")
	return int(v), err
}

// PPSPresent reports whether a PPS is detected by both FPGAs.
func (m *Manager) PPSPresent() (bool, error) {
	ok := true
	err := m.withHardware("check PPS", func(r *Registers) error {
		rio := regio{r: r}
		for _, dev := range fpgas {
			ok = ok && rio.read("pps_manager.status.pps_detected", dev) == 1
		}
		return rio.err
	})
	return ok && err == nil, err
}

// frameLength returns the duration of an ADC sample, in ns.
func (m *Manager) frameLength() float64 {
	return 1e9 / m.cfg.samplingRate
}

// SetTimeDelays sets the coarse delays, in ns, of the 32 ADC streams.
// Delays outside of [-124, 127] sample periods are rejected and nothing
// is written.
func (m *Manager) SetTimeDelays(delays []float64) error {
	if len(delays) != NumSignals {
		return fmt.Errorf("tile: could not set time delays: %w", invalidf("got %d delays, want %d", len(delays), NumSignals))
	}

	var (
		fl = m.frameLength()
		lo = fl * -124
		hi = fl * 127
		hw = make([]uint32, len(delays))
	)
	for i, d := range delays {
		if d < lo || d > hi || math.IsNaN(d) {
			m.msg.Errorf("tile: time delay %v ns of signal %d out of range [%v, %v]", d, i, lo, hi)
			return fmt.Errorf("tile: could not set time delays: %w", invalidf("delay[%d]=%v ns out of range [%v, %v]", i, d, lo, hi))
		}
		hw[i] = uint32(int(math.Round(d/fl)) + 128)
	}

	return m.withHardware("set time delays", func(r *Registers) error {
		rio := regio{r: r}
		for i, dev := range fpgas {
			rio.writes("test_generator.delays", dev, 0, hw[16*i:16*(i+1)])
		}
		return rio.err
	})
}
