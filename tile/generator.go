// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tile

import (
	"fmt"
	"math"
)

// Stage is a stage of the signal chain where a pattern can be injected.
type Stage string

const (
	StageJESD    Stage = "jesd"    // ADC samples
	StageChannel Stage = "channel" // channeliser output
	StageBeamf   Stage = "beamf"   // beamformer input
)

const (
	PatternLength = 1024
	NumAdders     = NumSignals
)

func (st Stage) check() error {
	switch st {
	case StageJESD, StageChannel, StageBeamf:
		return nil
	}
	return invalidf("pattern generator stage %q", string(st))
}

func (st Stage) reg(name string) string {
	return "pattern_gen." + string(st) + "." + name
}

// SetPattern loads a pattern and per-signal adders into the pattern
// generator of stage.
// The pattern is repeated to fill the PatternLength words of the generator,
// so its length must divide PatternLength.
// Values are 8-bit two's complement. The pattern is left-shifted by shift
// bits and the signals flagged in zero are forced to zero.
func (m *Manager) SetPattern(stage Stage, pattern, adders []int, start bool, shift int, zero uint32) error {
	err := stage.check()
	switch {
	case err != nil:
	case len(pattern) == 0 || PatternLength%len(pattern) != 0:
		err = invalidf("pattern length %d does not divide %d", len(pattern), PatternLength)
	case len(adders) != NumAdders:
		err = invalidf("got %d adders, want %d", len(adders), NumAdders)
	case shift < 0 || shift > 15:
		err = invalidf("shift %d", shift)
	}
	if err != nil {
		return fmt.Errorf("tile: could not set pattern: %w", err)
	}

	data := make([]uint32, PatternLength)
	for i := range data {
		v := pattern[i%len(pattern)]
		if v < -128 || v > 255 {
			return fmt.Errorf("tile: could not set pattern: %w", invalidf("pattern[%d]=%d out of 8-bit range", i%len(pattern), v))
		}
		data[i] = uint32(v) & 0xff
	}
	adds := make([]uint32, NumAdders)
	for i, v := range adders {
		if v < -128 || v > 127 {
			return fmt.Errorf("tile: could not set pattern: %w", invalidf("adders[%d]=%d out of 8-bit range", i, v))
		}
		adds[i] = uint32(v) & 0xff
	}

	return m.withHardware("set pattern", func(r *Registers) error {
		rio := regio{r: r}
		for i, dev := range fpgas {
			rio.writes(stage.reg("data"), dev, 0, data)
			rio.writes(stage.reg("adders"), dev, 0, adds[16*i:16*(i+1)])
			rio.write(stage.reg("left_shift"), dev, uint32(shift))
			rio.write(stage.reg("zero"), dev, (zero>>(16*i))&0xffff)
			if start {
				rio.write(stage.reg("control.enable"), dev, 1)
			}
		}
		return rio.err
	})
}

// StartPattern starts the pattern generator of stage.
func (m *Manager) StartPattern(stage Stage) error {
	return m.enablePattern(stage, true)
}

// StopPattern stops the pattern generator of stage.
func (m *Manager) StopPattern(stage Stage) error {
	return m.enablePattern(stage, false)
}

func (m *Manager) enablePattern(stage Stage, enable bool) error {
	if err := stage.check(); err != nil {
		return fmt.Errorf("tile: could not enable pattern: %w", err)
	}
	return m.withHardware("enable pattern", func(r *Registers) error {
		rio := regio{r: r}
		rio.writeAll(stage.reg("control.enable"), b2u(enable))
		return rio.err
	})
}

func (m *Manager) phaseIncrement(freq float64) (uint32, error) {
	if freq < 0 || freq >= m.cfg.samplingRate/2 || math.IsNaN(freq) {
		return 0, invalidf("frequency %v Hz out of range [0, %v)", freq, m.cfg.samplingRate/2)
	}
	return uint32(math.Round(freq / m.cfg.samplingRate * (1 << 32))), nil
}

func unit(name string, v float64, max uint32) (uint32, error) {
	if v < 0 || v > 1 || math.IsNaN(v) {
		return 0, invalidf("%s %v out of range [0, 1]", name, v)
	}
	return uint32(math.Round(v * float64(max))), nil
}

// SetTestGeneratorTone configures a tone of the internal test generator.
// Amplitude and phase are fractions of full scale and of a turn.
// The tone is applied at frame loadTime, or immediately when zero.
func (m *Manager) SetTestGeneratorTone(gen int, freq, ampl, phase float64, loadTime uint32) error {
	if gen != 0 && gen != 1 {
		return fmt.Errorf("tile: could not set test generator tone: %w", invalidf("tone generator %d", gen))
	}
	inc, err := m.phaseIncrement(freq)
	if err != nil {
		return fmt.Errorf("tile: could not set test generator tone: %w", err)
	}
	a, err := unit("amplitude", ampl, 0xff)
	if err != nil {
		return fmt.Errorf("tile: could not set test generator tone: %w", err)
	}
	ph, err := unit("phase", phase, 0xffff)
	if err != nil {
		return fmt.Errorf("tile: could not set test generator tone: %w", err)
	}

	tone := fmt.Sprintf("test_generator.tone_%d.", gen)
	return m.withHardware("set test generator tone", func(r *Registers) error {
		rio := regio{r: r}
		rio.writeAll(tone+"frequency", inc)
		rio.writeAll(tone+"amplitude", a)
		rio.writeAll(tone+"phase", ph)
		rio.writeAll("test_generator.load_frame", loadTime)
		return rio.err
	})
}

// SetTestGeneratorNoise configures the white noise of the internal test
// generator, applied at frame loadTime or immediately when zero.
func (m *Manager) SetTestGeneratorNoise(ampl float64, loadTime uint32) error {
	a, err := unit("amplitude", ampl, 0xff)
	if err != nil {
		return fmt.Errorf("tile: could not set test generator noise: %w", err)
	}
	return m.withHardware("set test generator noise", func(r *Registers) error {
		rio := regio{r: r}
		rio.writeAll("test_generator.noise.amplitude", a)
		rio.writeAll("test_generator.load_frame", loadTime)
		return rio.err
	})
}

// SetTestGeneratorPulse configures the pulse train of the internal test
// generator. freqCode selects the pulse frequency (0-7).
func (m *Manager) SetTestGeneratorPulse(freqCode int, ampl float64) error {
	if freqCode < 0 || freqCode > 7 {
		return fmt.Errorf("tile: could not set test generator pulse: %w", invalidf("frequency code %d", freqCode))
	}
	a, err := unit("amplitude", ampl, 0xff)
	if err != nil {
		return fmt.Errorf("tile: could not set test generator pulse: %w", err)
	}
	return m.withHardware("set test generator pulse", func(r *Registers) error {
		rio := regio{r: r}
		rio.writeAll("test_generator.pulse.frequency", uint32(freqCode))
		rio.writeAll("test_generator.pulse.amplitude", a)
		return rio.err
	})
}

// TestGeneratorInputSelect selects the signals replaced by the internal
// test generator, one bit per signal.
func (m *Manager) TestGeneratorInputSelect(mask uint32) error {
	return m.withHardware("select test generator inputs", func(r *Registers) error {
		rio := regio{r: r}
		for i, dev := range fpgas {
			rio.write("test_generator.input_select", dev, (mask>>(16*i))&0xffff)
		}
		return rio.err
	})
}
