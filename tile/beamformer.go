// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tile

import (
	"fmt"
	"math"
)

// Region is a contiguous range of channels assigned to a beam.
type Region struct {
	StartChannel int `json:"start_channel"`
	NumChannels  int `json:"num_channels"`
	BeamIndex    int `json:"beam_index"`
	SubstationID int `json:"substation_id"`
}

func (reg Region) word() uint32 {
	return uint32(reg.StartChannel/2) |
		uint32(reg.NumChannels/8)<<8 |
		uint32(reg.BeamIndex)<<16 |
		uint32(reg.SubstationID)<<24
}

// RegionsFrom decodes a flat list of (start, size, beam, substation)
// quadruplets.
func RegionsFrom(vs []int) ([]Region, error) {
	if len(vs)%4 != 0 {
		return nil, invalidf("region list of %d values is not a list of quadruplets", len(vs))
	}
	if len(vs) > 4*NumRegions {
		return nil, invalidf("%d regions (max=%d)", len(vs)/4, NumRegions)
	}
	regs := make([]Region, len(vs)/4)
	for i := range regs {
		regs[i] = Region{
			StartChannel: vs[4*i+0],
			NumChannels:  vs[4*i+1],
			BeamIndex:    vs[4*i+2],
			SubstationID: vs[4*i+3],
		}
	}
	return regs, nil
}

// ValidateRegions checks a batch of beamformer regions.
func ValidateRegions(regs []Region) error {
	switch {
	case len(regs) == 0:
		return invalidf("empty region list")
	case len(regs) > NumRegions:
		return invalidf("%d regions (max=%d)", len(regs), NumRegions)
	}

	total := 0
	for i, reg := range regs {
		switch {
		case reg.StartChannel < 0 || reg.StartChannel > NumChannels-2:
			return invalidf("region %d: start channel %d out of range [0, %d]", i, reg.StartChannel, NumChannels-2)
		case reg.StartChannel%2 != 0:
			return invalidf("region %d: start channel %d is odd", i, reg.StartChannel)
		case reg.NumChannels <= 0 || reg.NumChannels%8 != 0:
			return invalidf("region %d: %d channels is not a positive multiple of 8", i, reg.NumChannels)
		case reg.StartChannel+reg.NumChannels > NumChannels:
			return invalidf("region %d: channels [%d, %d) beyond channel %d", i, reg.StartChannel, reg.StartChannel+reg.NumChannels, NumChannels)
		case reg.BeamIndex < 0 || reg.BeamIndex >= NumBeams:
			return invalidf("region %d: beam index %d out of range [0, %d)", i, reg.BeamIndex, NumBeams)
		case reg.SubstationID < 0 || reg.SubstationID > 0xff:
			return invalidf("region %d: substation id %d out of range [0, 255]", i, reg.SubstationID)
		}
		total += reg.NumChannels
	}
	if total > NumBeamChannels {
		return invalidf("%d beamformed channels (max=%d)", total, NumBeamChannels)
	}
	return nil
}

// SetBeamformerRegions configures the beamformer regions.
// The whole batch is validated before any write.
func (m *Manager) SetBeamformerRegions(regs []Region) error {
	err := ValidateRegions(regs)
	if err != nil {
		return fmt.Errorf("tile: could not set beamformer regions: %w", err)
	}
	return m.withHardware("set beamformer regions", func(r *Registers) error {
		return m.setRegionsLocked(r, regs)
	})
}

func (m *Manager) setRegionsLocked(r *Registers, regs []Region) error {
	ws := make([]uint32, NumRegions)
	for i, reg := range regs {
		ws[i] = reg.word()
	}
	rio := regio{r: r}
	for _, dev := range fpgas {
		rio.writes("beamf_fd.regions", dev, 0, ws)
		rio.write("beamf_fd.num_regions", dev, uint32(len(regs)))
	}
	return rio.err
}

// InitialiseBeamformer configures a single region of numChannels channels
// starting at start, and sets the position of the tile in the beamforming
// chain.
func (m *Manager) InitialiseBeamformer(start, numChannels int, first, last bool) error {
	regs := []Region{{StartChannel: start, NumChannels: numChannels}}
	err := ValidateRegions(regs)
	if err != nil {
		return fmt.Errorf("tile: could not initialise beamformer: %w", err)
	}
	return m.withHardware("initialise beamformer", func(r *Registers) error {
		return m.initBeamformerLocked(r, start, numChannels, first, last)
	})
}

func (m *Manager) initBeamformerLocked(r *Registers, start, numChannels int, first, last bool) error {
	regs := []Region{{StartChannel: start, NumChannels: numChannels}}
	err := ValidateRegions(regs)
	if err != nil {
		return err
	}
	err = m.setRegionsLocked(r, regs)
	if err != nil {
		return err
	}

	// data flows from FPGA1 to FPGA2 within a tile.
	rio := regio{r: r}
	rio.write("beamf_ring.control.first_tile", FPGA1, b2u(first))
	rio.write("beamf_ring.control.last_tile", FPGA1, 0)
	rio.write("beamf_ring.control.first_tile", FPGA2, 0)
	rio.write("beamf_ring.control.last_tile", FPGA2, b2u(last))
	return rio.err
}

// StartBeamformer starts the beamformer at startFrame, for duration frames.
// A zero startFrame starts BeamformerLookahead frames after the current
// frame, aligned on a multiple of 8. A negative duration runs forever.
// It returns the actual start frame.
func (m *Manager) StartBeamformer(startFrame uint32, duration int) (uint32, error) {
	err := m.withHardware("start beamformer", func(r *Registers) error {
		rio := regio{r: r}
		if startFrame == 0 {
			cur := rio.read("beamf_ring.current_frame", FPGA1)
			startFrame = (cur + BeamformerLookahead) &^ 7
		}
		last := uint32(math.MaxUint32)
		if duration >= 0 {
			last = startFrame + uint32(duration)
		}
		rio.writeAll("beamf_ring.frame_timing.start_frame", startFrame)
		rio.writeAll("beamf_ring.frame_timing.last_frame", last)
		return rio.err
	})
	if err != nil {
		return 0, err
	}
	return startFrame, nil
}

// StopBeamformer stops the beamformer.
func (m *Manager) StopBeamformer() error {
	return m.withHardware("stop beamformer", func(r *Registers) error {
		rio := regio{r: r}
		rio.writeAll("beamf_ring.frame_timing.last_frame", 0)
		return rio.err
	})
}

// BeamformerRunning reports whether the beamformer is running.
func (m *Manager) BeamformerRunning() (bool, error) {
	v, err := m.Read("fpga1.beamf_ring.status.running")
	return v == 1, err
}

// Jones holds the XX, XY, YX and YY calibration coefficients of a channel.
type Jones [4]complex128

const (
	q411One = 1 << 11 // 1.0 in Q4.11
)

func q411(v float64) (uint32, bool) {
	q := math.Round(v * q411One)
	if q < math.MinInt16 || q > math.MaxInt16 || math.IsNaN(q) {
		return 0, false
	}
	return uint32(uint16(int16(q))), true
}

// encodeCalibration encodes per-channel Jones matrices into words of
// two Q4.11 half-words, real part in the low half.
func encodeCalibration(coefs []Jones) ([]uint32, error) {
	ws := make([]uint32, 0, 4*len(coefs))
	for ch, jones := range coefs {
		for k, c := range jones {
			re, ok1 := q411(real(c))
			im, ok2 := q411(imag(c))
			if !ok1 || !ok2 {
				return nil, invalidf("channel %d: coefficient %d=%v out of range", ch, k, c)
			}
			ws = append(ws, re|im<<16)
		}
	}
	return ws, nil
}

// LoadCalibrationCoefficients stages the calibration coefficients of an
// antenna, one Jones matrix per beamformed channel.
// Coefficients take effect at the next calibration bank switch.
func (m *Manager) LoadCalibrationCoefficients(antenna int, coefs []Jones) error {
	if antenna < 0 || antenna >= NumAntennas {
		return fmt.Errorf("tile: could not load calibration coefficients: %w", invalidf("antenna %d", antenna))
	}
	if len(coefs) != NumBeamChannels {
		return fmt.Errorf("tile: could not load calibration coefficients: %w",
			invalidf("got %d channels, want %d", len(coefs), NumBeamChannels),
		)
	}
	ws, err := encodeCalibration(coefs)
	if err != nil {
		return fmt.Errorf("tile: could not load calibration coefficients: %w", err)
	}

	var (
		dev   = fpgas[antenna/8]
		local = uint32(antenna % 8)
	)
	return m.withHardware("load calibration coefficients", func(r *Registers) error {
		rio := regio{r: r}
		rio.writes("beamf_fd.calibration.staging", dev, 0, ws)
		rio.write("beamf_fd.calibration.load_antenna", dev, local)
		return rio.err
	})
}

// SwitchCalibrationBank activates the staged calibration coefficients at
// switchTime. A zero switchTime switches CalibrationLookahead frames after
// the current frame, rounded down to a multiple of 8.
// It returns the actual switch frame.
func (m *Manager) SwitchCalibrationBank(switchTime uint32) (uint32, error) {
	err := m.withHardware("switch calibration bank", func(r *Registers) error {
		rio := regio{r: r}
		if switchTime == 0 {
			cur := rio.read("beamf_ring.current_frame", FPGA1)
			switchTime = (cur + CalibrationLookahead) &^ 7
		}
		rio.writeAll("beamf_fd.calibration.switch_frame", switchTime)
		return rio.err
	})
	if err != nil {
		return 0, err
	}
	return switchTime, nil
}

// PointingDelay is the geometric delay of an antenna, in seconds, and its
// rate of change, in seconds per second.
type PointingDelay struct {
	Delay float64 `json:"delay"`
	Rate  float64 `json:"rate"`
}

const (
	delayFrac = 1 << 8  // delay resolution: 1/256 sample
	rateFrac  = 1 << 32 // rate resolution: 2^-32 sample per frame
	maxDelay  = 128     // samples
)

// encodePointing quantises a pointing delay into samples and samples per
// frame.
func encodePointing(pd PointingDelay, fs float64) (delay, rate uint32, err error) {
	d := pd.Delay * fs
	if math.IsNaN(d) || math.Abs(d) >= maxDelay {
		return 0, 0, invalidf("delay %v s is out of range (%v samples, max=%d)", pd.Delay, d, maxDelay)
	}
	q := math.Round(pd.Rate * fs * FramePeriod * rateFrac)
	if math.IsNaN(q) || q < math.MinInt32 || q > math.MaxInt32 {
		return 0, 0, invalidf("delay rate %v s/s is out of range", pd.Rate)
	}
	return uint32(int32(math.Round(d * delayFrac))), uint32(int32(q)), nil
}

// SetPointingDelay stages the pointing delays of the 16 antennas for beam.
// Delays take effect at the next LoadPointingDelay.
func (m *Manager) SetPointingDelay(delays []PointingDelay, beam int) error {
	switch {
	case beam < 0 || beam >= NumPointingBeams:
		return fmt.Errorf("tile: could not set pointing delay: %w", invalidf("beam index %d", beam))
	case len(delays) != NumAntennas:
		return fmt.Errorf("tile: could not set pointing delay: %w", invalidf("got %d delays, want %d", len(delays), NumAntennas))
	}

	ws := make([]uint32, 2*NumAntennas)
	for i, pd := range delays {
		d, rate, err := encodePointing(pd, m.cfg.samplingRate)
		if err != nil {
			return fmt.Errorf("tile: could not set pointing delay of antenna %d: %w", i, err)
		}
		ws[2*i+0] = d
		ws[2*i+1] = rate
	}

	return m.withHardware("set pointing delay", func(r *Registers) error {
		rio := regio{r: r}
		for i, dev := range fpgas {
			rio.writes("beamf_fd.delay.table", dev, 16*beam, ws[16*i:16*(i+1)])
		}
		return rio.err
	})
}

// LoadPointingDelay activates the staged pointing delays at loadTime.
// A zero loadTime loads PointingLookahead frames after the current frame,
// aligned on a multiple of 8. It returns the actual load frame.
func (m *Manager) LoadPointingDelay(loadTime uint32) (uint32, error) {
	err := m.withHardware("load pointing delay", func(r *Registers) error {
		rio := regio{r: r}
		if loadTime == 0 {
			cur := rio.read("beamf_ring.current_frame", FPGA1)
			loadTime = (cur + PointingLookahead) &^ 7
		}
		rio.writeAll("beamf_fd.delay.load_frame", loadTime)
		return rio.err
	})
	if err != nil {
		return 0, err
	}
	return loadTime, nil
}

// SetChanneliserTruncation sets the per-channel truncation of an ADC signal.
func (m *Manager) SetChanneliserTruncation(signal int, values []int) error {
	switch {
	case signal < 0 || signal >= NumSignals:
		return fmt.Errorf("tile: could not set channeliser truncation: %w", invalidf("signal %d", signal))
	case len(values) != NumChannels:
		return fmt.Errorf("tile: could not set channeliser truncation: %w", invalidf("got %d values, want %d", len(values), NumChannels))
	}
	ws := make([]uint32, len(values))
	for i, v := range values {
		if v < 0 || v > 7 {
			return fmt.Errorf("tile: could not set channeliser truncation: %w", invalidf("channel %d: truncation %d out of range [0, 7]", i, v))
		}
		ws[i] = uint32(v)
	}

	dev := fpgas[signal/16]
	return m.withHardware("set channeliser truncation", func(r *Registers) error {
		rio := regio{r: r}
		rio.write("channeliser.block_sel", dev, uint32(signal%16))
		rio.writes("channeliser.rescale_coeff", dev, 0, ws)
		return rio.err
	})
}

// SetCSPRounding sets the final rounding of the station beam.
// It only applies to the last FPGA of the chain.
func (m *Manager) SetCSPRounding(v int) error {
	if v < 0 || v > 7 {
		return fmt.Errorf("tile: could not set CSP rounding: %w", invalidf("rounding %d out of range [0, 7]", v))
	}
	return m.withHardware("set CSP rounding", func(r *Registers) error {
		return r.WriteRegister("beamf_ring.csp_scaling", []uint32{uint32(v)}, 0, FPGA2)
	})
}

func b2u(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
