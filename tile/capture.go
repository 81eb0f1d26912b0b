// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tile

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// DataKind is the kind of data sent to the LMC.
type DataKind uint32

const (
	RawData               DataKind = 0x01
	ChannelData           DataKind = 0x02
	ChannelDataContinuous DataKind = 0x04
	BeamData              DataKind = 0x08
	NarrowbandData        DataKind = 0x10
)

func (k DataKind) String() string {
	switch k {
	case RawData:
		return "raw"
	case ChannelData:
		return "channel"
	case ChannelDataContinuous:
		return "channel-continuous"
	case BeamData:
		return "beam"
	case NarrowbandData:
		return "narrowband"
	}
	return fmt.Sprintf("DataKind(0x%x)", uint32(k))
}

// DataRequest identifies a request to send data.
type DataRequest struct {
	ID        uuid.UUID `json:"id"`
	Kind      DataKind  `json:"kind"`
	Timestamp uint32    `json:"timestamp"` // FPGA frame at which data is sent
}

const (
	pendingPoll = 50 * time.Millisecond
	pendingMax  = 20

	// armUnit is the duration of the frame unit used to schedule requests.
	armUnit = FramePeriod * 256

	// integrationUnit is the hardware unit of integration lengths.
	integrationUnit = FramePeriod * 256

	// DefaultIntegrationTime is the integration time used when a
	// non-positive one is requested, in seconds.
	DefaultIntegrationTime = 0.5

	// MinIntegrationTime is the shortest integration time, in seconds.
	MinIntegrationTime = 1e-3
)

// continuous are the data kinds transmitted until stopped.
// Their request bits stay set and never block a new request.
const continuous = ChannelDataContinuous | NarrowbandData

// pendingLocked reports whether a one-shot data request is still to be
// serviced.
func (m *Manager) pendingLocked(r *Registers) (bool, error) {
	rio := regio{r: r}
	pending := false
	for _, dev := range fpgas {
		pending = pending || rio.read("lmc_gen.request", dev)&^uint32(continuous) != 0
	}
	return pending, rio.err
}

// CheckPendingDataRequests reports whether a previously issued data request
// has not been serviced yet.
func (m *Manager) CheckPendingDataRequests() (bool, error) {
	var pending bool
	err := m.withHardware("check pending data requests", func(r *Registers) error {
		var err error
		pending, err = m.pendingLocked(r)
		return err
	})
	return pending, err
}

func (m *Manager) waitPendingLocked(r *Registers) error {
	for i := 0; i < pendingMax; i++ {
		pending, err := m.pendingLocked(r)
		if err != nil {
			return err
		}
		if !pending {
			return nil
		}
		time.Sleep(pendingPoll)
	}
	return fmt.Errorf("%w: previous data request not serviced after %v", ErrHardwareTimeout, pendingMax*pendingPoll)
}

// send schedules a data request of kind, seconds after the current frame.
func (m *Manager) send(kind DataKind, seconds float64, setup func(rio *regio)) (DataRequest, error) {
	op := "send " + kind.String() + " data"
	req := DataRequest{ID: uuid.New(), Kind: kind}
	if seconds < 0 || math.IsNaN(seconds) {
		return req, fmt.Errorf("tile: could not %s: %w", op, invalidf("delay %v s", seconds))
	}
	err := m.requireStatus(op, Initialised)
	if err != nil {
		return req, err
	}

	err = m.withHardware(op, func(r *Registers) error {
		err := m.waitPendingLocked(r)
		if err != nil {
			return err
		}

		rio := regio{r: r}
		if setup != nil {
			setup(&rio)
		}
		cur := rio.read("pps_manager.timestamp_read_val", FPGA1)
		req.Timestamp = cur + uint32(seconds/armUnit)
		rio.writeAll("lmc_gen.timestamp_req", req.Timestamp)
		for _, dev := range fpgas {
			v := rio.read("lmc_gen.request", dev)
			rio.write("lmc_gen.request", dev, v|uint32(kind))
		}
		return rio.err
	})
	if err != nil {
		return req, err
	}
	m.msg.Debugf("tile: %s request %v scheduled at frame %d", kind, req.ID, req.Timestamp)
	return req, nil
}

func checkChannels(first, last, max int) error {
	if first < 0 || last < first || last > max {
		return invalidf("channel range [%d, %d] (max=%d)", first, last, max)
	}
	return nil
}

// SendRawData sends raw ADC samples. When sync is true, samples of all
// antennas are taken at the same time.
func (m *Manager) SendRawData(sync bool, seconds float64) (DataRequest, error) {
	return m.send(RawData, seconds, func(rio *regio) {
		rio.writeAll("lmc_gen.raw.sync", b2u(sync))
	})
}

// SendChannelisedData sends numSamples spectra of channels [first, last].
func (m *Manager) SendChannelisedData(numSamples, first, last int, seconds float64) (DataRequest, error) {
	if numSamples <= 0 {
		numSamples = 1024
	}
	if err := checkChannels(first, last, NumChannels-1); err != nil {
		return DataRequest{Kind: ChannelData}, fmt.Errorf("tile: could not send channel data: %w", err)
	}
	return m.send(ChannelData, seconds, func(rio *regio) {
		rio.writeAll("lmc_gen.channel.num_samples", uint32(numSamples))
		rio.writeAll("lmc_gen.channel.first_channel", uint32(first))
		rio.writeAll("lmc_gen.channel.last_channel", uint32(last))
	})
}

// SendChannelisedDataContinuous continuously sends numSamples spectra of a
// single channel, waiting waitSeconds between bursts, until stopped with
// StopDataTransmission.
func (m *Manager) SendChannelisedDataContinuous(channel, numSamples int, waitSeconds, seconds float64) (DataRequest, error) {
	if numSamples <= 0 {
		numSamples = 128
	}
	if err := checkChannels(channel, channel, NumChannels-1); err != nil {
		return DataRequest{Kind: ChannelDataContinuous}, fmt.Errorf("tile: could not send continuous channel data: %w", err)
	}
	if waitSeconds < 0 || math.IsNaN(waitSeconds) {
		return DataRequest{Kind: ChannelDataContinuous}, fmt.Errorf("tile: could not send continuous channel data: %w", invalidf("wait %v s", waitSeconds))
	}
	return m.send(ChannelDataContinuous, seconds, func(rio *regio) {
		rio.writeAll("lmc_gen.channel_cont.channel_id", uint32(channel))
		rio.writeAll("lmc_gen.channel_cont.num_samples", uint32(numSamples))
		rio.writeAll("lmc_gen.channel_cont.wait_frames", uint32(waitSeconds/FramePeriod))
		rio.writeAll("lmc_gen.channel_cont.enable", 1)
	})
}

// SendBeamData sends a snapshot of the tile beam.
func (m *Manager) SendBeamData(seconds float64) (DataRequest, error) {
	return m.send(BeamData, seconds, nil)
}

// SendChannelisedDataNarrowband continuously sends numSamples samples of a
// narrow band centred on frequency (Hz), rounded by roundBits, until stopped
// with StopDataTransmission.
func (m *Manager) SendChannelisedDataNarrowband(frequency float64, roundBits, numSamples int, waitSeconds, seconds float64) (DataRequest, error) {
	req := DataRequest{Kind: NarrowbandData}
	nyquist := m.cfg.samplingRate / 2
	switch {
	case frequency <= 0 || frequency >= nyquist || math.IsNaN(frequency):
		return req, fmt.Errorf("tile: could not send narrowband data: %w", invalidf("frequency %v Hz out of range (0, %v)", frequency, nyquist))
	case roundBits < 0 || roundBits > 7:
		return req, fmt.Errorf("tile: could not send narrowband data: %w", invalidf("round bits %d", roundBits))
	case waitSeconds < 0 || math.IsNaN(waitSeconds):
		return req, fmt.Errorf("tile: could not send narrowband data: %w", invalidf("wait %v s", waitSeconds))
	}
	if numSamples <= 0 {
		numSamples = 128
	}
	freq := uint32(math.Round(frequency / m.cfg.samplingRate * (1 << 32)))
	return m.send(NarrowbandData, seconds, func(rio *regio) {
		rio.writeAll("lmc_gen.narrowband.frequency", freq)
		rio.writeAll("lmc_gen.narrowband.round_bits", uint32(roundBits))
		rio.writeAll("lmc_gen.narrowband.num_samples", uint32(numSamples))
		rio.writeAll("lmc_gen.narrowband.wait_frames", uint32(waitSeconds/FramePeriod))
	})
}

// StopDataTransmission stops continuous data transmission.
// It is safe to call when nothing is being transmitted.
func (m *Manager) StopDataTransmission() error {
	return m.withHardware("stop data transmission", func(r *Registers) error {
		rio := regio{r: r}
		rio.writeAll("lmc_gen.channel_cont.enable", 0)
		rio.writeAll("lmc_gen.request", 0)
		return rio.err
	})
}

// integrationLength converts an integration time into hardware units,
// replacing non-positive times with DefaultIntegrationTime and clamping
// short ones to MinIntegrationTime.
func (m *Manager) integrationLength(seconds float64) uint32 {
	switch {
	case seconds <= 0 || math.IsNaN(seconds):
		seconds = DefaultIntegrationTime
	case seconds < MinIntegrationTime:
		m.msg.Warnf("tile: integration time %v s too short, using %v s", seconds, MinIntegrationTime)
		seconds = MinIntegrationTime
	}
	return uint32(math.Round(seconds / integrationUnit))
}

// ConfigureIntegratedChannelData starts the integration of channels
// [first, last] over integration time seconds.
func (m *Manager) ConfigureIntegratedChannelData(seconds float64, first, last int) error {
	if err := checkChannels(first, last, NumChannels-1); err != nil {
		return fmt.Errorf("tile: could not configure integrated channel data: %w", err)
	}
	n := m.integrationLength(seconds)
	return m.withHardware("configure integrated channel data", func(r *Registers) error {
		rio := regio{r: r}
		rio.writeAll("lmc_integrated_gen.channel.integration_length", n)
		rio.writeAll("lmc_integrated_gen.channel.first_channel", uint32(first))
		rio.writeAll("lmc_integrated_gen.channel.last_channel", uint32(last))
		rio.writeAll("lmc_integrated_gen.channel.enable", 1)
		return rio.err
	})
}

// ConfigureIntegratedBeamData starts the integration of beamformed channels
// [first, last] over integration time seconds.
func (m *Manager) ConfigureIntegratedBeamData(seconds float64, first, last int) error {
	if err := checkChannels(first, last, NumBeamChannels-1); err != nil {
		return fmt.Errorf("tile: could not configure integrated beam data: %w", err)
	}
	n := m.integrationLength(seconds)
	return m.withHardware("configure integrated beam data", func(r *Registers) error {
		rio := regio{r: r}
		rio.writeAll("lmc_integrated_gen.beam.integration_length", n)
		rio.writeAll("lmc_integrated_gen.beam.first_channel", uint32(first))
		rio.writeAll("lmc_integrated_gen.beam.last_channel", uint32(last))
		rio.writeAll("lmc_integrated_gen.beam.enable", 1)
		return rio.err
	})
}

// StopIntegratedData stops the transmission of integrated data.
// It is safe to call when nothing is being integrated.
func (m *Manager) StopIntegratedData() error {
	return m.withHardware("stop integrated data", func(r *Registers) error {
		rio := regio{r: r}
		rio.writeAll("lmc_integrated_gen.channel.enable", 0)
		rio.writeAll("lmc_integrated_gen.beam.enable", 0)
		return rio.err
	})
}
