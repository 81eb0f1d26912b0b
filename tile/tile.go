// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package tile drives a TPM (Tile Processor Module) over its network
// control plane.
//
// A Manager owns the connection to a single TPM: it establishes and
// monitors the connection in the background, tracks the programming and
// synchronisation status of the board, and mediates every access to the
// hardware through a single lock with a bounded acquisition timeout.
// The signal path (beamformer, calibration, pointing, test generators,
// 40G cores and data transmission) is configured through methods of the
// Manager.
package tile // import "github.com/go-lpc/tpm/tile"

import (
	"errors"
	"fmt"
)

const (
	NumFPGAs    = 2
	NumAntennas = 16              // antennas per tile
	NumSignals  = 2 * NumAntennas // ADC streams per tile (antenna x polarisation)

	NumChannels      = 512 // channeliser output channels
	NumBeamChannels  = 384 // maximum number of beamformed channels
	NumRegions       = 48  // maximum number of beamformer regions
	NumBeams         = 48
	NumPointingBeams = 8
	NumARPEntries    = 8
	NumCores         = 2 // 40G cores, one per FPGA

	// CalibrationLookahead is the number of frames between the current
	// beamformer frame and a calibration bank switch requested "now".
	CalibrationLookahead = 64

	// BeamformerLookahead is the number of frames between the current
	// beamformer frame and a beamformer start requested "now".
	BeamformerLookahead = 40

	// PointingLookahead is the number of frames between the current
	// beamformer frame and a pointing delay load requested "now".
	PointingLookahead = 64

	// FramePeriod is the duration of a channeliser frame, in seconds.
	FramePeriod = 1080e-9

	// SamplingRate is the default ADC sampling rate, in Hz.
	SamplingRate = 800e6
)

var (
	ErrUnknownRegister   = errors.New("tile: unknown register")
	ErrUnknownAddress    = errors.New("tile: unknown address")
	ErrHardwareIO        = errors.New("tile: hardware I/O error")
	ErrInvalidParameter  = errors.New("tile: invalid parameter")
	ErrHardwareTimeout   = errors.New("tile: hardware timeout")
	ErrNotReady          = errors.New("tile: not ready")
	ErrCommunicationLost = errors.New("tile: communication lost")
	ErrNotConnected      = errors.New("tile: not connected")
)

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidParameter}, args...)...)
}

// Status is the connection and programming status of a TPM.
type Status int32

const (
	Unknown Status = iota
	Unconnected
	Unprogrammed
	Programmed
	Initialised
	Synchronised
)

func (st Status) String() string {
	switch st {
	case Unknown:
		return "Unknown"
	case Unconnected:
		return "Unconnected"
	case Unprogrammed:
		return "Unprogrammed"
	case Programmed:
		return "Programmed"
	case Initialised:
		return "Initialised"
	case Synchronised:
		return "Synchronised"
	}
	return fmt.Sprintf("Status(%d)", int32(st))
}

// MarshalText implements encoding.TextMarshaler.
func (st Status) MarshalText() ([]byte, error) {
	return []byte(st.String()), nil
}

// Device identifies the part of the board a register belongs to.
type Device int

const (
	DeviceNone Device = 0 // board (CPLD) or fully qualified name
	FPGA1      Device = 1
	FPGA2      Device = 2
)

func (dev Device) String() string {
	switch dev {
	case DeviceNone:
		return "board"
	case FPGA1:
		return "fpga1"
	case FPGA2:
		return "fpga2"
	}
	return fmt.Sprintf("Device(%d)", int(dev))
}

func (dev Device) valid() bool {
	return dev == DeviceNone || dev == FPGA1 || dev == FPGA2
}

// fpgas lists the FPGA devices of a TPM.
var fpgas = [NumFPGAs]Device{FPGA1, FPGA2}
