// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tile

import "fmt"

// BoardTemperature returns the board temperature, in degrees Celsius.
func (m *Manager) BoardTemperature() (float64, error) {
	v, err := m.Read("board.regfile.temperature")
	if err != nil {
		return 0, err
	}
	return m.model.boardTemperature(v), nil
}

// FPGATemperature returns the temperature of an FPGA, in degrees Celsius.
func (m *Manager) FPGATemperature(dev Device) (float64, error) {
	if err := checkDevice(dev); err != nil {
		return 0, fmt.Errorf("tile: could not read FPGA temperature: %w", err)
	}
	vs, err := m.ReadRegister("sysmon.temperature", 1, 0, dev)
	if err != nil {
		return 0, err
	}
	return m.model.fpgaTemperature(vs[0]), nil
}

// Voltage returns the board input voltage, in V.
func (m *Manager) Voltage() (float64, error) {
	v, err := m.Read("board.regfile.vin")
	if err != nil {
		return 0, err
	}
	return m.model.voltage(v), nil
}
