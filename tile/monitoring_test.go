// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tile

import (
	"errors"
	"math"
	"testing"
)

func TestMonitoring(t *testing.T) {
	for _, tc := range []struct {
		model string
		temp  uint32
		vin   uint32
		fpga  uint32

		wantTemp float64
		wantVin  float64
		wantFPGA float64
	}{
		{
			model: ModelTPM16,
			temp:  6400, vin: 12000, fpga: 0x9000,
			wantTemp: 25, wantVin: 12, wantFPGA: 6.093956250,
		},
		{
			model: ModelTPM16,
			temp:  0xff00, vin: 11500, fpga: 0x9000,
			wantTemp: -1, wantVin: 11.5, wantFPGA: 6.093956250,
		},
		{
			model: ModelTPM12,
			temp:  400, vin: 4800, fpga: 2458,
			wantTemp: 25, wantVin: 12, wantFPGA: 29.284216309,
		},
		{
			model: ModelTPM12,
			temp:  0x1ff0, vin: 4800, fpga: 2458,
			wantTemp: -1, wantVin: 12, wantFPGA: 29.284216309,
		},
	} {
		t.Run(tc.model, func(t *testing.T) {
			tpm := newFakeTPM(t)
			if tc.model == ModelTPM12 {
				tpm.set("board.regfile.fpga_status.done", 0x3)
			}
			tpm.program(1, 2)
			tpm.set("board.regfile.temperature", tc.temp)
			tpm.set("board.regfile.vin", tc.vin)
			tpm.set("fpga2.sysmon.temperature", tc.fpga)
			m := newTestManager(t, tpm, WithModel(tc.model))

			temp, err := m.BoardTemperature()
			if err != nil {
				t.Fatalf("could not read board temperature: %+v", err)
			}
			if math.Abs(temp-tc.wantTemp) > 1e-6 {
				t.Fatalf("invalid board temperature: got=%v, want=%v", temp, tc.wantTemp)
			}

			vin, err := m.Voltage()
			if err != nil {
				t.Fatalf("could not read voltage: %+v", err)
			}
			if math.Abs(vin-tc.wantVin) > 1e-6 {
				t.Fatalf("invalid voltage: got=%v, want=%v", vin, tc.wantVin)
			}

			fpga, err := m.FPGATemperature(FPGA2)
			if err != nil {
				t.Fatalf("could not read FPGA temperature: %+v", err)
			}
			if math.Abs(fpga-tc.wantFPGA) > 1e-6 {
				t.Fatalf("invalid FPGA temperature: got=%v, want=%v", fpga, tc.wantFPGA)
			}

			_, err = m.FPGATemperature(DeviceNone)
			if !errors.Is(err, ErrInvalidParameter) {
				t.Fatalf("invalid error: got=%+v, want=%v", err, ErrInvalidParameter)
			}
		})
	}
}
