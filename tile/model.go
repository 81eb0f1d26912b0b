// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tile

// Hardware revisions of a TPM.
const (
	ModelTPM12 = "tpm1.2"
	ModelTPM16 = "tpm1.6"
)

// model holds the parts of the board handling that depend on the
// hardware revision.
type model interface {
	name() string

	// done is the board register holding the FPGA programming flags.
	done() string

	initBoard(rio *regio)

	boardTemperature(raw uint32) float64
	fpgaTemperature(raw uint32) float64
	voltage(raw uint32) float64
}

func newModel(name string) (model, error) {
	switch name {
	case ModelTPM12:
		return tpm12{}, nil
	case ModelTPM16:
		return tpm16{}, nil
	}
	return nil, invalidf("unknown TPM model %q", name)
}

type tpm12 struct{}

func (tpm12) name() string { return ModelTPM12 }
func (tpm12) done() string { return "board.regfile.fpga_status.done" }

func (tpm12) initBoard(rio *regio) {
	rio.write("board.regfile.ctrl.ad_pdwn", DeviceNone, 0)
	rio.write("board.regfile.ethernet_pause", DeviceNone, 10000)
}

// boardTemperature converts the reading of the board sensor,
// a 13-bit two's complement value in 1/16 degree Celsius.
func (tpm12) boardTemperature(raw uint32) float64 {
	v := int32(raw<<19) >> 19
	return float64(v) / 16
}

// fpgaTemperature converts a 12-bit XADC reading.
func (tpm12) fpgaTemperature(raw uint32) float64 {
	return float64(raw&0xfff)*503.975/4096 - 273.15
}

func (tpm12) voltage(raw uint32) float64 {
	return float64(raw&0xffff) * 0.0025
}

type tpm16 struct{}

func (tpm16) name() string { return ModelTPM16 }
func (tpm16) done() string { return "board.regfile.xilinx.done" }

func (tpm16) initBoard(rio *regio) {
	rio.write("board.regfile.ctrl.ad_pdwn", DeviceNone, 0)
	rio.write("board.regfile.ctrl.adc_ena", DeviceNone, 0xffff)
	rio.write("board.regfile.ena_stream", DeviceNone, 1)
	rio.write("board.regfile.ethernet_pause", DeviceNone, 8192)
}

// boardTemperature converts the reading of the management controller,
// reported in 1/256 degree Celsius.
func (tpm16) boardTemperature(raw uint32) float64 {
	return float64(int16(raw)) / 256
}

// fpgaTemperature converts a 16-bit SYSMON reading.
func (tpm16) fpgaTemperature(raw uint32) float64 {
	return float64(raw&0xffff)*507.5921/65536 - 279.4266
}

// voltage converts the reading of the management controller, in mV.
func (tpm16) voltage(raw uint32) float64 {
	return float64(raw) / 1000
}

var (
	_ model = tpm12{}
	_ model = tpm16{}
)

func checkDevice(dev Device) error {
	if dev != FPGA1 && dev != FPGA2 {
		return invalidf("FPGA device %v", dev)
	}
	return nil
}
