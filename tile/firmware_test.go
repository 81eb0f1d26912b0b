// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tile

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeFile(t *testing.T, fname string, raw []byte) {
	t.Helper()
	err := os.WriteFile(fname, raw, 0644)
	if err != nil {
		t.Fatalf("could not write %q: %+v", fname, err)
	}
}

func newFirmwareDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "tpm_test.bit"), []byte{1, 2, 3, 4, 5, 6})
	writeFile(t, filepath.Join(dir, "tpm_test.yaml"), []byte("design: tpm_test\nversion: 5.2.0\n"))
	writeFile(t, filepath.Join(dir, "bare.bit"), []byte{0xff})
	writeFile(t, filepath.Join(dir, "broken_map.bit"), []byte{0xff})
	writeFile(t, filepath.Join(dir, "broken_map.yaml"), []byte("design: broken\nmap: missing.yaml\n"))
	writeFile(t, filepath.Join(dir, "notes.txt"), []byte("not a bitfile"))
	return dir
}

func TestBitstream(t *testing.T) {
	got := bitstream([]byte{1, 2, 3, 4, 5, 6})
	want := []uint32{0x04030201, 0x00000605}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid bitstream: got=%08x, want=%08x", got, want)
	}
}

func TestFirmwareAvailable(t *testing.T) {
	dir := newFirmwareDir(t)
	tpm := newFakeTPM(t)
	m := newTestManager(t, tpm, WithFirmware(dir, ""))

	fws, err := m.FirmwareAvailable()
	if err != nil {
		t.Fatalf("could not list firmware: %+v", err)
	}
	want := []Firmware{
		{Name: "bare.bit"},
		{Name: "broken_map.bit", Design: "broken", Map: "missing.yaml"},
		{Name: "tpm_test.bit", Design: "tpm_test", Version: "5.2.0"},
	}
	if !reflect.DeepEqual(fws, want) {
		t.Fatalf("invalid firmware list:\ngot= %+v\nwant=%+v", fws, want)
	}

	writeFile(t, filepath.Join(dir, "bare.yaml"), []byte("design: [\n"))
	_, err = m.FirmwareAvailable()
	if err == nil {
		t.Fatalf("expected an error on invalid metadata")
	}

	fws, err = listFirmware("")
	if err != nil || fws != nil {
		t.Fatalf("invalid listing of an unset directory: fws=%v, err=%+v", fws, err)
	}
}

func TestDownloadFirmware(t *testing.T) {
	dir := newFirmwareDir(t)
	tpm := newFakeTPM(t)
	m := newTestManager(t, tpm, WithFirmware(dir, "tpm_test.bit"))

	if got, want := m.Status(), Unprogrammed; got != want {
		t.Fatalf("invalid status: got=%v, want=%v", got, want)
	}

	err := m.DownloadFirmware("tpm_test.bit")
	if err != nil {
		t.Fatalf("could not download firmware: %+v", err)
	}
	if got, want := m.Status(), Programmed; got != want {
		t.Fatalf("invalid status: got=%v, want=%v", got, want)
	}
	name, err := m.Firmware()
	if err != nil || name != "tpm_test.bit" {
		t.Fatalf("invalid firmware: got=%q, err=%+v", name, err)
	}
	if got := tpm.words("board.smap.fifo", 2); !reflect.DeepEqual(got, []uint32{0x04030201, 0x00000605}) {
		t.Fatalf("invalid bitstream: %08x", got)
	}

	ok, err := m.IsProgrammed()
	if err != nil || !ok {
		t.Fatalf("FPGAs not programmed: ok=%v, err=%+v", ok, err)
	}

	err = m.Erase()
	if err != nil {
		t.Fatalf("could not erase FPGAs: %+v", err)
	}
	if got, want := m.Status(), Unprogrammed; got != want {
		t.Fatalf("invalid status: got=%v, want=%v", got, want)
	}
	if name, _ := m.Firmware(); name != "" {
		t.Fatalf("firmware still set after erase: %q", name)
	}
	if got := tpm.get("board.regfile.xilinx.done"); got != 0 {
		t.Fatalf("FPGAs still programmed after erase: done=%d", got)
	}
}

func TestDownloadFirmwareErrors(t *testing.T) {
	dir := newFirmwareDir(t)
	writeFile(t, filepath.Join(dir, "empty.bit"), nil)

	tpm := newFakeTPM(t)
	m := newTestManager(t, tpm, WithFirmware(dir, ""))

	tpm.reset()
	for _, bitfile := range []string{"missing.bit", "empty.bit", "broken_map.bit"} {
		err := m.DownloadFirmware(bitfile)
		if err == nil {
			t.Fatalf("%s: expected an error", bitfile)
		}
	}
	err := m.DownloadFirmware("empty.bit")
	if !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("invalid error: got=%+v, want=%v", err, ErrInvalidParameter)
	}
	if ops := tpm.accesses(); len(ops) != 0 {
		t.Fatalf("failed downloads reached the hardware: %+v", ops)
	}
}

func TestDownloadFirmwareTimeout(t *testing.T) {
	dir := newFirmwareDir(t)
	tpm := newFakeTPM(t)
	tpm.prog = false
	m := newTestManager(t, tpm, WithFirmware(dir, ""))

	err := m.DownloadFirmware(filepath.Join(dir, "bare.bit"))
	if !errors.Is(err, ErrHardwareTimeout) {
		t.Fatalf("invalid error: got=%+v, want=%v", err, ErrHardwareTimeout)
	}
	if got, want := m.Status(), Unprogrammed; got != want {
		t.Fatalf("invalid status: got=%v, want=%v", got, want)
	}
	if !m.Communicating() {
		t.Fatalf("programming timeout should not drop the connection")
	}
}

func TestInitialise(t *testing.T) {
	dir := newFirmwareDir(t)
	tpm := newFakeTPM(t)
	m := newTestManager(t, tpm,
		WithFirmware(dir, "tpm_test.bit"),
		WithIDs(3, 4),
		WithChain(true, false),
	)

	err := m.Initialise()
	if err != nil {
		t.Fatalf("could not initialise: %+v", err)
	}
	if got, want := m.Status(), Initialised; got != want {
		t.Fatalf("invalid status: got=%v, want=%v", got, want)
	}

	for _, chk := range []struct {
		name string
		want uint32
	}{
		{"fpga1.dsp_regfile.config_id.station_id", 3},
		{"fpga2.dsp_regfile.config_id.tile_id", 4},
		{"fpga1.beamf_ring.control.first_tile", 1},
		{"fpga2.beamf_ring.control.last_tile", 0},
		{"fpga1.regfile.c2c_stream_enable", 1},
		{"fpga2.jesd204_if.regfile_ctrl.reset_n", 1},
		{"board.regfile.ctrl.adc_ena", 0xffff},
		{"board.regfile.ena_stream", 1},
	} {
		if got := tpm.get(chk.name); got != chk.want {
			t.Fatalf("invalid %q: got=%d, want=%d", chk.name, got, chk.want)
		}
	}

	id, err := m.TileID()
	if err != nil || id != 4 {
		t.Fatalf("invalid tile id: got=%d, err=%+v", id, err)
	}
	id, err = m.StationID()
	if err != nil || id != 3 {
		t.Fatalf("invalid station id: got=%d, err=%+v", id, err)
	}

	err = m.SetStationID(0x10000, 1)
	if !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("invalid error: got=%+v, want=%v", err, ErrInvalidParameter)
	}
}

func TestInitialiseWithoutFirmware(t *testing.T) {
	tpm := newFakeTPM(t)
	m := newTestManager(t, tpm)

	err := m.Initialise()
	if !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("invalid error: got=%+v, want=%v", err, ErrInvalidParameter)
	}
	if got, want := m.Status(), Unprogrammed; got != want {
		t.Fatalf("invalid status: got=%v, want=%v", got, want)
	}

	// a programmed board is initialised without any firmware.
	tpm.program(1, 2)
	err = m.Initialise()
	if err != nil {
		t.Fatalf("could not initialise: %+v", err)
	}
	if got, want := m.Status(), Initialised; got != want {
		t.Fatalf("invalid status: got=%v, want=%v", got, want)
	}
}
