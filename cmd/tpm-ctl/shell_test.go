// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"io"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	tlog "github.com/go-daq/tdaq/log"
	"github.com/go-lpc/tpm/internal/regmem"
	"github.com/go-lpc/tpm/tile"
	"github.com/prometheus/client_golang/prometheus"
)

func newShell(t *testing.T, h *regmem.Handle) (*shell, *strings.Builder) {
	t.Helper()

	mgr, err := connect(5*time.Second,
		tile.WithAddr("mem"),
		tile.WithRegisterer(prometheus.NewRegistry()),
		tile.WithMsgStream(tlog.NewMsgStream("tpm-ctl", tlog.LvlError, io.Discard)),
		tile.WithDialer(memDialer(h)),
	)
	if err != nil {
		t.Fatalf("could not connect to register space: %+v", err)
	}
	t.Cleanup(func() { _ = mgr.Close() })

	out := new(strings.Builder)
	return &shell{mgr: mgr, out: out}, out
}

func TestShell(t *testing.T) {
	h, err := regmem.New(tile.SpaceSize)
	if err != nil {
		t.Fatalf("could not create register space: %+v", err)
	}
	defer h.Close()

	sh, out := newShell(t, h)

	for _, tc := range []struct {
		line string
		want []string
		err  string
	}{
		{line: ""},
		{line: "help", want: []string{"read NAME [COUNT [OFFSET]]", "program BITFILE"}},
		{line: "status", want: []string{"addr:          mem", "model:         tpm1.6", "status:        Unprogrammed"}},
		{line: "write board.regfile.temperature 6400"},
		{line: "write board.regfile.vin 0x2ee0"},
		{line: "sensors", want: []string{"board temperature: 25.00 C", "board voltage:     12.00 V"}},
		{line: "read board.regfile.temperature", want: []string{"board.regfile.temperature[0] = 0x00001900 (6400)"}},
		{line: "rda 0x30000018 2", want: []string{"0x30000018: 0x00001900\n0x3000001c: 0x00002ee0\n"}},
		{line: "rda 0x3000001a", want: []string{"0x30000018: 0x00001900\n"}},
		{line: "wra 0x30000014 7"},
		{line: "read board.regfile.ethernet_pause", want: []string{"= 0x00000007 (7)"}},
		{line: "lookup 0x3000001c", want: []string{"0x3000001c: board.regfile.vin"}},
		{line: "list board.smap", want: []string{"board.smap.erase\nboard.smap.fifo\nboard.smap.program\n"}},
		{line: "read board.smap.fifo 2 254", want: []string{"board.smap.fifo[254] = 0x00000000\nboard.smap.fifo[255] = 0x00000000\n"}},

		{line: "frobnicate", err: `unknown command "frobnicate" (try "help")`},
		{line: "read", err: "usage: read NAME [COUNT [OFFSET]]"},
		{line: "read board.regfile.vin two", err: `invalid count "two"`},
		{line: "write board.regfile.vin", err: "usage: write NAME VALUE..."},
		{line: "write board.regfile.vin 0x1ffffffff", err: `invalid word "0x1ffffffff"`},
		{line: "read fpga1.dsp_regfile.config_id.tile_id", err: "unknown register"},
		{line: "lookup 0x00000000", err: "unknown address"},
		{line: "read board.smap.fifo 2 256", err: "invalid parameter"},
	} {
		t.Run(tc.line, func(t *testing.T) {
			out.Reset()
			err := sh.exec(tc.line)
			switch {
			case tc.err != "":
				if err == nil {
					t.Fatalf("expected an error")
				}
				if !strings.Contains(err.Error(), tc.err) {
					t.Fatalf("invalid error:\ngot= %q\nwant=%q", err.Error(), tc.err)
				}
				return
			case err != nil:
				t.Fatalf("could not run %q: %+v", tc.line, err)
			}
			for _, want := range tc.want {
				if !strings.Contains(out.String(), want) {
					t.Fatalf("missing output %q in:\n%s", want, out.String())
				}
			}
		})
	}

	if err := sh.exec("quit"); !errors.Is(err, errQuit) {
		t.Fatalf("invalid quit error: %+v", err)
	}
}

func TestShellComplete(t *testing.T) {
	h, err := regmem.New(tile.SpaceSize)
	if err != nil {
		t.Fatalf("could not create register space: %+v", err)
	}
	defer h.Close()

	sh, _ := newShell(t, h)

	for _, tc := range []struct {
		line string
		want []string
	}{
		{"re", []string{"read "}},
		{"w", []string{"wra ", "write "}},
		{"list board.smap.p", []string{"list board.smap.program"}},
		{"read board.regfile.xilinx", []string{"read board.regfile.xilinx", "read board.regfile.xilinx.done"}},
		{"status ", nil},
		{"read board.regfile.vin 1", nil},
	} {
		t.Run(tc.line, func(t *testing.T) {
			got := sh.complete(tc.line)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("invalid completion:\ngot= %q\nwant=%q", got, tc.want)
			}
		})
	}

	if got, want := len(sh.complete("")), len(commands); got != want {
		t.Fatalf("invalid number of completions: got=%d, want=%d", got, want)
	}
}

func TestMemSpaceFile(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "tpm.mem")

	h, err := regmem.Open(fname, tile.SpaceSize)
	if err != nil {
		t.Fatalf("could not open register space: %+v", err)
	}
	sh, _ := newShell(t, h)
	err = sh.exec("write board.regfile.date_code 0x20260101")
	if err != nil {
		t.Fatalf("could not write date code: %+v", err)
	}
	err = sh.mgr.Close()
	if err != nil {
		t.Fatalf("could not close manager: %+v", err)
	}
	err = h.Close()
	if err != nil {
		t.Fatalf("could not close register space: %+v", err)
	}

	h, err = regmem.Open(fname, tile.SpaceSize)
	if err != nil {
		t.Fatalf("could not re-open register space: %+v", err)
	}
	defer h.Close()

	sh, out := newShell(t, h)
	err = sh.exec("read board.regfile.date_code")
	if err != nil {
		t.Fatalf("could not read date code: %+v", err)
	}
	if got, want := out.String(), "board.regfile.date_code[0] = 0x20260101 (539361537)\n"; got != want {
		t.Fatalf("invalid output:\ngot= %q\nwant=%q", got, want)
	}
}
