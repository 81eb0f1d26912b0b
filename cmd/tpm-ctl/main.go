// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command tpm-ctl is an interactive shell to inspect and drive the
// registers of a TPM board.
//
// Usage: tpm-ctl [OPTIONS]
//
// Example:
//
//	$> tpm-ctl -addr 10.0.10.2:10000
//	tpm> status
//	tpm> read board.regfile.date_code
//	tpm> rda 0x30000000 4
//
// With -mem, the shell drives a register space stored in a local file
// instead of a board.
package main // import "github.com/go-lpc/tpm/cmd/tpm-ctl"

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	tlog "github.com/go-daq/tdaq/log"
	"github.com/go-lpc/tpm/internal/regmem"
	"github.com/go-lpc/tpm/tile"
	"github.com/peterh/liner"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	var (
		addr  = flag.String("addr", "10.0.10.2:10000", "[ip]:port of the TPM control plane")
		model = flag.String("model", tile.ModelTPM16, "TPM model (tpm1.2, tpm1.6)")
		fwdir = flag.String("fw", "", "firmware directory")
		mem   = flag.String("mem", "", "path to a register space file to use instead of a TPM")
		wait  = flag.Duration("timeout", 10*time.Second, "timeout to establish the connection")
		hist  = flag.String("history", filepath.Join(os.TempDir(), ".tpm-ctl.history"), "path to the shell history file")
	)

	log.SetPrefix("tpm-ctl: ")
	log.SetFlags(0)

	flag.Parse()

	opts := []tile.Option{
		tile.WithAddr(*addr),
		tile.WithModel(*model),
		tile.WithFirmware(*fwdir, ""),
		tile.WithRegisterer(prometheus.NewRegistry()),
		tile.WithMsgStream(tlog.NewMsgStream("tpm-ctl", tlog.LvlWarning, os.Stderr)),
	}
	if *mem != "" {
		h, err := regmem.Open(*mem, tile.SpaceSize)
		if err != nil {
			log.Fatalf("could not open register space: %+v", err)
		}
		defer h.Close()
		opts = append(opts, tile.WithDialer(memDialer(h)))
	}

	err := run(os.Stdout, *hist, *wait, opts...)
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

func memDialer(h *regmem.Handle) tile.Dialer {
	return func(ctx context.Context, addr string) (tile.Conn, error) {
		return tile.NewMemConn(tile.NewSpace(h)), nil
	}
}

// connect returns a manager connected to the TPM.
func connect(wait time.Duration, opts ...tile.Option) (*tile.Manager, error) {
	mgr, err := tile.NewManager(opts...)
	if err != nil {
		return nil, fmt.Errorf("could not create TPM manager: %w", err)
	}

	mgr.StartCommunicating()
	timeout := time.After(wait)
	for !mgr.Communicating() {
		select {
		case <-timeout:
			_ = mgr.Close()
			return nil, fmt.Errorf("could not connect to TPM %q: %w", mgr.Addr(), tile.ErrHardwareTimeout)
		case <-time.After(10 * time.Millisecond):
		}
	}
	return mgr, nil
}

func run(stdout io.Writer, hist string, wait time.Duration, opts ...tile.Option) error {
	mgr, err := connect(wait, opts...)
	if err != nil {
		return err
	}
	defer mgr.Close()

	sh := &shell{mgr: mgr, out: stdout}

	term := liner.NewLiner()
	defer term.Close()

	term.SetCtrlCAborts(true)
	term.SetCompleter(sh.complete)

	if f, err := os.Open(hist); err == nil {
		_, _ = term.ReadHistory(f)
		f.Close()
	}
	defer func() {
		f, err := os.Create(hist)
		if err != nil {
			log.Printf("could not save history: %+v", err)
			return
		}
		defer f.Close()
		_, _ = term.WriteHistory(f)
	}()

	fmt.Fprintf(stdout, "connected to TPM %q (model=%s, status=%v)\n", mgr.Addr(), mgr.Model(), mgr.Status())
	for {
		line, err := term.Prompt("tpm> ")
		switch {
		case errors.Is(err, liner.ErrPromptAborted), errors.Is(err, io.EOF):
			return nil
		case err != nil:
			return fmt.Errorf("could not read command: %w", err)
		}
		if line == "" {
			continue
		}
		term.AppendHistory(line)

		err = sh.exec(line)
		switch {
		case errors.Is(err, errQuit):
			return nil
		case err != nil:
			fmt.Fprintf(stdout, "error: %+v\n", err)
		}
	}
}
