// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/go-daq/tdaq"
	"github.com/go-lpc/tpm/tile"
)

// device exposes a TPM to the run-control, configuring its data routing
// once the board is initialised.
type device struct {
	srv   *tile.Server
	cores []tile.FortyGCoreConfig
	lmc   LMC
	freq  time.Duration // monitoring interval while running
}

func (dev *device) register(srv *tdaq.Server) {
	srv.CmdHandle("/config", dev.srv.OnConfig)
	srv.CmdHandle("/init", dev.OnInit)
	srv.CmdHandle("/reset", dev.srv.OnReset)
	srv.CmdHandle("/start", dev.srv.OnStart)
	srv.CmdHandle("/stop", dev.srv.OnStop)
	srv.CmdHandle("/quit", dev.srv.OnQuit)

	cmds := dev.srv.Commands()
	paths := make([]string, 0, len(cmds))
	for path := range cmds {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		srv.CmdHandle(path, cmds[path])
	}

	srv.RunHandle(dev.run)
}

func (dev *device) OnInit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	err := dev.srv.OnInit(ctx, resp, req)
	if err != nil {
		return err
	}

	mgr := dev.srv.Manager()
	for _, core := range dev.cores {
		ctx.Msg.Debugf("configuring 40G core %d (entry=%d) -> %s:%d",
			core.CoreID, core.ArpTableEntry, core.DstIP, core.DstPort,
		)
		err = mgr.Configure40GCore(core)
		if err != nil {
			ctx.Msg.Errorf("could not configure 40G core %d: %+v", core.CoreID, err)
			return fmt.Errorf("could not configure 40G core %d: %w", core.CoreID, err)
		}
	}

	if dev.lmc.Mode != "" {
		err = mgr.SetLMCDownload(dev.lmc.download())
		if err != nil {
			ctx.Msg.Errorf("could not configure LMC download: %+v", err)
			return fmt.Errorf("could not configure LMC download: %w", err)
		}
	}

	return nil
}

// run logs the board sensors while the acquisition is running.
func (dev *device) run(ctx tdaq.Context) error {
	if dev.freq <= 0 {
		return nil
	}

	tck := time.NewTicker(dev.freq)
	defer tck.Stop()

	mgr := dev.srv.Manager()
	for {
		select {
		case <-ctx.Ctx.Done():
			return nil
		case <-tck.C:
			temp, err := mgr.BoardTemperature()
			if err != nil {
				ctx.Msg.Warnf("could not read board temperature: %+v", err)
				continue
			}
			vin, err := mgr.Voltage()
			if err != nil {
				ctx.Msg.Warnf("could not read board voltage: %+v", err)
				continue
			}
			ctx.Msg.Debugf("status=%v temperature=%.2fC voltage=%.2fV", mgr.Status(), temp, vin)
		}
	}
}
