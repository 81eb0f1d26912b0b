// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Firmware describes a bitfile available for download.
// Metadata is read from a YAML file sitting next to the bitfile, with the
// same base name and a ".yaml" extension.
type Firmware struct {
	Name    string `json:"name" yaml:"-"`
	Design  string `json:"design" yaml:"design"`
	Version string `json:"version" yaml:"version"`
	Map     string `json:"map,omitempty" yaml:"map"` // register map, relative to the bitfile directory
}

const (
	progPolls  = 100
	progPeriod = 10 * time.Millisecond
)

// FirmwareAvailable lists the bitfiles of the firmware directory.
func (m *Manager) FirmwareAvailable() ([]Firmware, error) {
	return listFirmware(m.cfg.fwdir)
}

func listFirmware(dir string) ([]Firmware, error) {
	if dir == "" {
		return nil, nil
	}
	fnames, err := filepath.Glob(filepath.Join(dir, "*.bit"))
	if err != nil {
		return nil, fmt.Errorf("tile: could not list firmware directory %q: %w", dir, err)
	}
	sort.Strings(fnames)

	fws := make([]Firmware, 0, len(fnames))
	for _, fname := range fnames {
		fw, err := readFirmwareInfo(fname)
		if err != nil {
			return nil, err
		}
		fws = append(fws, fw)
	}
	return fws, nil
}

func readFirmwareInfo(bitfile string) (Firmware, error) {
	fw := Firmware{Name: filepath.Base(bitfile)}
	meta := strings.TrimSuffix(bitfile, filepath.Ext(bitfile)) + ".yaml"
	raw, err := os.ReadFile(meta)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fw, nil
	case err != nil:
		return fw, fmt.Errorf("tile: could not read firmware metadata %q: %w", meta, err)
	}
	err = yaml.Unmarshal(raw, &fw)
	if err != nil {
		return fw, fmt.Errorf("tile: could not decode firmware metadata %q: %w", meta, err)
	}
	fw.Name = filepath.Base(bitfile)
	return fw, nil
}

func (m *Manager) bitfilePath(bitfile string) string {
	if filepath.IsAbs(bitfile) || m.cfg.fwdir == "" {
		return bitfile
	}
	return filepath.Join(m.cfg.fwdir, bitfile)
}

// bitstream packs the bitfile content into little-endian words.
func bitstream(raw []byte) []uint32 {
	words := make([]uint32, (len(raw)+3)/4)
	for i := range words {
		var buf [4]byte
		copy(buf[:], raw[4*i:])
		words[i] = binary.LittleEndian.Uint32(buf[:])
	}
	return words
}

// DownloadFirmware programs both FPGAs with bitfile and loads the register
// map of its design. A relative bitfile is looked up in the firmware directory.
func (m *Manager) DownloadFirmware(bitfile string) error {
	fname := m.bitfilePath(bitfile)
	raw, err := os.ReadFile(fname)
	if err != nil {
		return fmt.Errorf("tile: could not read bitfile: %w", err)
	}
	if len(raw) == 0 {
		return fmt.Errorf("tile: could not download firmware: %w", invalidf("empty bitfile %q", fname))
	}

	fw, err := readFirmwareInfo(fname)
	if err != nil {
		return err
	}
	dmap := m.defs
	if fw.Map != "" {
		dmap, err = LoadMapFile(filepath.Join(filepath.Dir(fname), fw.Map))
		if err != nil {
			return fmt.Errorf("tile: could not load register map of %q: %w", fw.Name, err)
		}
	}

	m.msg.Infof("tile: downloading firmware %q (design=%q, version=%q)...", fw.Name, fw.Design, fw.Version)
	err = m.withHardware("download firmware", func(r *Registers) error {
		words := bitstream(raw)
		rio := regio{r: r}
		rio.write("board.smap.program", DeviceNone, 0x3)
		for beg := 0; beg < len(words); beg += 256 {
			end := min(beg+256, len(words))
			rio.writes("board.smap.fifo", DeviceNone, 0, words[beg:end])
		}
		rio.write("board.smap.program", DeviceNone, 0)
		if rio.err != nil {
			return rio.err
		}

		err := m.waitProgrammed(r)
		if err != nil {
			r.design = nil
			m.setStatusLocked(Unprogrammed)
			return err
		}

		r.design = dmap
		m.fwmap = dmap
		m.firmware = fw.Name
		m.setStatusLocked(Programmed)
		return nil
	})
	if err != nil {
		m.msg.Errorf("tile: could not download firmware %q: %+v", fw.Name, err)
		return err
	}
	m.msg.Infof("tile: downloading firmware %q... [done]", fw.Name)
	return nil
}

func (m *Manager) waitProgrammed(r *Registers) error {
	for i := 0; i < progPolls; i++ {
		ok, err := m.programmedLocked(r)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		time.Sleep(progPeriod)
	}
	return fmt.Errorf("%w: FPGAs not programmed after %v", ErrHardwareTimeout, progPolls*progPeriod)
}

// Erase deprograms both FPGAs.
func (m *Manager) Erase() error {
	return m.withHardware("erase FPGAs", func(r *Registers) error {
		rio := regio{r: r}
		rio.write("board.smap.erase", DeviceNone, 0x3)
		rio.write("board.smap.erase", DeviceNone, 0)
		if rio.err != nil {
			return rio.err
		}
		r.design = nil
		m.firmware = ""
		m.setStatusLocked(Unprogrammed)
		return nil
	})
}

// IsProgrammed reports whether both FPGAs are programmed.
func (m *Manager) IsProgrammed() (bool, error) {
	var ok bool
	err := m.withHardware("check programming", func(r *Registers) error {
		var err error
		ok, err = m.programmedLocked(r)
		return err
	})
	return ok, err
}

// Initialise brings the TPM to the Initialised status: it programs the
// FPGAs with the selected firmware when needed, initialises the board and
// the FPGAs, sets the station and tile identifiers, configures a default
// beamformer region and synchronises the FPGAs on the PPS.
// On failure, the status is left at Programmed.
func (m *Manager) Initialise() error {
	ok, err := m.IsProgrammed()
	if err != nil {
		return fmt.Errorf("tile: could not initialise: %w", err)
	}
	if !ok {
		if m.cfg.firmware == "" {
			return fmt.Errorf("tile: could not initialise: %w", invalidf("no firmware selected"))
		}
		err = m.DownloadFirmware(m.cfg.firmware)
		if err != nil {
			return fmt.Errorf("tile: could not initialise: %w", err)
		}
	}

	err = m.withHardware("initialise", func(r *Registers) error {
		if r.design == nil {
			r.design = m.designMap()
		}
		err := m.initialiseLocked(r)
		if err != nil {
			m.setStatusLocked(Programmed)
			return err
		}
		m.setStatusLocked(Initialised)
		return nil
	})
	if err != nil {
		m.msg.Errorf("tile: could not initialise TPM %q: %+v", m.cfg.addr, err)
		return err
	}
	return nil
}

func (m *Manager) initialiseLocked(r *Registers) error {
	rio := regio{r: r}
	m.model.initBoard(&rio)
	for _, dev := range fpgas {
		rio.write("regfile.reset.global_rst", dev, 1)
		rio.write("regfile.reset.global_rst", dev, 0)
		rio.write("jesd204_if.regfile_ctrl.reset_n", dev, 1)
		rio.write("regfile.c2c_stream_enable", dev, 1)
	}
	if rio.err != nil {
		return fmt.Errorf("tile: could not initialise board: %w", rio.err)
	}

	err := m.setStationIDLocked(r, m.cfg.station, m.cfg.tile)
	if err != nil {
		return err
	}

	err = m.initBeamformerLocked(r, 128, 8, m.cfg.first, m.cfg.last)
	if err != nil {
		return err
	}

	err = m.postSynchronisationLocked(r)
	if err != nil {
		return err
	}

	return m.setStationIDLocked(r, m.cfg.station, m.cfg.tile)
}

// SetStationID sets the station and tile identifiers of the TPM.
func (m *Manager) SetStationID(station, tile int) error {
	return m.withHardware("set station id", func(r *Registers) error {
		err := m.setStationIDLocked(r, station, tile)
		if err != nil {
			return err
		}
		m.cfg.station = station
		m.cfg.tile = tile
		return nil
	})
}

func (m *Manager) setStationIDLocked(r *Registers, station, tile int) error {
	switch {
	case station < 0 || station > 0xffff:
		return invalidf("station id %d", station)
	case tile < 0 || tile > 0xff:
		return invalidf("tile id %d", tile)
	}
	rio := regio{r: r}
	rio.writeAll("dsp_regfile.config_id.station_id", uint32(station))
	rio.writeAll("dsp_regfile.config_id.tile_id", uint32(tile))
	if rio.err != nil {
		return fmt.Errorf("tile: could not set station id: %w", rio.err)
	}
	return nil
}

// TileID returns the tile identifier stored in the TPM.
func (m *Manager) TileID() (int, error) {
	v, err := m.Read("fpga1.dsp_regfile.config_id.tile_id")
	return int(v), err
}

// StationID returns the station identifier stored in the TPM.
func (m *Manager) StationID() (int, error) {
	v, err := m.Read("fpga1.dsp_regfile.config_id.station_id")
	return int(v), err
}
