// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tile

import (
	"bytes"
	"embed"
	"fmt"
	"io"
	"math/bits"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed maps/*.yaml
var mapsFS embed.FS

// Register describes a named register, or bit-field of a register.
type Register struct {
	Name    string `yaml:"name"`
	Device  Device `yaml:"device"`
	Address uint32 `yaml:"address"`
	Words   int    `yaml:"words"`
	Mask    uint32 `yaml:"mask"` // bit-field mask, 0 for a full word
	Desc    string `yaml:"description"`
}

func (reg Register) shift() int {
	if reg.Mask == 0 {
		return 0
	}
	return bits.TrailingZeros32(reg.Mask)
}

// extract returns the value of the register from the word w.
func (reg Register) extract(w uint32) uint32 {
	if reg.Mask == 0 {
		return w
	}
	return (w & reg.Mask) >> reg.shift()
}

// insert returns the word w with the register set to v.
func (reg Register) insert(w, v uint32) uint32 {
	if reg.Mask == 0 {
		return v
	}
	return w&^reg.Mask | (v<<reg.shift())&reg.Mask
}

// Map is a register map of a firmware design.
type Map struct {
	Design  string
	Version string

	regs  map[string]Register
	addrs []Register // full-word registers, sorted by address
}

// LoadMap decodes a YAML register map from r.
func LoadMap(r io.Reader) (*Map, error) {
	var doc struct {
		Design    string     `yaml:"design"`
		Version   string     `yaml:"version"`
		Registers []Register `yaml:"registers"`
	}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	err := dec.Decode(&doc)
	if err != nil {
		return nil, fmt.Errorf("tile: could not decode register map: %w", err)
	}

	m := &Map{
		Design:  doc.Design,
		Version: doc.Version,
		regs:    make(map[string]Register, len(doc.Registers)),
	}
	for _, reg := range doc.Registers {
		if reg.Words == 0 {
			reg.Words = 1
		}
		switch {
		case reg.Name == "":
			return nil, fmt.Errorf("tile: register map %q: register at 0x%08x without name", m.Design, reg.Address)
		case reg.Words < 0:
			return nil, fmt.Errorf("tile: register map %q: register %q with invalid size %d", m.Design, reg.Name, reg.Words)
		case !reg.Device.valid():
			return nil, fmt.Errorf("tile: register map %q: register %q with invalid device %d", m.Design, reg.Name, reg.Device)
		case reg.Mask != 0 && reg.Words != 1:
			return nil, fmt.Errorf("tile: register map %q: bit-field %q spans %d words", m.Design, reg.Name, reg.Words)
		}
		if _, dup := m.regs[reg.Name]; dup {
			return nil, fmt.Errorf("tile: register map %q: duplicate register %q", m.Design, reg.Name)
		}
		reg.Address &^= 0x3
		m.regs[reg.Name] = reg
		if reg.Mask == 0 {
			m.addrs = append(m.addrs, reg)
		}
	}
	sort.Slice(m.addrs, func(i, j int) bool {
		return m.addrs[i].Address < m.addrs[j].Address
	})

	return m, nil
}

// LoadMapFile decodes the YAML register map stored in fname.
func LoadMapFile(fname string) (*Map, error) {
	raw, err := os.ReadFile(fname)
	if err != nil {
		return nil, fmt.Errorf("tile: could not read register map: %w", err)
	}
	return LoadMap(bytes.NewReader(raw))
}

func mustLoadEmbedded(name string) *Map {
	raw, err := mapsFS.ReadFile("maps/" + name)
	if err != nil {
		panic(fmt.Errorf("tile: could not open embedded register map %q: %w", name, err))
	}
	m, err := LoadMap(bytes.NewReader(raw))
	if err != nil {
		panic(fmt.Errorf("tile: could not load embedded register map %q: %w", name, err))
	}
	return m
}

// BoardMap returns the register map of the board CPLD.
func BoardMap() *Map { return mustLoadEmbedded("board.yaml") }

// DefaultDesignMap returns the register map of the default FPGA design.
func DefaultDesignMap() *Map { return mustLoadEmbedded("tpm_test.yaml") }

// Register returns the register named name.
func (m *Map) Register(name string) (Register, error) {
	reg, ok := m.regs[name]
	if !ok {
		return reg, fmt.Errorf("%w %q (design=%q)", ErrUnknownRegister, name, m.Design)
	}
	return reg, nil
}

// Lookup returns the register containing the address addr.
func (m *Map) Lookup(addr uint32) (Register, error) {
	addr &^= 0x3
	i := sort.Search(len(m.addrs), func(i int) bool {
		reg := m.addrs[i]
		return reg.Address+uint32(4*reg.Words) > addr
	})
	if i < len(m.addrs) && m.addrs[i].Address <= addr {
		return m.addrs[i], nil
	}
	return Register{}, fmt.Errorf("%w 0x%08x (design=%q)", ErrUnknownAddress, addr, m.Design)
}

// Names returns the sorted list of register names matching the prefix.
func (m *Map) Names(prefix string) []string {
	var names []string
	for name := range m.regs {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registers and bit-fields in the map.
func (m *Map) Len() int { return len(m.regs) }
