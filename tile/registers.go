// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tile

import (
	"fmt"
	"strings"
)

// Conn is a connection to the register space of a TPM.
type Conn interface {
	// ReadWords reads n consecutive words starting at addr.
	ReadWords(addr uint32, n int) ([]uint32, error)
	// WriteWords writes vs to consecutive words starting at addr.
	WriteWords(addr uint32, vs []uint32) error
	Close() error
}

// Registers gives named and addressed access to the register space of a TPM.
//
// Registers does not serialize accesses: callers must hold the hardware
// lock of the Manager owning the connection.
type Registers struct {
	conn   Conn
	board  *Map
	design *Map // nil while the FPGAs are not programmed
}

func newRegisters(conn Conn, board, design *Map) *Registers {
	return &Registers{conn: conn, board: board, design: design}
}

// Design returns the register map of the loaded FPGA design, if any.
func (r *Registers) Design() *Map { return r.design }

// qualify prefixes name with dev. Names already qualified with an FPGA
// must agree with dev.
func qualify(name string, dev Device) (string, error) {
	switch {
	case strings.HasPrefix(name, "board."):
		return name, nil
	case strings.HasPrefix(name, "fpga"):
		if dev != DeviceNone && !strings.HasPrefix(name, dev.String()+".") {
			return "", invalidf("register %q does not belong to %v", name, dev)
		}
		return name, nil
	case dev == DeviceNone:
		return name, nil
	}
	return dev.String() + "." + name, nil
}

// Lookup returns the description of the register name, qualified by dev.
func (r *Registers) Lookup(name string, dev Device) (Register, error) {
	if !dev.valid() {
		return Register{}, invalidf("device %d", dev)
	}
	name, err := qualify(name, dev)
	if err != nil {
		return Register{}, err
	}
	if strings.HasPrefix(name, "board.") {
		return r.board.Register(name)
	}
	if r.design == nil {
		return Register{}, fmt.Errorf("%w %q (no FPGA design loaded)", ErrUnknownRegister, name)
	}
	return r.design.Register(name)
}

// ReadRegister reads at most count values of the register name, starting
// at offset. The returned slice is clipped to the length of the register.
func (r *Registers) ReadRegister(name string, count, offset int, dev Device) ([]uint32, error) {
	reg, err := r.Lookup(name, dev)
	if err != nil {
		return nil, err
	}
	switch {
	case count < 0:
		return nil, invalidf("register %q: count=%d", reg.Name, count)
	case offset < 0 || offset >= reg.Words:
		return nil, invalidf("register %q: offset=%d out of range [0, %d)", reg.Name, offset, reg.Words)
	}

	n := min(count, reg.Words-offset)
	if n == 0 {
		return []uint32{}, nil
	}
	vs, err := r.conn.ReadWords(reg.Address+uint32(4*offset), n)
	if err != nil {
		return nil, fmt.Errorf("tile: could not read register %q: %w: %w", reg.Name, ErrHardwareIO, err)
	}
	if len(vs) != n {
		return nil, fmt.Errorf("tile: could not read register %q: %w: short read (%d/%d words)", reg.Name, ErrHardwareIO, len(vs), n)
	}
	for i, v := range vs {
		vs[i] = reg.extract(v)
	}
	return vs, nil
}

// WriteRegister writes values to the register name, starting at offset.
// Bit-field registers are updated with a read-modify-write cycle.
func (r *Registers) WriteRegister(name string, values []uint32, offset int, dev Device) error {
	reg, err := r.Lookup(name, dev)
	if err != nil {
		return err
	}
	switch {
	case offset < 0 || offset >= reg.Words:
		return invalidf("register %q: offset=%d out of range [0, %d)", reg.Name, offset, reg.Words)
	case offset+len(values) > reg.Words:
		return invalidf("register %q: %d values at offset=%d overflow register (words=%d)", reg.Name, len(values), offset, reg.Words)
	case len(values) == 0:
		return nil
	}

	addr := reg.Address + uint32(4*offset)
	ws := values
	if reg.Mask != 0 {
		old, err := r.conn.ReadWords(addr, 1)
		if err != nil {
			return fmt.Errorf("tile: could not read register %q: %w: %w", reg.Name, ErrHardwareIO, err)
		}
		if len(old) != 1 {
			return fmt.Errorf("tile: could not read register %q: %w: short read", reg.Name, ErrHardwareIO)
		}
		ws = []uint32{reg.insert(old[0], values[0])}
	}

	err = r.conn.WriteWords(addr, ws)
	if err != nil {
		return fmt.Errorf("tile: could not write register %q: %w: %w", reg.Name, ErrHardwareIO, err)
	}
	return nil
}

// ReadAddress reads count words starting at the word-aligned address addr.
func (r *Registers) ReadAddress(addr uint32, count int) ([]uint32, error) {
	addr &^= 0x3
	if count < 0 {
		return nil, invalidf("address 0x%08x: count=%d", addr, count)
	}
	if count == 0 {
		return []uint32{}, nil
	}
	vs, err := r.conn.ReadWords(addr, count)
	if err != nil {
		return nil, fmt.Errorf("tile: could not read address 0x%08x: %w: %w", addr, ErrHardwareIO, err)
	}
	if len(vs) != count {
		return nil, fmt.Errorf("tile: could not read address 0x%08x: %w: short read (%d/%d words)", addr, ErrHardwareIO, len(vs), count)
	}
	return vs, nil
}

// WriteAddress writes values starting at the word-aligned address addr.
func (r *Registers) WriteAddress(addr uint32, values []uint32) error {
	addr &^= 0x3
	if len(values) == 0 {
		return nil
	}
	err := r.conn.WriteWords(addr, values)
	if err != nil {
		return fmt.Errorf("tile: could not write address 0x%08x: %w: %w", addr, ErrHardwareIO, err)
	}
	return nil
}

// Read reads the first word of the fully qualified register name.
func (r *Registers) Read(name string) (uint32, error) {
	vs, err := r.ReadRegister(name, 1, 0, DeviceNone)
	if err != nil {
		return 0, err
	}
	return vs[0], nil
}

// Write writes v to the first word of the fully qualified register name.
func (r *Registers) Write(name string, v uint32) error {
	return r.WriteRegister(name, []uint32{v}, 0, DeviceNone)
}

// LookupAddress returns the register containing addr, searching the board
// map then the loaded design map.
func (r *Registers) LookupAddress(addr uint32) (Register, error) {
	reg, err := r.board.Lookup(addr)
	if err == nil || r.design == nil {
		return reg, err
	}
	return r.design.Lookup(addr)
}

// regio accumulates the first error of a sequence of register accesses,
// so that a chain of operations can be checked once.
type regio struct {
	r   *Registers
	err error
}

func (rio *regio) read(name string, dev Device) uint32 {
	if rio.err != nil {
		return 0
	}
	vs, err := rio.r.ReadRegister(name, 1, 0, dev)
	if err != nil {
		rio.err = err
		return 0
	}
	return vs[0]
}

func (rio *regio) write(name string, dev Device, v uint32) {
	if rio.err != nil {
		return
	}
	rio.err = rio.r.WriteRegister(name, []uint32{v}, 0, dev)
}

func (rio *regio) writes(name string, dev Device, offset int, vs []uint32) {
	if rio.err != nil {
		return
	}
	rio.err = rio.r.WriteRegister(name, vs, offset, dev)
}

func (rio *regio) reads(name string, dev Device, offset, count int) []uint32 {
	if rio.err != nil {
		return nil
	}
	vs, err := rio.r.ReadRegister(name, count, offset, dev)
	if err != nil {
		rio.err = err
		return nil
	}
	return vs
}

// writeAll writes v to the register name of every FPGA.
func (rio *regio) writeAll(name string, v uint32) {
	for _, dev := range fpgas {
		rio.write(name, dev, v)
	}
}
