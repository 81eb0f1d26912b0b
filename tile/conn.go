// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tile

import (
	"encoding/binary"
	"fmt"
	"io"
)

// rwer is a random access memory.
type rwer interface {
	io.ReaderAt
	io.WriterAt
}

type segment struct {
	base uint32 // TPM address
	size uint32
	off  int64 // offset in the image
}

// segments of the TPM address space stored in a Space image.
var segments = [...]segment{
	{base: 0x30000000, size: 0x00002000, off: 0x00000},
	{base: 0x00000000, size: 0x00010000, off: 0x02000},
	{base: 0x10000000, size: 0x00010000, off: 0x12000},
}

// SpaceSize is the size in bytes of a Space image.
const SpaceSize = 0x22000

// Space is a compact image of the TPM address space (board, FPGA1 and FPGA2
// segments) stored in a random access memory of SpaceSize bytes.
// Offsets passed to ReadAt and WriteAt are TPM addresses.
type Space struct {
	mem rwer
}

// NewSpace returns a TPM address space stored in mem.
func NewSpace(mem interface {
	io.ReaderAt
	io.WriterAt
}) *Space {
	return &Space{mem: mem}
}

func (sp *Space) translate(addr int64, n int) (int64, error) {
	for _, seg := range segments {
		beg := int64(seg.base)
		end := beg + int64(seg.size)
		if beg <= addr && addr+int64(n) <= end {
			return seg.off + addr - beg, nil
		}
	}
	return 0, fmt.Errorf("tile: address range [0x%08x, 0x%08x) outside of TPM address space", addr, addr+int64(n))
}

// ReadAt implements io.ReaderAt.
func (sp *Space) ReadAt(p []byte, off int64) (int, error) {
	pos, err := sp.translate(off, len(p))
	if err != nil {
		return 0, err
	}
	return sp.mem.ReadAt(p, pos)
}

// WriteAt implements io.WriterAt.
func (sp *Space) WriteAt(p []byte, off int64) (int, error) {
	pos, err := sp.translate(off, len(p))
	if err != nil {
		return 0, err
	}
	return sp.mem.WriteAt(p, pos)
}

// memConn is a connection to a register space held in memory.
type memConn struct {
	rw  rwer
	buf []byte
}

// NewMemConn returns a connection reading and writing little-endian words
// of rw, addressed by TPM address.
func NewMemConn(rw interface {
	io.ReaderAt
	io.WriterAt
}) Conn {
	return &memConn{rw: rw}
}

func (c *memConn) ReadWords(addr uint32, n int) ([]uint32, error) {
	if cap(c.buf) < 4*n {
		c.buf = make([]byte, 4*n)
	}
	buf := c.buf[:4*n]
	_, err := c.rw.ReadAt(buf, int64(addr))
	if err != nil {
		return nil, err
	}
	vs := make([]uint32, n)
	for i := range vs {
		vs[i] = binary.LittleEndian.Uint32(buf[4*i:])
	}
	return vs, nil
}

func (c *memConn) WriteWords(addr uint32, vs []uint32) error {
	if cap(c.buf) < 4*len(vs) {
		c.buf = make([]byte, 4*len(vs))
	}
	buf := c.buf[:4*len(vs)]
	for i, v := range vs {
		binary.LittleEndian.PutUint32(buf[4*i:], v)
	}
	_, err := c.rw.WriteAt(buf, int64(addr))
	return err
}

func (c *memConn) Close() error {
	return nil
}

var (
	_ rwer = (*Space)(nil)
	_ Conn = (*memConn)(nil)
)
