// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package regmem provides memory-mapped register spaces.
//
// A register space may be backed by a file, so that its content survives
// the process and may be inspected or shared by other processes, or be
// anonymous.
package regmem // import "github.com/go-lpc/tpm/internal/regmem"

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"

	"golang.org/x/sys/unix"
)

var (
	errClosed = errors.New("regmem: closed")
)

// Handle is a memory-mapped register space.
type Handle struct {
	data []byte
}

// New creates an anonymous register space of size bytes.
func New(size int) (*Handle, error) {
	if size <= 0 {
		return nil, fmt.Errorf("regmem: invalid size %d", size)
	}
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("regmem: could not mmap %d bytes: %w", size, err)
	}
	return handleFrom(data), nil
}

// Open maps the file fname into memory, creating or growing it to
// size bytes when needed.
func Open(fname string, size int) (*Handle, error) {
	if size <= 0 {
		return nil, fmt.Errorf("regmem: invalid size %d", size)
	}
	f, err := os.OpenFile(fname, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("regmem: could not open %q: %w", fname, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("regmem: could not stat %q: %w", fname, err)
	}
	if fi.Size() < int64(size) {
		err = f.Truncate(int64(size))
		if err != nil {
			return nil, fmt.Errorf("regmem: could not resize %q: %w", fname, err)
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("regmem: could not mmap %q: %w", fname, err)
	}
	return handleFrom(data), nil
}

func handleFrom(data []byte) *Handle {
	h := &Handle{data: data}
	runtime.SetFinalizer(h, (*Handle).Close)
	return h
}

// Close unmaps the register space.
func (h *Handle) Close() error {
	if h == nil {
		return os.ErrInvalid
	}

	if h.data == nil {
		return nil
	}
	data := h.data
	h.data = nil
	runtime.SetFinalizer(h, nil)

	return unix.Munmap(data)
}

// Sync flushes the register space to its backing file.
func (h *Handle) Sync() error {
	if h == nil {
		return os.ErrInvalid
	}
	if h.data == nil {
		return errClosed
	}
	return unix.Msync(h.data, unix.MS_SYNC)
}

// Len returns the size of the register space in bytes.
func (h *Handle) Len() int {
	return len(h.data)
}

// ReadAt implements the io.ReaderAt interface.
func (h *Handle) ReadAt(p []byte, off int64) (int, error) {
	if h == nil {
		return 0, os.ErrInvalid
	}

	if h.data == nil {
		return 0, errClosed
	}
	if off < 0 || int64(len(h.data)) < off {
		return 0, fmt.Errorf("regmem: invalid ReadAt offset %d", off)
	}
	n := copy(p, h.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements the io.WriterAt interface.
func (h *Handle) WriteAt(p []byte, off int64) (int, error) {
	if h == nil {
		return 0, os.ErrInvalid
	}

	if h.data == nil {
		return 0, errClosed
	}
	if off < 0 || int64(len(h.data)) < off {
		return 0, fmt.Errorf("regmem: invalid WriteAt offset %d", off)
	}
	n := copy(h.data[off:], p)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

// U32 returns the little-endian word at byte offset off.
func (h *Handle) U32(off int) uint32 {
	return binary.LittleEndian.Uint32(h.data[off:])
}

// SetU32 sets the little-endian word at byte offset off.
func (h *Handle) SetU32(off int, v uint32) {
	binary.LittleEndian.PutUint32(h.data[off:], v)
}

var (
	_ io.ReaderAt = (*Handle)(nil)
	_ io.WriterAt = (*Handle)(nil)
	_ io.Closer   = (*Handle)(nil)
)
