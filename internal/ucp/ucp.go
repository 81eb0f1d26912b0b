// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ucp implements the UDP control protocol used to read and write
// 32-bit words of a TPM register space.
//
// A request is made of a 16-byte header (packet sequence number, opcode,
// address and number of words, all little-endian uint32), followed by the
// payload words for a write, followed by a big-endian CRC-16/CCITT trailer
// computed over header and payload.
// A reply carries the same header layout, with the opcode replaced by a
// status code, followed by the payload words for a read and the CRC trailer.
package ucp // import "github.com/go-lpc/tpm/internal/ucp"

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/go-lpc/tpm/internal/crc16"
)

// Opcode identifies a control-plane request.
type Opcode uint32

const (
	OpRead  Opcode = 0x1
	OpWrite Opcode = 0x2
)

func (op Opcode) String() string {
	switch op {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	}
	return fmt.Sprintf("Opcode(%d)", uint32(op))
}

// Status is the completion code of a control-plane request.
type Status uint32

const (
	StatusOK      Status = 0x0
	StatusBadAddr Status = 0x1 // address outside of register space
	StatusBadOp   Status = 0x2 // unknown opcode
	StatusFailed  Status = 0x3 // device-side failure
)

func (st Status) String() string {
	switch st {
	case StatusOK:
		return "ok"
	case StatusBadAddr:
		return "bad address"
	case StatusBadOp:
		return "bad opcode"
	case StatusFailed:
		return "failed"
	}
	return fmt.Sprintf("Status(%d)", uint32(st))
}

const (
	hdrSize = 16
	crcSize = crc16.Size

	// MaxWords is the maximum number of words carried by a single packet.
	MaxWords = 256

	maxPacket = hdrSize + 4*MaxWords + crcSize
)

var (
	ErrTimeout  = errors.New("ucp: timeout")
	ErrChecksum = errors.New("ucp: invalid checksum")
	ErrPacket   = errors.New("ucp: invalid packet")
	ErrClosed   = errors.New("ucp: closed")
)

// StatusError is returned when the device rejected a request.
type StatusError struct {
	Op     Opcode
	Addr   uint32
	Status Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ucp: %v request at 0x%08x failed: %v", e.Op, e.Addr, e.Status)
}

type header struct {
	psn  uint32
	code uint32 // opcode (request) or status (reply)
	addr uint32
	n    uint32
}

func encode(dst []byte, hdr header, words []uint32) []byte {
	dst = dst[:0]
	dst = binary.LittleEndian.AppendUint32(dst, hdr.psn)
	dst = binary.LittleEndian.AppendUint32(dst, hdr.code)
	dst = binary.LittleEndian.AppendUint32(dst, hdr.addr)
	dst = binary.LittleEndian.AppendUint32(dst, hdr.n)
	for _, w := range words {
		dst = binary.LittleEndian.AppendUint32(dst, w)
	}
	return binary.BigEndian.AppendUint16(dst, crc16.Checksum(dst))
}

// decode decodes a packet and returns its header and payload words.
// The payload is appended to words.
func decode(raw []byte, words []uint32) (header, []uint32, error) {
	var hdr header
	if len(raw) < hdrSize+crcSize || (len(raw)-hdrSize-crcSize)%4 != 0 {
		return hdr, words, fmt.Errorf("%w: size=%d", ErrPacket, len(raw))
	}
	var (
		body = raw[:len(raw)-crcSize]
		want = binary.BigEndian.Uint16(raw[len(body):])
	)
	if got := crc16.Checksum(body); got != want {
		return hdr, words, fmt.Errorf("%w: got=0x%04x, want=0x%04x", ErrChecksum, got, want)
	}

	hdr.psn = binary.LittleEndian.Uint32(body[0:])
	hdr.code = binary.LittleEndian.Uint32(body[4:])
	hdr.addr = binary.LittleEndian.Uint32(body[8:])
	hdr.n = binary.LittleEndian.Uint32(body[12:])
	if hdr.n > MaxWords {
		return hdr, words, fmt.Errorf("%w: too many words (n=%d)", ErrPacket, hdr.n)
	}

	for p := body[hdrSize:]; len(p) > 0; p = p[4:] {
		words = append(words, binary.LittleEndian.Uint32(p))
	}
	return hdr, words, nil
}
