// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ucp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sync"
)

// Memory is a little-endian register space served by a Server.
type Memory interface {
	io.ReaderAt
	io.WriterAt
}

// Server answers control-plane requests on behalf of a device,
// reading and writing words into a register space.
type Server struct {
	pc  net.PacketConn
	mem Memory
	msg *log.Logger

	// drop, when non-nil, is consulted for every request.
	// Requests for which it returns true are not answered.
	drop func(psn uint32) bool

	mu sync.Mutex // serializes accesses to mem
}

// NewServer creates a server answering requests received on pc.
func NewServer(pc net.PacketConn, mem Memory) *Server {
	return &Server{
		pc:  pc,
		mem: mem,
		msg: log.New(os.Stdout, "ucp: ", 0),
	}
}

// Addr returns the network address the server listens on.
func (srv *Server) Addr() net.Addr {
	return srv.pc.LocalAddr()
}

// Serve answers requests until ctx is done or the connection is closed.
func (srv *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = srv.pc.Close()
	}()

	var (
		buf = make([]byte, maxPacket)
		out = make([]byte, 0, maxPacket)
		ws  []uint32
	)
	for {
		n, addr, err := srv.pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("ucp: could not read request: %w", err)
		}

		var hdr header
		hdr, ws, err = decode(buf[:n], ws[:0])
		if err != nil {
			srv.msg.Printf("dropping invalid request from %v: %+v", addr, err)
			continue
		}
		if srv.drop != nil && srv.drop(hdr.psn) {
			continue
		}

		rep, words := srv.handle(hdr, ws)
		out = encode(out, rep, words)
		_, err = srv.pc.WriteTo(out, addr)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("ucp: could not send reply to %v: %w", addr, err)
		}
	}
}

// Close stops the server.
func (srv *Server) Close() error {
	return srv.pc.Close()
}

func (srv *Server) handle(req header, payload []uint32) (header, []uint32) {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	rep := header{psn: req.psn, addr: req.addr, n: req.n}
	switch Opcode(req.code) {
	case OpRead:
		raw := make([]byte, 4*req.n)
		_, err := srv.mem.ReadAt(raw, int64(req.addr))
		if err != nil {
			rep.code = uint32(StatusBadAddr)
			rep.n = 0
			return rep, nil
		}
		words := make([]uint32, req.n)
		for i := range words {
			words[i] = binary.LittleEndian.Uint32(raw[4*i:])
		}
		return rep, words

	case OpWrite:
		if int(req.n) != len(payload) {
			rep.code = uint32(StatusFailed)
			return rep, nil
		}
		raw := make([]byte, 4*len(payload))
		for i, w := range payload {
			binary.LittleEndian.PutUint32(raw[4*i:], w)
		}
		_, err := srv.mem.WriteAt(raw, int64(req.addr))
		if err != nil {
			rep.code = uint32(StatusBadAddr)
		}
		return rep, nil

	default:
		rep.code = uint32(StatusBadOp)
		rep.n = 0
		return rep, nil
	}
}
