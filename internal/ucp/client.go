// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ucp

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"
)

// Client is a control-plane client.
// Requests issued by concurrent goroutines are serialized.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
	psn  uint32

	timeout time.Duration
	retries int

	wbuf []byte
	rbuf []byte
	ws   []uint32
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the time to wait for a reply before retrying.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.timeout = timeout
	}
}

// WithRetries sets the number of times a request is re-sent
// after a timeout.
func WithRetries(n int) Option {
	return func(c *Client) {
		c.retries = n
	}
}

// Dial connects to the control plane of the device at addr (host:port).
func Dial(addr string, opts ...Option) (*Client, error) {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("ucp: could not dial %q: %w", addr, err)
	}
	return newClient(conn, opts...), nil
}

func newClient(conn net.Conn, opts ...Option) *Client {
	c := &Client{
		conn:    conn,
		timeout: 200 * time.Millisecond,
		retries: 3,
		wbuf:    make([]byte, 0, maxPacket),
		rbuf:    make([]byte, maxPacket),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	if err != nil {
		return fmt.Errorf("ucp: could not close connection: %w", err)
	}
	return nil
}

// ReadWords reads n consecutive 32-bit words starting at addr.
func (c *Client) ReadWords(addr uint32, n int) ([]uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]uint32, 0, n)
	for n > 0 {
		sz := min(n, MaxWords)
		ws, err := c.do(OpRead, addr, sz, nil)
		if err != nil {
			return nil, err
		}
		out = append(out, ws...)
		addr += uint32(4 * sz)
		n -= sz
	}
	return out, nil
}

// WriteWords writes vs to consecutive 32-bit words starting at addr.
func (c *Client) WriteWords(addr uint32, vs []uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for len(vs) > 0 {
		sz := min(len(vs), MaxWords)
		_, err := c.do(OpWrite, addr, sz, vs[:sz])
		if err != nil {
			return err
		}
		addr += uint32(4 * sz)
		vs = vs[sz:]
	}
	return nil
}

func (c *Client) do(op Opcode, addr uint32, n int, payload []uint32) ([]uint32, error) {
	if c.conn == nil {
		return nil, ErrClosed
	}

	c.psn++
	hdr := header{psn: c.psn, code: uint32(op), addr: addr, n: uint32(n)}
	c.wbuf = encode(c.wbuf, hdr, payload)

	var err error
	for try := 0; try <= c.retries; try++ {
		_, err = c.conn.Write(c.wbuf)
		if err != nil {
			return nil, fmt.Errorf("ucp: could not send %v request at 0x%08x: %w", op, addr, err)
		}

		var ws []uint32
		ws, err = c.recv(hdr)
		switch {
		case err == nil:
			return ws, nil
		case errors.Is(err, ErrTimeout):
			continue
		default:
			return nil, err
		}
	}
	return nil, fmt.Errorf("ucp: no reply to %v request at 0x%08x after %d attempts: %w",
		op, addr, c.retries+1, err,
	)
}

// recv waits for the reply matching req, discarding stale packets.
func (c *Client) recv(req header) ([]uint32, error) {
	deadline := time.Now().Add(c.timeout)
	err := c.conn.SetReadDeadline(deadline)
	if err != nil {
		return nil, fmt.Errorf("ucp: could not set read deadline: %w", err)
	}

	for {
		n, err := c.conn.Read(c.rbuf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return nil, ErrTimeout
			}
			return nil, fmt.Errorf("ucp: could not receive reply: %w", err)
		}

		var hdr header
		hdr, c.ws, err = decode(c.rbuf[:n], c.ws[:0])
		if err != nil {
			return nil, err
		}
		if hdr.psn != req.psn {
			continue
		}

		op := Opcode(req.code)
		if st := Status(hdr.code); st != StatusOK {
			return nil, &StatusError{Op: op, Addr: req.addr, Status: st}
		}
		if op == OpRead && hdr.n != req.n {
			return nil, fmt.Errorf("%w: read reply with %d words (want=%d)", ErrPacket, hdr.n, req.n)
		}
		if op == OpRead && len(c.ws) != int(req.n) {
			return nil, fmt.Errorf("%w: read reply payload with %d words (want=%d)", ErrPacket, len(c.ws), req.n)
		}

		out := make([]uint32, len(c.ws))
		copy(out, c.ws)
		return out, nil
	}
}
