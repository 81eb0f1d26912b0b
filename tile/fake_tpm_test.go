// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tile

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/tpm/internal/regmem"
	"github.com/prometheus/client_golang/prometheus"
)

var errLinkDown = errors.New("fake: link down")

type access struct {
	write bool
	addr  uint32
	n     int
}

// fakeTPM is an in-memory TPM. It records every access made through its
// connections and emulates the few hardware behaviours the manager
// relies upon: FPGA programming, erasure and a ticking FPGA time.
type fakeTPM struct {
	t   *testing.T
	mem *regmem.Handle
	raw Conn       // direct access to the register space
	reg *Registers // named access to the register space

	mu     sync.Mutex
	down   bool
	dials  []time.Time
	refuse int // number of dials to refuse
	ops    []access
	tick bool // FPGA time advances at every read
	prog bool // programming sets the done flags

	timeAddr  uint32 // address of the FPGA time
	progAddr  uint32
	eraseAddr uint32
	done      []uint32 // addresses of the programming flags
}

func newFakeTPM(t *testing.T) *fakeTPM {
	t.Helper()

	mem, err := regmem.New(SpaceSize)
	if err != nil {
		t.Fatalf("could not create register space: %+v", err)
	}
	t.Cleanup(func() { _ = mem.Close() })

	raw := NewMemConn(NewSpace(mem))
	tpm := &fakeTPM{
		t:    t,
		mem:  mem,
		raw:  raw,
		reg:  newRegisters(raw, BoardMap(), DefaultDesignMap()),
		tick: true,
		prog: true,
	}
	tpm.timeAddr = tpm.addr("fpga1.pps_manager.curr_time_read_val")
	tpm.progAddr = tpm.addr("board.smap.program")
	tpm.eraseAddr = tpm.addr("board.smap.erase")
	tpm.done = []uint32{
		tpm.addr("board.regfile.fpga_status"),
		tpm.addr("board.regfile.xilinx"),
	}
	tpm.set("board.regfile.date_code", 0x20260101)
	return tpm
}

func (tpm *fakeTPM) set(name string, v uint32) {
	tpm.t.Helper()
	tpm.mu.Lock()
	defer tpm.mu.Unlock()
	err := tpm.reg.Write(name, v)
	if err != nil {
		tpm.t.Fatalf("could not set %q: %+v", name, err)
	}
}

func (tpm *fakeTPM) get(name string) uint32 {
	tpm.t.Helper()
	tpm.mu.Lock()
	defer tpm.mu.Unlock()
	v, err := tpm.reg.Read(name)
	if err != nil {
		tpm.t.Fatalf("could not get %q: %+v", name, err)
	}
	return v
}

func (tpm *fakeTPM) words(name string, n int) []uint32 {
	tpm.t.Helper()
	tpm.mu.Lock()
	defer tpm.mu.Unlock()
	vs, err := tpm.reg.ReadRegister(name, n, 0, DeviceNone)
	if err != nil {
		tpm.t.Fatalf("could not get %q: %+v", name, err)
	}
	return vs
}

func (tpm *fakeTPM) addr(name string) uint32 {
	tpm.t.Helper()
	reg, err := tpm.reg.Lookup(name, DeviceNone)
	if err != nil {
		tpm.t.Fatalf("could not lookup %q: %+v", name, err)
	}
	return reg.Address
}

// program marks both FPGAs as programmed and sets the tile identity.
func (tpm *fakeTPM) program(station, tile int) {
	tpm.set("board.regfile.xilinx.done", 0x3)
	tpm.set("board.regfile.fpga_status.done", 0x3)
	for _, dev := range []string{"fpga1", "fpga2"} {
		tpm.set(dev+".dsp_regfile.config_id.station_id", uint32(station))
		tpm.set(dev+".dsp_regfile.config_id.tile_id", uint32(tile))
	}
}

func (tpm *fakeTPM) setDown(down bool) {
	tpm.mu.Lock()
	defer tpm.mu.Unlock()
	tpm.down = down
}

// reset forgets the recorded accesses.
func (tpm *fakeTPM) reset() {
	tpm.mu.Lock()
	defer tpm.mu.Unlock()
	tpm.ops = tpm.ops[:0]
}

func (tpm *fakeTPM) accesses() []access {
	tpm.mu.Lock()
	defer tpm.mu.Unlock()
	return append([]access(nil), tpm.ops...)
}

func (tpm *fakeTPM) writes() []access {
	var ws []access
	for _, op := range tpm.accesses() {
		if op.write {
			ws = append(ws, op)
		}
	}
	return ws
}

func (tpm *fakeTPM) dialTimes() []time.Time {
	tpm.mu.Lock()
	defer tpm.mu.Unlock()
	return append([]time.Time(nil), tpm.dials...)
}

func (tpm *fakeTPM) dial(ctx context.Context, addr string) (Conn, error) {
	tpm.mu.Lock()
	defer tpm.mu.Unlock()
	tpm.dials = append(tpm.dials, time.Now())
	switch {
	case tpm.down:
		return nil, errLinkDown
	case tpm.refuse > 0:
		tpm.refuse--
		return nil, errLinkDown
	}
	return &fakeConn{tpm: tpm}, nil
}

type fakeConn struct {
	tpm *fakeTPM
}

func (c *fakeConn) ReadWords(addr uint32, n int) ([]uint32, error) {
	tpm := c.tpm
	tpm.mu.Lock()
	defer tpm.mu.Unlock()
	if tpm.down {
		return nil, errLinkDown
	}
	tpm.ops = append(tpm.ops, access{addr: addr, n: n})

	vs, err := tpm.raw.ReadWords(addr, n)
	if err != nil {
		return nil, err
	}
	if addr == tpm.timeAddr && tpm.tick {
		_ = tpm.raw.WriteWords(addr, []uint32{vs[0] + 1})
	}
	return vs, nil
}

func (c *fakeConn) WriteWords(addr uint32, vs []uint32) error {
	tpm := c.tpm
	tpm.mu.Lock()
	defer tpm.mu.Unlock()
	if tpm.down {
		return errLinkDown
	}
	tpm.ops = append(tpm.ops, access{write: true, addr: addr, n: len(vs)})

	err := tpm.raw.WriteWords(addr, vs)
	if err != nil {
		return err
	}

	switch addr {
	case tpm.progAddr:
		if vs[0] == 0 && tpm.prog {
			tpm.setDoneLocked(0x3)
		}
	case tpm.eraseAddr:
		if vs[0] != 0 {
			tpm.setDoneLocked(0)
		}
	}
	return nil
}

func (tpm *fakeTPM) setDoneLocked(v uint32) {
	for _, addr := range tpm.done {
		_ = tpm.raw.WriteWords(addr, []uint32{v})
	}
}

func (c *fakeConn) Close() error { return nil }

// recObserver records the notifications of a manager.
type recObserver struct {
	mu     sync.Mutex
	comm   []bool
	status []Status
	faults []error
}

func (obs *recObserver) CommunicationChanged(ok bool) {
	obs.mu.Lock()
	defer obs.mu.Unlock()
	obs.comm = append(obs.comm, ok)
}

func (obs *recObserver) StatusChanged(st Status) {
	obs.mu.Lock()
	defer obs.mu.Unlock()
	obs.status = append(obs.status, st)
}

func (obs *recObserver) Faulted(err error) {
	obs.mu.Lock()
	defer obs.mu.Unlock()
	obs.faults = append(obs.faults, err)
}

func (obs *recObserver) statuses() []Status {
	obs.mu.Lock()
	defer obs.mu.Unlock()
	return append([]Status(nil), obs.status...)
}

func (obs *recObserver) nfaults() int {
	obs.mu.Lock()
	defer obs.mu.Unlock()
	return len(obs.faults)
}

func testMsgStream() log.MsgStream {
	return log.NewMsgStream("tile", log.LvlInfo, io.Discard)
}

// newTestManager creates a manager connected to tpm.
func newTestManager(t *testing.T, tpm *fakeTPM, opts ...Option) *Manager {
	t.Helper()
	m := newIdleManager(t, tpm, opts...)
	m.StartCommunicating()
	waitFor(t, "connection", m.Communicating)
	return m
}

// newIdleManager creates a manager for tpm, without requesting the connection.
func newIdleManager(t *testing.T, tpm *fakeTPM, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{
		WithAddr("fake-tpm:10000"),
		WithIDs(1, 2),
		WithDialer(tpm.dial),
		WithRetry(3, time.Millisecond, 10*time.Millisecond),
		WithPollInterval(time.Hour),
		WithPPSWait(100*time.Microsecond, 1100),
		WithMsgStream(testMsgStream()),
		WithRegisterer(prometheus.NewRegistry()),
	}, opts...)

	m, err := NewManager(opts...)
	if err != nil {
		t.Fatalf("could not create manager: %+v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-timeout:
			t.Fatalf("timeout waiting for %s", what)
		case <-time.After(time.Millisecond):
		}
	}
}
