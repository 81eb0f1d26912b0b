// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-daq/tdaq/log"
)

// Manager owns the connection to a TPM.
//
// A background goroutine establishes the connection when communication is
// requested, retrying a bounded number of times before cooling down, and
// then polls the board to detect a loss of communication.
// Every access to the hardware, including the liveness probes, is done
// while holding the hardware lock.
type Manager struct {
	cfg   config
	msg   log.MsgStream
	model model
	met   *metrics
	board *Map
	defs  *Map // default design map

	lock     hwlock
	regs     *Registers // nil while disconnected
	fwmap    *Map       // design map of the downloaded firmware
	firmware string     // downloaded bitfile

	status    atomic.Int32
	connected atomic.Bool
	want      atomic.Bool

	wake   chan struct{}
	quit   chan struct{}
	evquit chan struct{}
	events chan event
	mon    sync.WaitGroup
	ntf    sync.WaitGroup
	once   sync.Once
}

// NewManager creates a new manager for a TPM and starts its monitoring
// goroutine. Communication is not requested until StartCommunicating.
func NewManager(opts ...Option) (*Manager, error) {
	cfg := newConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	mdl, err := newModel(cfg.model)
	if err != nil {
		return nil, fmt.Errorf("tile: could not create manager: %w", err)
	}
	switch {
	case cfg.retry.attempts <= 0:
		return nil, fmt.Errorf("tile: could not create manager: %w", invalidf("retry attempts=%d", cfg.retry.attempts))
	case cfg.pps.max <= 0:
		return nil, fmt.Errorf("tile: could not create manager: %w", invalidf("PPS wait max polls=%d", cfg.pps.max))
	case cfg.samplingRate <= 0:
		return nil, fmt.Errorf("tile: could not create manager: %w", invalidf("sampling rate=%v", cfg.samplingRate))
	case cfg.dial == nil:
		return nil, fmt.Errorf("tile: could not create manager: %w", invalidf("nil dialer"))
	}

	label := cfg.addr
	if label == "" {
		label = fmt.Sprintf("%d.%d", cfg.station, cfg.tile)
	}
	met, err := newMetrics(cfg.reg, label)
	if err != nil {
		return nil, fmt.Errorf("tile: could not create manager metrics: %w", err)
	}

	obs := cfg.obs
	if obs == nil {
		obs = nopObserver{}
	}

	m := &Manager{
		cfg:    cfg,
		msg:    cfg.msgstream(),
		model:  mdl,
		met:    met,
		board:  BoardMap(),
		defs:   DefaultDesignMap(),
		lock:   newHWLock(),
		wake:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
		evquit: make(chan struct{}),
		events: make(chan event, 64),
	}
	m.status.Store(int32(Unconnected))
	m.met.status.Set(float64(Unconnected))

	m.ntf.Add(1)
	go m.notify(obs)

	m.mon.Add(1)
	go m.monitor()

	return m, nil
}

// Close stops the monitoring goroutine and closes the connection to the TPM.
func (m *Manager) Close() error {
	var err error
	m.once.Do(func() {
		m.want.Store(false)
		close(m.quit)
		m.mon.Wait()

		m.lock.c <- struct{}{}
		if m.regs != nil {
			err = m.regs.conn.Close()
			if err != nil {
				err = fmt.Errorf("tile: could not close connection: %w", err)
			}
		}
		m.regs = nil
		if m.connected.Swap(false) {
			m.emit(event{kind: evComm, ok: false})
		}
		m.setStatusLocked(Unconnected)
		m.lock.release()

		close(m.evquit)
		m.ntf.Wait()
	})
	return err
}

// StartCommunicating requests the connection to the TPM.
// It does not wait for the connection to be established.
func (m *Manager) StartCommunicating() {
	m.want.Store(true)
	m.poke()
}

// StopCommunicating requests the disconnection from the TPM.
// It does not wait for the connection to be closed.
func (m *Manager) StopCommunicating() {
	m.want.Store(false)
	m.poke()
}

// Communicating reports whether a connection to the TPM is established.
func (m *Manager) Communicating() bool {
	return m.connected.Load()
}

// Status returns the status of the TPM.
// When the cached status is Unknown or Unconnected while a connection is
// established, the board is probed to derive the actual status.
func (m *Manager) Status() Status {
	st := Status(m.status.Load())
	if st != Unknown && st != Unconnected {
		return st
	}
	if !m.connected.Load() {
		return st
	}

	err := m.lock.acquire(m.cfg.lock.timeout)
	if err != nil {
		m.met.lockTimeouts.Inc()
		m.msg.Warnf("tile: could not probe status: %+v", err)
		return st
	}
	defer m.lock.release()

	if m.regs == nil {
		return Status(m.status.Load())
	}
	st = m.probeLocked()
	m.setStatusLocked(st)
	return st
}

// Addr returns the control-plane address of the TPM.
func (m *Manager) Addr() string { return m.cfg.addr }

// Model returns the hardware revision of the TPM.
func (m *Manager) Model() string { return m.model.name() }

// Firmware returns the name of the last downloaded bitfile.
func (m *Manager) Firmware() (string, error) {
	var fw string
	err := m.withHardware("get firmware", func(*Registers) error {
		fw = m.firmware
		return nil
	})
	return fw, err
}

// Exec runs f while holding the hardware lock.
func (m *Manager) Exec(f func(r *Registers) error) error {
	return m.withHardware("exec", f)
}

func (m *Manager) poke() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// withHardware runs f while holding the hardware lock.
// Hardware I/O errors drop the connection.
func (m *Manager) withHardware(op string, f func(r *Registers) error) error {
	err := m.lock.acquire(m.cfg.lock.timeout)
	if err != nil {
		m.met.lockTimeouts.Inc()
		m.msg.Warnf("tile: could not %s: %+v", op, err)
		return fmt.Errorf("tile: could not %s: %w", op, err)
	}
	defer m.lock.release()

	if m.regs == nil {
		return fmt.Errorf("tile: could not %s: %w", op, ErrNotConnected)
	}

	err = f(m.regs)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrHardwareIO):
		m.dropLocked(err)
		return fmt.Errorf("tile: could not %s: %w: %w", op, ErrCommunicationLost, err)
	default:
		return fmt.Errorf("tile: could not %s: %w", op, err)
	}
}

func (m *Manager) setStatusLocked(st Status) {
	old := Status(m.status.Swap(int32(st)))
	m.met.status.Set(float64(st))
	if old == st {
		return
	}
	m.msg.Infof("tile: status %v -> %v", old, st)
	m.emit(event{kind: evStatus, st: st})
}

func (m *Manager) emit(ev event) {
	select {
	case m.events <- ev:
	default:
		m.msg.Warnf("tile: observer too slow, dropping notification %+v", ev)
	}
}

func (m *Manager) notify(obs Observer) {
	defer m.ntf.Done()
	for {
		select {
		case ev := <-m.events:
			ev.deliver(obs)
		case <-m.evquit:
			for {
				select {
				case ev := <-m.events:
					ev.deliver(obs)
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) monitor() {
	defer m.mon.Done()

	for {
		wait := m.cfg.poll
		want, conn := m.want.Load(), m.connected.Load()
		switch {
		case want && !conn:
			m.drain()
			ok, quit := m.connectCycle()
			switch {
			case quit:
				return
			case !ok && m.want.Load():
				m.msg.Warnf("tile: could not connect to %q after %d attempts, retrying in %v",
					m.cfg.addr, m.cfg.retry.attempts, m.cfg.retry.cooldown,
				)
				wait = m.cfg.retry.cooldown
			}
		case !want && conn:
			m.disconnect()
			continue
		case want && conn:
			m.checkLiveness()
		}

		if !m.wait(wait) {
			return
		}
	}
}

// drain discards a pending wake-up request.
func (m *Manager) drain() {
	select {
	case <-m.wake:
	default:
	}
}

// sleep pauses for d, returning false if the manager is closed meanwhile.
func (m *Manager) sleep(d time.Duration) bool {
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-m.quit:
		return false
	case <-tmr.C:
		return true
	}
}

// wait is like sleep, but returns early when a change of communication
// is requested.
func (m *Manager) wait(d time.Duration) bool {
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-m.quit:
		return false
	case <-m.wake:
		return true
	case <-tmr.C:
		return true
	}
}

// connectCycle runs one cycle of connection attempts.
func (m *Manager) connectCycle() (ok, quit bool) {
	for i := 0; i < m.cfg.retry.attempts; i++ {
		if i > 0 && !m.sleep(m.cfg.retry.spacing) {
			return false, true
		}
		if !m.want.Load() {
			return false, false
		}
		err := m.connect()
		if err == nil {
			return true, false
		}
		m.msg.Debugf("tile: connection attempt %d/%d to %q failed: %+v",
			i+1, m.cfg.retry.attempts, m.cfg.addr, err,
		)
	}
	return false, false
}

func (m *Manager) connect() error {
	m.met.attempts.Inc()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.retry.dial)
	defer cancel()

	conn, err := m.cfg.dial(ctx, m.cfg.addr)
	if err != nil {
		return fmt.Errorf("tile: could not dial %q: %w", m.cfg.addr, err)
	}

	err = m.lock.acquire(m.cfg.lock.timeout)
	if err != nil {
		m.met.lockTimeouts.Inc()
		_ = conn.Close()
		return err
	}
	defer m.lock.release()

	regs := newRegisters(conn, m.board, nil)
	_, err = regs.Read("board.regfile.date_code")
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("tile: could not probe %q: %w", m.cfg.addr, err)
	}

	m.regs = regs
	m.connected.Store(true)
	m.msg.Infof("tile: connected to %q", m.cfg.addr)
	m.emit(event{kind: evComm, ok: true})

	m.setStatusLocked(m.probeLocked())
	return nil
}

func (m *Manager) disconnect() {
	err := m.lock.acquire(m.cfg.lock.timeout)
	if err != nil {
		m.met.lockTimeouts.Inc()
		m.msg.Warnf("tile: could not disconnect: %+v", err)
		return
	}
	defer m.lock.release()

	m.closeLocked()
	m.msg.Infof("tile: disconnected from %q", m.cfg.addr)
}

func (m *Manager) closeLocked() {
	if m.regs != nil {
		err := m.regs.conn.Close()
		if err != nil {
			m.msg.Warnf("tile: could not close connection to %q: %+v", m.cfg.addr, err)
		}
		m.regs = nil
	}
	if m.connected.Swap(false) {
		m.emit(event{kind: evComm, ok: false})
	}
	m.setStatusLocked(Unconnected)
}

// dropLocked closes the connection after a hardware failure.
func (m *Manager) dropLocked(err error) {
	m.met.ioErrors.Inc()
	m.msg.Errorf("tile: communication lost with %q: %+v", m.cfg.addr, err)
	m.closeLocked()
	m.emit(event{kind: evFault, err: fmt.Errorf("%w: %w", ErrCommunicationLost, err)})
	m.poke()
}

func (m *Manager) checkLiveness() {
	err := m.lock.acquire(m.cfg.lock.timeout)
	if err != nil {
		m.met.lockTimeouts.Inc()
		m.msg.Warnf("tile: skipping liveness probe: %+v", err)
		return
	}
	defer m.lock.release()

	if m.regs == nil {
		return
	}

	_, err = m.regs.Read("board.regfile.date_code")
	if err != nil {
		m.dropLocked(fmt.Errorf("tile: liveness probe failed: %w", err))
		return
	}

	if Status(m.status.Load()) != Initialised {
		return
	}
	frame, err := m.regs.Read("fpga1.pps_manager.timestamp_read_val")
	switch {
	case errors.Is(err, ErrHardwareIO):
		m.dropLocked(fmt.Errorf("tile: liveness probe failed: %w", err))
	case err != nil:
		m.msg.Warnf("tile: could not read FPGA frame: %+v", err)
	case frame > 0:
		m.setStatusLocked(Synchronised)
	}
}

// probeLocked derives the status of the board: programmed, then carrying
// the expected tile identity, then with a running frame counter.
func (m *Manager) probeLocked() Status {
	r := m.regs
	prog, err := m.programmedLocked(r)
	if err != nil {
		return m.probeFailed(err)
	}
	if !prog {
		r.design = nil
		return Unprogrammed
	}
	if r.design == nil {
		r.design = m.designMap()
	}

	rio := regio{r: r}
	tile := rio.read("dsp_regfile.config_id.tile_id", FPGA1)
	station := rio.read("dsp_regfile.config_id.station_id", FPGA1)
	if rio.err != nil {
		return m.probeFailed(rio.err)
	}
	if int(tile) != m.cfg.tile || int(station) != m.cfg.station {
		return Programmed
	}

	frame := rio.read("pps_manager.timestamp_read_val", FPGA1)
	if rio.err != nil {
		return m.probeFailed(rio.err)
	}
	if frame == 0 {
		return Initialised
	}
	return Synchronised
}

func (m *Manager) probeFailed(err error) Status {
	m.msg.Warnf("tile: could not probe status: %+v", err)
	if errors.Is(err, ErrHardwareIO) {
		m.dropLocked(err)
	}
	return Unconnected
}

func (m *Manager) programmedLocked(r *Registers) (bool, error) {
	v, err := r.Read(m.model.done())
	if err != nil {
		return false, err
	}
	return v == 0x3, nil
}

func (m *Manager) designMap() *Map {
	if m.fwmap != nil {
		return m.fwmap
	}
	return m.defs
}

// ReadRegister reads at most count values of the register name of device
// dev, starting at offset.
func (m *Manager) ReadRegister(name string, count, offset int, dev Device) ([]uint32, error) {
	var vs []uint32
	err := m.withHardware("read register", func(r *Registers) error {
		var err error
		vs, err = r.ReadRegister(name, count, offset, dev)
		return err
	})
	return vs, err
}

// WriteRegister writes values to the register name of device dev,
// starting at offset.
func (m *Manager) WriteRegister(name string, values []uint32, offset int, dev Device) error {
	return m.withHardware("write register", func(r *Registers) error {
		return r.WriteRegister(name, values, offset, dev)
	})
}

// ReadAddress reads count words starting at addr.
func (m *Manager) ReadAddress(addr uint32, count int) ([]uint32, error) {
	var vs []uint32
	err := m.withHardware("read address", func(r *Registers) error {
		var err error
		vs, err = r.ReadAddress(addr, count)
		return err
	})
	return vs, err
}

// WriteAddress writes values starting at addr.
func (m *Manager) WriteAddress(addr uint32, values []uint32) error {
	return m.withHardware("write address", func(r *Registers) error {
		return r.WriteAddress(addr, values)
	})
}

// Read reads the fully qualified register name.
func (m *Manager) Read(name string) (uint32, error) {
	var v uint32
	err := m.withHardware("read register", func(r *Registers) error {
		var err error
		v, err = r.Read(name)
		return err
	})
	return v, err
}

// Write writes v to the fully qualified register name.
func (m *Manager) Write(name string, v uint32) error {
	return m.withHardware("write register", func(r *Registers) error {
		return r.Write(name, v)
	})
}

// requireStatus fails with ErrNotReady when the TPM status is below st.
func (m *Manager) requireStatus(op string, st Status) error {
	if cur := m.Status(); cur < st {
		return fmt.Errorf("tile: could not %s: %w (status=%v, want>=%v)", op, ErrNotReady, cur, st)
	}
	return nil
}
