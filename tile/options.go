// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tile

import (
	"context"
	"os"
	"time"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/tpm/internal/ucp"
	"github.com/prometheus/client_golang/prometheus"
)

// Dialer opens a connection to the control plane of the TPM at addr.
type Dialer func(ctx context.Context, addr string) (Conn, error)

// DialUCP dials the UDP control plane of a TPM.
func DialUCP(ctx context.Context, addr string) (Conn, error) {
	var opts []ucp.Option
	if dl, ok := ctx.Deadline(); ok {
		opts = append(opts, ucp.WithTimeout(time.Until(dl)))
	}
	return ucp.Dial(addr, opts...)
}

type config struct {
	addr    string
	station int
	tile    int
	model   string

	fwdir    string
	firmware string // selected bitfile
	first    bool   // first tile of the beamforming chain
	last     bool   // last tile of the beamforming chain

	lock struct {
		timeout time.Duration
	}
	retry struct {
		attempts int
		spacing  time.Duration
		cooldown time.Duration
		dial     time.Duration // timeout of a single connection attempt
	}
	poll time.Duration // liveness poll interval

	pps struct {
		poll time.Duration
		max  int
		lo   int // reference window of the PPS delay
		hi   int
	}
	delay DelayCorrector

	samplingRate float64

	dial Dialer
	msg  log.MsgStream
	obs  Observer
	reg  prometheus.Registerer
}

func newConfig() config {
	var cfg config
	cfg.model = ModelTPM16
	cfg.first = true
	cfg.last = true
	cfg.lock.timeout = 500 * time.Millisecond
	cfg.retry.attempts = 10
	cfg.retry.spacing = 500 * time.Millisecond
	cfg.retry.cooldown = 10 * time.Second
	cfg.retry.dial = 1 * time.Second
	cfg.poll = 2 * time.Second
	cfg.pps.poll = 1 * time.Millisecond
	cfg.pps.max = 1100
	cfg.pps.lo = 16
	cfg.pps.hi = 24
	cfg.delay = DefaultDelayCorrector
	cfg.samplingRate = SamplingRate
	cfg.dial = DialUCP
	return cfg
}

// Option configures a Manager.
type Option func(*config)

// WithAddr sets the control-plane address (host:port) of the TPM.
func WithAddr(addr string) Option {
	return func(cfg *config) {
		cfg.addr = addr
	}
}

// WithIDs sets the station and tile identifiers written to the TPM
// during initialisation.
func WithIDs(station, tile int) Option {
	return func(cfg *config) {
		cfg.station = station
		cfg.tile = tile
	}
}

// WithModel selects the hardware revision of the TPM (ModelTPM12 or ModelTPM16).
func WithModel(model string) Option {
	return func(cfg *config) {
		cfg.model = model
	}
}

// WithFirmware sets the directory holding bitfiles and selects the bitfile
// used when the TPM needs programming.
func WithFirmware(dir, bitfile string) Option {
	return func(cfg *config) {
		cfg.fwdir = dir
		cfg.firmware = bitfile
	}
}

// WithChain sets the position of the tile in the beamforming chain.
func WithChain(first, last bool) Option {
	return func(cfg *config) {
		cfg.first = first
		cfg.last = last
	}
}

// WithLockTimeout sets the maximum time to wait for the hardware lock.
func WithLockTimeout(timeout time.Duration) Option {
	return func(cfg *config) {
		cfg.lock.timeout = timeout
	}
}

// WithRetry sets the connection retry policy: attempts per cycle,
// spacing between attempts and cooldown between failed cycles.
func WithRetry(attempts int, spacing, cooldown time.Duration) Option {
	return func(cfg *config) {
		cfg.retry.attempts = attempts
		cfg.retry.spacing = spacing
		cfg.retry.cooldown = cooldown
	}
}

// WithPollInterval sets the interval between liveness probes.
func WithPollInterval(poll time.Duration) Option {
	return func(cfg *config) {
		cfg.poll = poll
	}
}

// WithPPSWait sets the polling interval and maximum number of polls
// used while waiting for a PPS edge.
func WithPPSWait(poll time.Duration, max int) Option {
	return func(cfg *config) {
		cfg.pps.poll = poll
		cfg.pps.max = max
	}
}

// WithDelayCorrector sets the terminal-count correction used by the
// post-synchronisation step.
func WithDelayCorrector(dc DelayCorrector) Option {
	return func(cfg *config) {
		cfg.delay = dc
	}
}

// WithSamplingRate sets the ADC sampling rate, in Hz.
func WithSamplingRate(rate float64) Option {
	return func(cfg *config) {
		cfg.samplingRate = rate
	}
}

// WithDialer sets the function used to connect to the TPM.
func WithDialer(dial Dialer) Option {
	return func(cfg *config) {
		cfg.dial = dial
	}
}

// WithMsgStream sets the message stream used for logging.
func WithMsgStream(msg log.MsgStream) Option {
	return func(cfg *config) {
		cfg.msg = msg
	}
}

// WithObserver sets the observer notified of connection and status changes.
func WithObserver(obs Observer) Option {
	return func(cfg *config) {
		cfg.obs = obs
	}
}

// WithRegisterer sets the prometheus registerer for the manager metrics.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(cfg *config) {
		cfg.reg = reg
	}
}

func (cfg *config) msgstream() log.MsgStream {
	if cfg.msg != nil {
		return cfg.msg
	}
	return log.NewMsgStream("tile", log.LvlInfo, os.Stdout)
}
