// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tile

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	status       prometheus.Gauge
	attempts     prometheus.Counter
	lockTimeouts prometheus.Counter
	ioErrors     prometheus.Counter
}

// newMetrics registers the manager metrics against reg, defaulting to the
// global prometheus registry when nil.
func newMetrics(reg prometheus.Registerer, tile string) (*metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	status, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tpm",
		Name:      "status",
		Help:      "Current TPM status (0=Unknown, 1=Unconnected, 2=Unprogrammed, 3=Programmed, 4=Initialised, 5=Synchronised).",
	}, []string{"tile"}), "tpm_status")
	if err != nil {
		return nil, err
	}

	attempts, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tpm",
		Name:      "connect_attempts_total",
		Help:      "Total number of attempts to connect to the TPM.",
	}, []string{"tile"}), "tpm_connect_attempts_total")
	if err != nil {
		return nil, err
	}

	timeouts, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tpm",
		Name:      "lock_timeouts_total",
		Help:      "Total number of hardware operations abandoned because the hardware was busy.",
	}, []string{"tile"}), "tpm_lock_timeouts_total")
	if err != nil {
		return nil, err
	}

	ioErrors, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tpm",
		Name:      "io_errors_total",
		Help:      "Total number of hardware I/O errors.",
	}, []string{"tile"}), "tpm_io_errors_total")
	if err != nil {
		return nil, err
	}

	return &metrics{
		status:       status.WithLabelValues(tile),
		attempts:     attempts.WithLabelValues(tile),
		lockTimeouts: timeouts.WithLabelValues(tile),
		ioErrors:     ioErrors.WithLabelValues(tile),
	}, nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("tile: collector %s already registered with incompatible type", name)
		}
		return nil, fmt.Errorf("tile: could not register collector %s: %w", name, err)
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("tile: collector %s already registered with incompatible type", name)
		}
		return nil, fmt.Errorf("tile: could not register collector %s: %w", name, err)
	}
	return vec, nil
}
