// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tile

// Observer is notified of the changes of a Manager.
//
// Notifications are delivered in order, from a single goroutine,
// outside of the hardware lock.
type Observer interface {
	// CommunicationChanged reports whether the TPM is reachable.
	CommunicationChanged(ok bool)
	// StatusChanged reports a new TPM status.
	StatusChanged(st Status)
	// Faulted reports a loss of communication with the TPM.
	Faulted(err error)
}

// Observers fans notifications out to a list of observers.
type Observers []Observer

func (obs Observers) CommunicationChanged(ok bool) {
	for _, o := range obs {
		o.CommunicationChanged(ok)
	}
}

func (obs Observers) StatusChanged(st Status) {
	for _, o := range obs {
		o.StatusChanged(st)
	}
}

func (obs Observers) Faulted(err error) {
	for _, o := range obs {
		o.Faulted(err)
	}
}

type nopObserver struct{}

func (nopObserver) CommunicationChanged(bool) {}
func (nopObserver) StatusChanged(Status)      {}
func (nopObserver) Faulted(error)             {}

type eventKind int

const (
	evComm eventKind = iota
	evStatus
	evFault
)

type event struct {
	kind eventKind
	ok   bool
	st   Status
	err  error
}

func (ev event) deliver(obs Observer) {
	switch ev.kind {
	case evComm:
		obs.CommunicationChanged(ev.ok)
	case evStatus:
		obs.StatusChanged(ev.st)
	case evFault:
		obs.Faulted(ev.err)
	}
}

var (
	_ Observer = (Observers)(nil)
	_ Observer = nopObserver{}
)
