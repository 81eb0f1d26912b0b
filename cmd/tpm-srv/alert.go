// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"crypto/tls"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/tpm/tile"
	mail "gopkg.in/gomail.v2"
)

// maxAlerts is the maximum number of mails sent for consecutive faults.
const maxAlerts = 5

type alert struct {
	subject string
	body    string
}

// alerter logs the changes of a TPM and mails its faults.
// Mails are sent from a dedicated goroutine and never block the TPM
// notifications.
type alerter struct {
	name string
	msg  log.MsgStream
	send func(subject, body string) error // nil disables mails

	mu     sync.Mutex
	alerts int
	closed bool
	queue  chan alert
	done   chan struct{}
}

func newAlerter(name string, msg log.MsgStream, send func(subject, body string) error) *alerter {
	a := &alerter{
		name:  name,
		msg:   msg,
		send:  send,
		queue: make(chan alert, 2*maxAlerts),
		done:  make(chan struct{}),
	}
	go a.loop()
	return a
}

func (a *alerter) loop() {
	defer close(a.done)
	for m := range a.queue {
		if a.send == nil {
			continue
		}
		err := a.send(m.subject, m.body)
		if err != nil {
			a.msg.Errorf("could not send mail alert: %+v", err)
		}
	}
}

// close stops accepting alerts and waits for the queued mails to be sent.
func (a *alerter) close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	<-a.done
}

func (a *alerter) CommunicationChanged(ok bool) {
	if ok {
		a.msg.Infof("communication with TPM %s established", a.name)
		a.mu.Lock()
		a.alerts = 0
		a.mu.Unlock()
		return
	}
	a.msg.Warnf("communication with TPM %s lost", a.name)
}

func (a *alerter) StatusChanged(st tile.Status) {
	a.msg.Infof("TPM %s status: %v", a.name, st)
}

func (a *alerter) Faulted(err error) {
	a.msg.Errorf("TPM %s faulted: %+v", a.name, err)

	if a.send == nil {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.alerts >= maxAlerts {
		return
	}
	a.alerts++
	m := alert{
		subject: fmt.Sprintf("[tpm-srv] TPM %s fault", a.name),
		body: fmt.Sprintf("tpm:   %s\ntime:  %v\nalert: %d/%d\nerror: %+v",
			a.name, time.Now().UTC().Format(time.RFC3339), a.alerts, maxAlerts, err,
		),
	}
	select {
	case a.queue <- m:
	default:
		a.msg.Warnf("mail queue full, dropping alert %d/%d", a.alerts, maxAlerts)
	}
}

// mailer returns a function sending mails through the provided SMTP server,
// or nil when credentials are missing.
// The password is read from the MAIL_PASSWORD environment variable.
func mailer(srv string, port int, usr string, tgts []string) func(subject, body string) error {
	pwd := os.Getenv("MAIL_PASSWORD")
	if srv == "" || port == 0 || usr == "" || pwd == "" || len(tgts) == 0 {
		return nil
	}

	return func(subject, body string) error {
		msg := mail.NewMessage()
		msg.SetHeader("From", usr)
		msg.SetHeader("Bcc", tgts...)
		msg.SetHeader("Subject", subject)
		msg.SetBody("text/plain", body)

		dial := mail.NewDialer(srv, port, usr, pwd)
		dial.TLSConfig = &tls.Config{
			ServerName: srv,
		}
		err := dial.DialAndSend(msg)
		if err != nil {
			return fmt.Errorf("could not send mail to %q: %w", tgts, err)
		}
		return nil
	}
}

var (
	_ tile.Observer = (*alerter)(nil)
)
