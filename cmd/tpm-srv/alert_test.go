// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/tpm/tile"
)

// syncWriter serializes the writes of concurrent message streams.
type syncWriter struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *syncWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func TestAlerter(t *testing.T) {
	var (
		out   syncWriter
		msg   = log.NewMsgStream("tpm-srv", log.LvlDebug, &out)
		mu    sync.Mutex
		mails []string
	)

	a := newAlerter("1/3", msg, func(subject, body string) error {
		mu.Lock()
		defer mu.Unlock()
		mails = append(mails, subject)
		if len(mails) > maxAlerts {
			return errors.New("smtp down")
		}
		return nil
	})

	a.StatusChanged(tile.Initialised)
	a.CommunicationChanged(false)

	errLost := fmt.Errorf("tile: could not read register: %w", tile.ErrCommunicationLost)
	for i := 0; i < maxAlerts+2; i++ {
		a.Faulted(errLost)
	}

	// alerts are re-armed once the communication is restored.
	a.CommunicationChanged(true)
	a.Faulted(errLost)
	a.close()

	// faults after close are only logged.
	a.Faulted(errLost)
	a.close()

	if got, want := len(mails), maxAlerts+1; got != want {
		t.Fatalf("invalid number of mails: got=%d, want=%d", got, want)
	}
	if got, want := mails[0], "[tpm-srv] TPM 1/3 fault"; got != want {
		t.Fatalf("invalid mail subject: got=%q, want=%q", got, want)
	}

	logs := out.String()
	for _, want := range []string{
		"TPM 1/3 status: Initialised",
		"communication with TPM 1/3 lost",
		"communication with TPM 1/3 established",
		"TPM 1/3 faulted: tile: could not read register",
		"could not send mail alert: smtp down",
	} {
		if !strings.Contains(logs, want) {
			t.Fatalf("missing log entry %q in:\n%s", want, logs)
		}
	}
}

func TestAlerterSlowMail(t *testing.T) {
	var (
		out     syncWriter
		unblock = make(chan struct{})
		sent    atomic.Int32
	)
	a := newAlerter("1/3", log.NewMsgStream("tpm-srv", log.LvlInfo, &out), func(subject, body string) error {
		<-unblock
		sent.Add(1)
		return nil
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 2*maxAlerts; i++ {
			a.Faulted(tile.ErrCommunicationLost)
			a.StatusChanged(tile.Unconnected)
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("faults blocked by a stalled mail server")
	}

	close(unblock)
	a.close()
	if got, want := sent.Load(), int32(maxAlerts); got != want {
		t.Fatalf("invalid number of mails: got=%d, want=%d", got, want)
	}
}

func TestAlerterNoMail(t *testing.T) {
	var out strings.Builder
	a := newAlerter("1/3", log.NewMsgStream("tpm-srv", log.LvlInfo, &out), nil)
	a.Faulted(tile.ErrCommunicationLost)
	a.close()
	if !strings.Contains(out.String(), "faulted") {
		t.Fatalf("missing fault log entry:\n%s", out.String())
	}
}

func TestMailer(t *testing.T) {
	t.Setenv("MAIL_PASSWORD", "")
	if send := mailer("smtp.example.org", 587, "tpm", []string{"ops@example.org"}); send != nil {
		t.Fatalf("expected no mailer without password")
	}

	t.Setenv("MAIL_PASSWORD", "s3cr3t")
	for _, tc := range []struct {
		name string
		srv  string
		port int
		usr  string
		tgts []string
		ok   bool
	}{
		{"ok", "smtp.example.org", 587, "tpm", []string{"ops@example.org"}, true},
		{"no-server", "", 587, "tpm", []string{"ops@example.org"}, false},
		{"no-port", "smtp.example.org", 0, "tpm", []string{"ops@example.org"}, false},
		{"no-user", "smtp.example.org", 587, "", []string{"ops@example.org"}, false},
		{"no-targets", "smtp.example.org", 587, "tpm", nil, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			send := mailer(tc.srv, tc.port, tc.usr, tc.tgts)
			if got, want := send != nil, tc.ok; got != want {
				t.Fatalf("invalid mailer: got=%v, want=%v", got, want)
			}
		})
	}
}
