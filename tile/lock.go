// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tile

import (
	"fmt"
	"time"
)

// hwlock is a mutual-exclusion lock with a bounded acquisition time.
type hwlock struct {
	c chan struct{}
}

func newHWLock() hwlock {
	return hwlock{c: make(chan struct{}, 1)}
}

// acquire takes the lock, waiting at most timeout.
func (l hwlock) acquire(timeout time.Duration) error {
	select {
	case l.c <- struct{}{}:
		return nil
	default:
	}

	tmr := time.NewTimer(timeout)
	defer tmr.Stop()

	select {
	case l.c <- struct{}{}:
		return nil
	case <-tmr.C:
		return fmt.Errorf("%w: hardware busy (lock not acquired after %v)", ErrHardwareTimeout, timeout)
	}
}

func (l hwlock) release() {
	select {
	case <-l.c:
	default:
		panic("tile: release of unlocked hardware lock")
	}
}
