// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package gsync

import (
	"sync"
	"time"

	"fdxfer/internal/pkg/empty"
)

// Cond is a chan based sync.Cond can be selected.
//
// C has room for one pending signal, so a Signal sent while nobody is waiting
// wakes the next Wait instead of being lost. Waiters must re-check their
// condition after waking.
type Cond struct {
	L sync.Locker
	C chan empty.Empty
}

func NewCond(l sync.Locker) *Cond {
	return &Cond{C: make(chan empty.Empty, 1), L: l}
}

func (t *Cond) Wait() {
	t.L.Unlock()
	<-t.C
	t.L.Lock()
}

// WaitTimeout is Wait bounded by d, it returns false if d elapsed without a signal.
func (t *Cond) WaitTimeout(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	t.L.Unlock()
	defer t.L.Lock()

	select {
	case <-t.C:
		return true
	case <-timer.C:
		return false
	}
}

func (t *Cond) Signal() {
	t.signal()
}

func (t *Cond) Broadcast() {
	for {
		// Stop when the pending slot is full
		if !t.signal() {
			return
		}
	}
}

func (t *Cond) signal() bool {
	select {
	case t.C <- empty.Empty{}:
		return true
	default:
		return false
	}
}
