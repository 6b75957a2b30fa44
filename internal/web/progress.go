// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package web

import (
	"go.uber.org/atomic"

	"fdxfer/internal/pkg/flowrate"
)

// Tracker holds the monitors of the transfer in flight.
type Tracker struct {
	current atomic.Pointer[monitors]
}

type monitors struct {
	read  *flowrate.Monitor
	write *flowrate.Monitor
}

type Snapshot struct {
	Read  flowrate.Status `json:"read"`
	Write flowrate.Status `json:"write"`
}

// Start has the signature of xfer.Options.OnStart.
func (t *Tracker) Start(read, write *flowrate.Monitor) {
	t.current.Store(&monitors{read: read, write: write})
}

// Snapshot returns false if no transfer has started.
func (t *Tracker) Snapshot() (Snapshot, bool) {
	m := t.current.Load()
	if m == nil {
		return Snapshot{}, false
	}

	return Snapshot{Read: m.read.Status(), Write: m.write.Status()}, true
}
