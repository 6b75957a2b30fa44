// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package xfer

import (
	"time"

	"github.com/docker/go-units"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"fdxfer/internal/checksum"
	"fdxfer/internal/pkg/flowrate"
	"fdxfer/internal/pkg/null"
	"fdxfer/internal/pkg/sys"
)

const (
	DefaultBlockSize     = 256 * units.KiB
	DefaultBins          = 3
	DefaultMmapWindow    = 96 * units.MiB
	DefaultTimeout       = time.Minute
	DefaultSafetyCeiling = 6 * time.Hour
)

type Options struct {
	// Size is the number of bytes to move.
	Size int64
	// BlockSize is rounded up to a full page.
	BlockSize  int64
	Bins       int
	MmapWindow int64

	Direct   bool
	Mmap     bool
	Threaded bool

	// Timeout bounds a single readiness wait and a single bin wait.
	Timeout time.Duration
	// SafetyCeiling bounds a whole threaded transfer.
	SafetyCeiling time.Duration

	// RateLimit caps the write side in bytes per second, 0 is unlimited.
	RateLimit int64

	// Checksum is computed over the written bytes, nil disables it.
	Checksum checksum.Rolling
	// InitialChecksum is the starting accumulator, Checksum.Seed() if unset.
	InitialChecksum null.Null[uint32]

	Logger *zerolog.Logger

	// OnStart is called with the monitors of both sides once setup succeeded.
	OnStart func(read, write *flowrate.Monitor)

	hooks *hooks
}

func (o Options) withDefaults() Options {
	if o.BlockSize <= 0 {
		o.BlockSize = DefaultBlockSize
	}
	o.BlockSize = sys.AlignToPage(o.BlockSize)

	if o.Bins <= 0 {
		o.Bins = DefaultBins
	}

	if o.MmapWindow <= 0 {
		o.MmapWindow = DefaultMmapWindow
	}

	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}

	if o.SafetyCeiling <= 0 {
		o.SafetyCeiling = DefaultSafetyCeiling
	}

	if o.Logger == nil {
		o.Logger = &log.Logger
	}

	return o
}

func (o Options) mode() string {
	if o.Threaded {
		return "threaded"
	}

	return "sequential"
}

// SideReport is the terminal state of one side.
type SideReport struct {
	Status   Status
	Errno    unix.Errno
	Msg      string
	Where    string
	Strategy string
	Checksum uint32
	// Bytes moved by this side.
	Bytes   int64
	Elapsed time.Duration
}

type Result struct {
	Checksum uint32
	Bytes    uint64

	// elapsed seconds of each side
	ReadElapsed  float64
	WriteElapsed float64

	// bytes per second
	ReadRate  int64
	WriteRate int64

	Read  SideReport
	Write SideReport
}

// hooks let tests observe and perturb a transfer.
type hooks struct {
	// bin is called when a side starts (enter=true) and stops using a bin.
	bin func(index int, dir Direction, enter bool)
	// step is called before each block, a non-nil error fails the block.
	step func(s *Side) error
}
