// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package xfer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/juju/ratelimit"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"fdxfer/internal/checksum"
	"fdxfer/internal/pkg/flowrate"
	"fdxfer/internal/pkg/null"
)

// Side is one endpoint of a transfer. All fields without a lock are owned by
// the goroutine moving data for the side.
type Side struct {
	log zerolog.Logger
	// interrupts readiness waits of a sequential transfer, a threaded one is
	// aborted by its controller instead
	ctx context.Context

	fd  int
	dir Direction

	total     int64
	remaining int64
	block     int64
	timeout   time.Duration

	wantMmap   bool
	wantDirect bool
	direct     bool
	regular    bool
	// size of the file before setup, restored if a write mapping fails
	origSize int64
	// descriptor offset at setup, positional strategies start there
	offset int64

	strategy strategy

	// mmap window, tracked for every strategy so both sides stay in lock-step
	window   int64
	seg      []byte
	segLen   int64
	segOff   int64
	segLeft  int64
	segments int
	base     int64 // absolute file offset of the segment

	// direct write staging, holds the part of a page not written yet
	stage  []byte
	staged int

	flushThreshold int64
	lastFlush      int64 // remaining at the last flush

	sum checksum.Rolling
	acc uint32

	start    time.Time
	cpuClock bool
	cpuStart time.Duration
	ioTime   time.Duration

	monitor *flowrate.Monitor
	limiter *ratelimit.Bucket
	hooks   *hooks

	// readable from the controller
	moved     atomic.Int64
	published atomic.Uint32
	state     atomic.Uint32

	mu     sync.Mutex
	report SideReport
	done   chan struct{}
}

func newSide(fd int, dir Direction, opt Options) *Side {
	return &Side{
		log:        opt.Logger.With().Str("side", dir.String()).Int("fd", fd).Logger(),
		ctx:        context.Background(),
		fd:         fd,
		dir:        dir,
		total:      opt.Size,
		remaining:  opt.Size,
		block:      opt.BlockSize,
		timeout:    opt.Timeout,
		wantMmap:   opt.Mmap,
		wantDirect: opt.Direct,
		strategy:   bufferedIO{},
		hooks:      opt.hooks,
		monitor:    flowrate.New(opt.Size, 0, 0),
		done:       make(chan struct{}, 1),
	}
}

func (s *Side) limit(rate int64) {
	s.limiter = ratelimit.NewBucketWithRate(float64(rate), max(rate, s.block))
}

func (s *Side) enableChecksum(r checksum.Rolling, initial null.Null[uint32]) {
	s.sum = r
	s.acc = initial.Default(r.Seed())
	s.published.Store(s.acc)
}

func (s *Side) begin(start time.Time) {
	s.start = start
	s.state.Store(stateRunning)
}

// useThreadClock must be called on the locked thread moving data for the
// side. Non-regular descriptors are then timed by the thread CPU time plus
// the time spent waiting for and doing I/O.
func (s *Side) useThreadClock() {
	if !s.regular {
		s.cpuClock = true
		s.cpuStart = threadCPUTime()
	}
}

func (s *Side) elapsed() time.Duration {
	if s.start.IsZero() {
		return 0
	}

	if s.cpuClock {
		return threadCPUTime() - s.cpuStart + s.ioTime
	}

	return time.Since(s.start)
}

func (s *Side) finished() bool {
	return s.state.Load() >= stateFinishedOK
}

func (s *Side) succeed() {
	s.finalize(StatusOK, 0, "", s.elapsed(), where(2))
}

// fail records the first error of the side, later calls are ignored.
func (s *Side) fail(status Status, errno unix.Errno, format string, args ...any) {
	s.finalize(status, errno, fmt.Sprintf(format, args...), s.elapsed(), where(2))
}

// abort is fail for callers not running on the side's goroutine.
func (s *Side) abort(status Status, errno unix.Errno, msg string) {
	var elapsed time.Duration
	if !s.start.IsZero() {
		elapsed = time.Since(s.start)
	}

	s.finalize(status, errno, msg, elapsed, where(2))
}

// finalize sets the report and the completion state before waking the
// controller, so a completion is never missed by a select armed concurrently.
func (s *Side) finalize(status Status, errno unix.Errno, msg string, elapsed time.Duration, at string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished() {
		return
	}

	s.report = SideReport{
		Status:   status,
		Errno:    errno,
		Msg:      msg,
		Where:    at,
		Strategy: s.strategy.name(),
		Checksum: s.published.Load(),
		Bytes:    s.moved.Load(),
		Elapsed:  elapsed,
	}

	if status == StatusOK {
		s.state.Store(stateFinishedOK)
	} else {
		s.state.Store(stateFinishedError)
	}

	s.monitor.Done()

	select {
	case s.done <- struct{}{}:
	default:
	}
}

func (s *Side) Report() SideReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.report
}

func (s *Side) err() *TransferError {
	r := s.Report()
	if r.Status == StatusOK {
		return nil
	}

	return &TransferError{
		Status:    r.Status,
		Direction: s.dir,
		Errno:     r.Errno,
		Msg:       r.Msg,
		Pid:       os.Getpid(),
		Bytes:     r.Bytes,
		Elapsed:   r.Elapsed,
		Where:     r.Where,
	}
}

func where(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}

	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}
