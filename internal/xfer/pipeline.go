// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package xfer

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"fdxfer/internal/pkg/assert"
)

// pipeline is the state shared by the two workers of one threaded transfer.
type pipeline struct {
	log       zerolog.Logger
	pool      *binPool
	read      *Side
	write     *Side
	hooks     *hooks
	cancelled atomic.Bool
}

func runPipeline(ctx context.Context, r, w *Side, opt Options) {
	pool, err := newBinPool(opt.Bins, opt.BlockSize)
	if err != nil {
		r.fail(StatusCoordinationError, errnoOf(err), "allocate %d bins: %s", opt.Bins, err)
		w.fail(StatusCancelled, unix.ECANCELED, "bin allocation failed")
		return
	}

	p := &pipeline{log: *opt.Logger, pool: pool, read: r, write: w, hooks: opt.hooks}

	wg := conc.NewWaitGroup()
	wg.Go(func() { p.run(r, p.reader) })
	wg.Go(func() { p.run(w, p.writer) })

	if p.control(ctx, opt.SafetyCeiling) {
		wg.Wait()
		p.release()
		return
	}

	// after an abort a worker may stay blocked in read(2) or write(2) for as
	// long as the peer of its descriptor stalls. The caller gets the result
	// now, the worker keeps its bin and segment until the call returns.
	go func() {
		wg.Wait()
		p.log.Debug().Msg("aborted workers returned")
		p.release()
	}()
}

// release frees the bins and the segments left mapped by a failed side.
func (p *pipeline) release() {
	p.read.release()
	p.write.release()

	if err := p.pool.free(); err != nil {
		p.log.Warn().Err(err).Msg("failed to unmap bins")
	}
}

// run executes a worker body on its own OS thread. A panic, including a
// fault on a mapped segment, fails the side instead of the process.
func (p *pipeline) run(s *Side, body func(s *Side)) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))

	s.useThreadClock()

	if r := panics.Try(func() { body(s) }); r != nil {
		s.fail(StatusCoordinationError, unix.EFAULT, "worker panic: %v", r.Value)
		p.log.Error().Str("side", s.dir.String()).Str("stack", string(r.Stack)).Msg("worker panic")
	}
}

// control waits for both workers. A failed worker cancels its peer, the
// safety ceiling and ctx fail both. It reports false if the transfer was
// aborted before both workers finished.
func (p *pipeline) control(ctx context.Context, ceiling time.Duration) bool {
	timer := time.NewTimer(ceiling)
	defer timer.Stop()

	rd, wd := p.read.done, p.write.done
	for rd != nil || wd != nil {
		select {
		case <-rd:
			rd = nil
			p.observe(p.read)
		case <-wd:
			wd = nil
			p.observe(p.write)
		case <-timer.C:
			p.abort(unix.ETIMEDOUT, fmt.Sprintf("transfer not finished after %s", ceiling))
			return false
		case <-ctx.Done():
			p.abort(unix.ECANCELED, ctx.Err().Error())
			return false
		}
	}

	return true
}

func (p *pipeline) observe(s *Side) {
	if s.state.Load() != stateFinishedError {
		return
	}

	r := s.Report()
	p.log.Warn().
		Str("side", s.dir.String()).
		Stringer("status", r.Status).
		Str("msg", r.Msg).
		Str("at", r.Where).
		Msg("worker failed, cancel peer")

	p.cancel()
}

func (p *pipeline) abort(errno unix.Errno, msg string) {
	p.log.Error().Str("reason", msg).Msg("abort transfer")

	p.read.abort(StatusCoordinationError, errno, msg)
	p.write.abort(StatusCoordinationError, errno, msg)
	p.cancel()
}

// cancel wakes every bin, whichever the peer is waiting on.
func (p *pipeline) cancel() {
	p.cancelled.Store(true)
	p.pool.broadcast()
}

// await blocks until b is in the wanted state and returns the stored bytes.
// It reports false if the side failed while waiting.
//
// A peer that is still running when the wait expires may be inside its own
// readiness wait of the same length, it gets one more timeout to report
// before the wait fails.
func (p *pipeline) await(s *Side, b *bin, full bool) (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	deadline := time.Now().Add(s.timeout)
	extended := false
	for b.full != full {
		if p.cancelled.Load() {
			s.fail(StatusCancelled, unix.ECANCELED, "peer failed")
			return 0, false
		}

		if left := time.Until(deadline); left > 0 && b.cond.WaitTimeout(left) {
			continue
		}

		if b.full == full {
			break
		}

		peer := p.peer(s).state.Load()
		if p.cancelled.Load() || peer == stateFinishedError {
			s.fail(StatusCancelled, unix.ECANCELED, "peer failed")
			return 0, false
		}

		if !extended && peer == stateRunning {
			extended = true
			deadline = time.Now().Add(s.timeout)
			continue
		}

		s.fail(StatusCoordinationError, unix.ETIMEDOUT, "bin not ready after %s", s.timeout)
		return 0, false
	}

	return b.stored, true
}

func (p *pipeline) peer(s *Side) *Side {
	if s == p.read {
		return p.write
	}

	return p.read
}

func (p *pipeline) hand(b *bin, full bool, stored int) {
	b.mu.Lock()
	assert.True(b.full != full, "bin handed over twice")
	b.full = full
	b.stored = stored
	b.mu.Unlock()

	b.cond.Signal()
}

func (p *pipeline) enter(i int, dir Direction) {
	if p.hooks != nil && p.hooks.bin != nil {
		p.hooks.bin(i, dir, true)
	}
}

func (p *pipeline) leave(i int, dir Direction) {
	if p.hooks != nil && p.hooks.bin != nil {
		p.hooks.bin(i, dir, false)
	}
}

// reader fills empty bins in ring order.
func (p *pipeline) reader(s *Side) {
	for i := 0; s.remaining > 0; i = (i + 1) % len(p.pool.bins) {
		if s.finished() {
			return
		}

		b := p.pool.bins[i]
		if _, ok := p.await(s, b, false); !ok {
			return
		}

		p.enter(i, Read)
		n, ok := s.moveBlock(b.buf[:s.next(s.block)])
		p.leave(i, Read)
		if !ok {
			return
		}

		p.hand(b, true, n)
	}

	s.release()
	s.succeed()
}

// writer drains full bins in ring order.
func (p *pipeline) writer(s *Side) {
	for i := 0; s.remaining > 0; i = (i + 1) % len(p.pool.bins) {
		if s.finished() {
			return
		}

		b := p.pool.bins[i]
		stored, ok := p.await(s, b, true)
		if !ok {
			return
		}

		p.enter(i, Write)
		ok = s.drain(b.buf[:stored])
		p.leave(i, Write)
		if !ok {
			return
		}

		p.hand(b, false, 0)
	}

	if !s.finishWrite() {
		return
	}

	s.release()
	s.succeed()
}
