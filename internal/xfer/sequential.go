// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package xfer

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/sourcegraph/conc/panics"
	"golang.org/x/sys/unix"
)

// runSequential moves the stream through one buffer on the caller goroutine.
// ctx and the safety ceiling are checked between blocks, ctx also ends
// readiness waits.
func runSequential(ctx context.Context, r, w *Side, opt Options) {
	buf, err := alignedBuffer(opt.BlockSize)
	if err != nil {
		r.fail(StatusCoordinationError, errnoOf(err), "allocate buffer: %s", err)
		w.fail(StatusCancelled, unix.ECANCELED, "buffer allocation failed")
		return
	}

	defer func() {
		if err := unix.Munmap(buf); err != nil {
			opt.Logger.Warn().Err(err).Msg("failed to unmap buffer")
		}
	}()

	defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))

	r.ctx, w.ctx = ctx, ctx

	if rec := panics.Try(func() { sequential(ctx, r, w, buf, opt) }); rec != nil {
		r.fail(StatusCoordinationError, unix.EFAULT, "panic: %v", rec.Value)
		w.fail(StatusCoordinationError, unix.EFAULT, "panic: %v", rec.Value)
	}

	r.release()
	w.release()
}

func sequential(ctx context.Context, r, w *Side, buf []byte, opt Options) {
	for r.remaining > 0 && w.remaining > 0 {
		if errno, msg, stop := interrupted(ctx, r.start, opt.SafetyCeiling); stop {
			opt.Logger.Error().Str("reason", msg).Msg("abort transfer")
			r.abort(StatusCoordinationError, errno, msg)
			w.abort(StatusCoordinationError, errno, msg)
			return
		}

		n, ok := r.moveBlock(buf[:r.next(int64(len(buf)))])
		if !ok {
			cancelPeer(ctx, w, "read side failed")
			return
		}

		if !w.drain(buf[:n]) {
			cancelPeer(ctx, r, "write side failed")
			return
		}
	}

	if !w.finishWrite() {
		cancelPeer(ctx, r, "write side failed")
		return
	}

	r.release()
	w.release()

	// one goroutine did both sides, they share the wall clock
	elapsed := time.Since(r.start)
	r.finalize(StatusOK, 0, "", elapsed, where(1))
	w.finalize(StatusOK, 0, "", elapsed, where(1))
}

func interrupted(ctx context.Context, start time.Time, ceiling time.Duration) (unix.Errno, string, bool) {
	if err := ctx.Err(); err != nil {
		return unix.ECANCELED, err.Error(), true
	}

	if time.Since(start) > ceiling {
		return unix.ETIMEDOUT, fmt.Sprintf("transfer not finished after %s", ceiling), true
	}

	return 0, "", false
}

// cancelPeer finishes the side that did not fail. A failure caused by ctx
// finishes it like an abort.
func cancelPeer(ctx context.Context, peer *Side, msg string) {
	if err := ctx.Err(); err != nil {
		peer.abort(StatusCoordinationError, unix.ECANCELED, err.Error())
		return
	}

	peer.fail(StatusCancelled, unix.ECANCELED, msg)
}
