// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

// Package xfer moves a byte stream of known length from one file descriptor
// to another, picking mmap, direct or buffered I/O for each descriptor.
package xfer

import (
	"context"
	"syscall"
	"time"

	"github.com/trim21/errgo"
	"golang.org/x/sys/unix"
)

// Transfer moves opt.Size bytes from src to dst. Both descriptors are used
// from their current offset and are not closed. Only buffered I/O advances
// the offset, mmap and direct I/O address the file explicitly and leave it
// where it was. Mmap and direct I/O need a page aligned offset and fall back
// to buffered I/O without one.
//
// After the safety ceiling or ctx ends a threaded transfer, Transfer returns
// at once. A worker still blocked in read(2) or write(2) finishes in the
// background when that call returns.
//
// A failed transfer returns a *TransferError. The write side's error is
// returned unless the write side was only cancelled, then the read side's
// error is returned. The Result is filled in either case.
func Transfer(ctx context.Context, src, dst int, opt Options) (Result, error) {
	opt = opt.withDefaults()

	r := newSide(src, Read, opt)
	w := newSide(dst, Write, opt)

	if opt.Size < 0 {
		r.fail(StatusCoordinationError, unix.EINVAL, "negative size %d", opt.Size)
		w.fail(StatusCancelled, unix.ECANCELED, "invalid transfer")
		return finish(r, w, opt, time.Now())
	}

	if opt.Checksum != nil {
		w.enableChecksum(opt.Checksum, opt.InitialChecksum)
	}

	if opt.RateLimit > 0 {
		w.limit(opt.RateLimit)
	}

	start := time.Now()

	if !r.setup(opt.MmapWindow) {
		w.fail(StatusCancelled, unix.ECANCELED, "read side setup failed")
		return finish(r, w, opt, start)
	}

	if !w.setup(opt.MmapWindow) {
		r.release()
		r.fail(StatusCancelled, unix.ECANCELED, "write side setup failed")
		return finish(r, w, opt, start)
	}

	if opt.OnStart != nil {
		opt.OnStart(r.monitor, w.monitor)
	}

	r.begin(start)
	w.begin(start)

	if opt.Size == 0 {
		r.release()
		w.release()
		r.succeed()
		w.succeed()
		return finish(r, w, opt, start)
	}

	if opt.Threaded {
		runPipeline(ctx, r, w, opt)
	} else {
		runSequential(ctx, r, w, opt)
	}

	return finish(r, w, opt, start)
}

// TransferFiles is Transfer on the descriptors of two files or connections.
func TransferFiles(ctx context.Context, src, dst syscall.Conn, opt Options) (Result, error) {
	rc, err := src.SyscallConn()
	if err != nil {
		return Result{}, errgo.Wrap(err, "failed to get raw source")
	}

	wc, err := dst.SyscallConn()
	if err != nil {
		return Result{}, errgo.Wrap(err, "failed to get raw destination")
	}

	var res Result
	var xferErr error

	err = rc.Control(func(rfd uintptr) {
		err := wc.Control(func(wfd uintptr) {
			res, xferErr = Transfer(ctx, int(rfd), int(wfd), opt)
		})
		if err != nil {
			xferErr = errgo.Wrap(err, "failed to access destination")
		}
	})
	if err != nil {
		return res, errgo.Wrap(err, "failed to access source")
	}

	return res, xferErr
}

func finish(r, w *Side, opt Options, start time.Time) (Result, error) {
	rr := r.Report()
	wr := w.Report()

	res := Result{
		Checksum:     wr.Checksum,
		Bytes:        uint64(wr.Bytes),
		ReadElapsed:  rr.Elapsed.Seconds(),
		WriteElapsed: wr.Elapsed.Seconds(),
		ReadRate:     rate(rr),
		WriteRate:    rate(wr),
		Read:         rr,
		Write:        wr,
	}

	var err *TransferError
	switch {
	case wr.Status != StatusOK && wr.Status != StatusCancelled:
		err = w.err()
	case rr.Status != StatusOK:
		err = r.err()
	case wr.Status != StatusOK:
		err = w.err()
	}

	status := StatusOK
	if err != nil {
		status = err.Status
	}

	transfers.WithLabelValues(opt.mode(), status.String()).Inc()
	transferDuration.WithLabelValues(opt.mode()).Observe(time.Since(start).Seconds())

	if err != nil {
		opt.Logger.Debug().Err(err).Msg("transfer failed")
		return res, err
	}

	opt.Logger.Debug().
		Uint64("bytes", res.Bytes).
		Float64("read_elapsed", res.ReadElapsed).
		Float64("write_elapsed", res.WriteElapsed).
		Msg("transfer done")

	return res, nil
}

func rate(r SideReport) int64 {
	if r.Elapsed <= 0 {
		return 0
	}

	return int64(float64(r.Bytes) / r.Elapsed.Seconds())
}
