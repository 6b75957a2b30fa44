// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package xfer

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"

	"fdxfer/internal/pkg/assert"
)

// position is the absolute file offset of the next byte.
func (s *Side) position() int64 {
	return s.offset + s.total - s.remaining
}

// next is the size of the next block, bounded by the segment.
func (s *Side) next(limit int64) int64 {
	return min(limit, s.block, s.remaining, s.segLeft)
}

// pollSlice bounds a single poll, so an aborted or cancelled side stops
// waiting without reaching its deadline.
const pollSlice = 100 * time.Millisecond

// waitReady polls the descriptor until it is ready for the side's direction.
// It returns false if the deadline passed first, and ECANCELED if the side
// was aborted or its context cancelled while waiting.
func (s *Side) waitReady(deadline time.Time) (bool, error) {
	events := int16(unix.POLLIN)
	if s.dir == Write {
		events = unix.POLLOUT
	}

	fds := []unix.PollFd{{Fd: int32(s.fd), Events: events}}
	for {
		if s.finished() || s.ctx.Err() != nil {
			return false, unix.ECANCELED
		}

		left := time.Until(deadline)
		timeout := max(min(left, pollSlice).Milliseconds(), 0)
		n, err := unix.Poll(fds, int(timeout))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return false, err
		}

		if n == 0 {
			if left > pollSlice {
				continue
			}
			return false, nil
		}

		if fds[0].Revents&unix.POLLNVAL != 0 {
			return false, unix.EBADF
		}

		// POLLERR and POLLHUP are reported by the following read or write
		return true, nil
	}
}

// moveBlock moves at most one block between p and the descriptor and does
// the bookkeeping for it. It reports false if the side failed.
func (s *Side) moveBlock(p []byte) (int, bool) {
	assert.LessOrEqual(int64(len(p)), s.segLeft, "block crosses segment")

	// aborted by the controller, the descriptor may already be closed
	if s.finished() {
		return 0, false
	}

	if s.hooks != nil && s.hooks.step != nil {
		if err := s.hooks.step(s); err != nil {
			s.fail(s.dir.ioError(), errnoOf(err), "%s", err)
			return 0, false
		}
	}

	n, ok := s.transfer(p)
	if !ok || s.finished() {
		return 0, false
	}

	if s.limiter != nil {
		s.limiter.Wait(int64(n))
	}

	if s.dir == Write && s.sum != nil {
		s.acc = s.sum.Update(s.acc, p[:n])
		s.published.Store(s.acc)
	}

	s.remaining -= int64(n)
	s.segOff += int64(n)
	s.segLeft -= int64(n)
	s.moved.Add(int64(n))
	s.monitor.Update(n)
	bytesMoved.WithLabelValues(s.dir.String()).Add(float64(n))

	if s.dir == Write && s.regular {
		final := s.remaining == 0
		if final || s.lastFlush-s.remaining > s.flushThreshold {
			if err := s.strategy.flush(s, final); err != nil {
				s.fail(StatusWriteError, errnoOf(err), "flush: %s", err)
				return n, false
			}
			s.lastFlush = s.remaining
		}
	}

	if s.segLeft == 0 && s.remaining > 0 {
		if err := s.advance(); err != nil {
			s.fail(s.dir.ioError(), errnoOf(err), "map segment %d: %s", s.segments, err)
			return n, false
		}
	}

	return n, true
}

// transfer does the I/O of one block, waiting for readiness first when the
// strategy needs it.
func (s *Side) transfer(p []byte) (int, bool) {
	pollable := s.strategy.pollable()
	deadline := time.Now().Add(s.timeout)

	for {
		start := time.Now()

		if pollable {
			ready, err := s.waitReady(deadline)
			if errors.Is(err, unix.ECANCELED) {
				s.ioTime += time.Since(start)
				s.fail(StatusCoordinationError, unix.ECANCELED, "interrupted while waiting for readiness")
				return 0, false
			}

			if err != nil {
				s.ioTime += time.Since(start)
				s.fail(s.dir.ioError(), errnoOf(err), "poll: %s", err)
				return 0, false
			}

			if !ready {
				s.ioTime += time.Since(start)
				s.fail(StatusReadinessTimeout, unix.ETIMEDOUT, "not ready after %s", s.timeout)
				return 0, false
			}
		}

		var n int
		var err error
		if s.dir == Read {
			n, err = s.strategy.read(s, p)
		} else {
			n, err = s.strategy.write(s, p)
		}
		s.ioTime += time.Since(start)

		if err != nil {
			if (errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN)) && !s.finished() {
				continue
			}

			s.fail(s.dir.ioError(), errnoOf(err), "%s: %s", s.dir, err)
			return 0, false
		}

		if n == 0 && len(p) > 0 {
			if s.dir == Read {
				s.fail(StatusReadinessTimeout, 0, "end of file with %d bytes left", s.remaining)
			} else {
				s.fail(StatusWriteError, unix.EIO, "write made no progress")
			}
			return 0, false
		}

		return n, true
	}
}

// drain writes all of p, in as many blocks as the segments require.
func (s *Side) drain(p []byte) bool {
	for len(p) > 0 {
		n, ok := s.moveBlock(p[:s.next(int64(len(p)))])
		if !ok {
			return false
		}
		p = p[n:]
	}

	return true
}

// advance moves to the next segment once the current one is used up.
func (s *Side) advance() error {
	assert.Equal(s.segLeft, int64(0), "segment left before it was used up")

	s.segments++
	s.base += s.segLen
	s.segLen = min(s.window, s.remaining)
	s.segOff = 0
	s.segLeft = s.segLen

	return s.strategy.remap(s)
}

// finishWrite reports false if the side failed.
func (s *Side) finishWrite() bool {
	if s.finished() {
		return false
	}

	if err := s.strategy.finishWrite(s); err != nil {
		s.fail(StatusWriteError, errnoOf(err), "sync: %s", err)
		return false
	}

	return true
}

func (s *Side) release() {
	s.strategy.release(s)
}
