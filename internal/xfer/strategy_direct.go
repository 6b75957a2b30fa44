// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package xfer

import (
	"errors"
	"unsafe"

	"golang.org/x/sys/unix"

	"fdxfer/internal/pkg/assert"
	"fdxfer/internal/pkg/sys"
)

// directIO moves whole pages at explicit offsets, as O_DIRECT requires.
//
// The write side never issues a partial page before the final block. Bytes
// that do not fill a page wait in the staging buffer until the next block.
type directIO struct{}

// padded extends p to a full page if its capacity allows.
func padded(p []byte) []byte {
	if n := sys.AlignToPage(int64(len(p))); n <= int64(cap(p)) {
		return p[:n]
	}

	return p
}

func pageAligned(p []byte) bool {
	return uintptr(unsafe.Pointer(unsafe.SliceData(p)))%uintptr(sys.PageSize) == 0
}

func (directIO) name() string { return "direct" }

func (directIO) pollable() bool { return true }

func (directIO) read(s *Side, p []byte) (int, error) {
	n, err := unix.Pread(s.fd, padded(p), s.position())
	// bytes past the logical end are not part of the stream
	return min(n, len(p)), err
}

// write reports all of p as written once it is on disk or staged.
func (directIO) write(s *Side, p []byte) (int, error) {
	final := s.remaining == int64(len(p))

	if s.staged == 0 && pageAligned(p) {
		whole := int64(len(p))%sys.PageSize == 0
		if whole || (final && sys.AlignToPage(int64(len(p))) <= int64(cap(p))) {
			if err := pwriteFull(s.fd, padded(p), s.position()); err != nil {
				return 0, err
			}

			return len(p), finishDirect(s, final)
		}
	}

	// the staged bytes start on a page boundary
	off := s.position() - int64(s.staged)
	pending := s.staged + copy(s.stage[s.staged:], p)

	flush := int64(pending) / sys.PageSize * sys.PageSize
	if final {
		flush = sys.AlignToPage(int64(pending))
	}

	if flush > 0 {
		if err := pwriteFull(s.fd, s.stage[:flush], off); err != nil {
			return 0, err
		}
	}

	if final {
		s.staged = 0
	} else {
		s.staged = copy(s.stage, s.stage[flush:pending])
	}

	return len(p), finishDirect(s, final)
}

// finishDirect cuts the padding of the last page.
func finishDirect(s *Side, final bool) error {
	if !final {
		return nil
	}

	for {
		err := unix.Ftruncate(s.fd, s.offset+s.total)
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}

func pwriteFull(fd int, p []byte, off int64) error {
	assert.True(off%sys.PageSize == 0, "direct write at unaligned offset")

	for len(p) > 0 {
		n, err := unix.Pwrite(fd, p, off)
		if err != nil {
			if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
				continue
			}
			return err
		}

		if n == 0 {
			return unix.EIO
		}

		p = p[n:]
		off += int64(n)
	}

	return nil
}

func (directIO) remap(*Side) error { return nil }

func (directIO) flush(*Side, bool) error { return nil }

func (directIO) finishWrite(s *Side) error {
	if err := fsync(s.fd); err != nil {
		s.log.Debug().Err(err).Msg("ignore fsync error at end of transfer")
	}

	return nil
}

func (directIO) release(s *Side) {
	if s.stage == nil {
		return
	}

	if err := unix.Munmap(s.stage); err != nil {
		s.log.Warn().Err(err).Msg("failed to unmap staging buffer")
	}
	s.stage = nil
}
