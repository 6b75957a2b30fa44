// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package xfer

import (
	"io"

	"golang.org/x/sys/unix"

	"fdxfer/internal/pkg/sys"
)

// setup picks the strategy of a side. It reports false when the side failed,
// the failure is already recorded on the side.
func (s *Side) setup(window int64) bool {
	var st unix.Stat_t
	if err := unix.Fstat(s.fd, &st); err != nil {
		s.fail(s.dir.ioError(), errnoOf(err), "fstat: %s", err)
		return false
	}

	s.regular = st.Mode&unix.S_IFMT == unix.S_IFREG
	s.origSize = st.Size

	if s.regular {
		off, err := unix.Seek(s.fd, 0, io.SeekCurrent)
		if err != nil {
			s.fail(s.dir.ioError(), errnoOf(err), "lseek: %s", err)
			return false
		}
		s.offset = off
		s.base = off
	}

	// the window is tracked even without mmap, segment counters of both sides
	// advance together.
	s.window = min(sys.AlignTo(window, s.block), s.total)
	s.segLen = s.window
	s.segLeft = s.window

	if !s.setupMmap() {
		return false
	}
	if !s.setupDirect() {
		return false
	}
	s.setupBuffered()

	s.log.Debug().
		Str("strategy", s.strategy.name()).
		Bool("regular", s.regular).
		Int64("offset", s.offset).
		Int64("window", s.window).
		Int64("flush_threshold", s.flushThreshold).
		Msg("side ready")

	return true
}

func (s *Side) setupMmap() bool {
	if !s.wantMmap || !s.regular || s.window == 0 {
		return true
	}

	if s.offset%sys.PageSize != 0 {
		s.fallback("file offset not page aligned")
		return true
	}

	if s.dir == Read && s.origSize < s.offset+s.total {
		s.fallback("file shorter than transfer size")
		return true
	}

	if s.dir == Write {
		if err := unix.Ftruncate(s.fd, s.offset+s.total); err != nil {
			s.fail(StatusWriteError, errnoOf(err), "ftruncate: %s", err)
			return false
		}
	}

	seg, err := mapSegment(s, s.base, s.segLen)
	if err != nil {
		if s.dir == Write {
			if err := unix.Ftruncate(s.fd, s.origSize); err != nil {
				s.fail(StatusWriteError, errnoOf(err), "restore file size: %s", err)
				return false
			}
		}

		s.fallback(err.Error())
		return true
	}

	s.seg = seg
	s.strategy = mmapIO{}
	return true
}

func (s *Side) fallback(reason string) {
	s.log.Debug().Str("reason", reason).Msg("mmap not available, use buffered io")
	strategyFallbacks.WithLabelValues(s.dir.String()).Inc()
}

// setupDirect only applies to regular files and never replaces mmap. A write
// side gets a staging buffer, so it can keep offsets page aligned when the
// reader hands over partial pages.
func (s *Side) setupDirect() bool {
	s.direct = s.wantDirect && s.regular
	if !s.direct || s.seg != nil {
		return true
	}

	if s.offset%sys.PageSize != 0 {
		s.log.Debug().Int64("offset", s.offset).Msg("file offset not page aligned, use buffered io")
		return true
	}

	if s.dir == Write {
		stage, err := alignedBuffer(sys.AlignToPage(s.block) + sys.PageSize)
		if err != nil {
			s.fail(StatusWriteError, errnoOf(err), "allocate staging buffer: %s", err)
			return false
		}
		s.stage = stage
	}

	s.strategy = directIO{}
	return true
}

func (s *Side) setupBuffered() {
	s.lastFlush = s.total
	if s.regular {
		s.flushThreshold = max(s.block, s.total/100)
	}
}
