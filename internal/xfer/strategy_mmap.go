// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package xfer

import (
	"golang.org/x/sys/unix"
)

// mmapIO copies between the buffer and a mapped window of the file.
type mmapIO struct{}

func (mmapIO) name() string { return "mmap" }

// regular files are always ready
func (mmapIO) pollable() bool { return false }

func (mmapIO) read(s *Side, p []byte) (int, error) {
	return copy(p, s.seg[s.segOff:]), nil
}

func (mmapIO) write(s *Side, p []byte) (int, error) {
	return copy(s.seg[s.segOff:], p), nil
}

func (m mmapIO) remap(s *Side) error {
	// a written segment is on disk before it is unmapped
	if s.dir == Write {
		if err := msync(s, true); err != nil {
			return err
		}
	}

	m.release(s)

	seg, err := mapSegment(s, s.base, s.segLen)
	if err != nil {
		return err
	}

	s.seg = seg
	return nil
}

func (mmapIO) flush(s *Side, final bool) error {
	return msync(s, final)
}

func (mmapIO) finishWrite(s *Side) error {
	if s.seg == nil {
		return nil
	}

	return msync(s, true)
}

func msync(s *Side, sync bool) error {
	flags, kind := unix.MS_ASYNC, "async"
	if sync {
		flags, kind = unix.MS_SYNC, "sync"
	}

	segmentSyncs.WithLabelValues(kind).Inc()
	return unix.Msync(s.seg, flags)
}

func (mmapIO) release(s *Side) {
	if s.seg == nil {
		return
	}

	if err := unix.Munmap(s.seg); err != nil {
		s.log.Warn().Err(err).Int("segment", s.segments).Msg("failed to unmap segment")
	}
	s.seg = nil
}

func mapSegment(s *Side, offset, length int64) ([]byte, error) {
	prot := unix.PROT_READ
	if s.dir == Write {
		prot |= unix.PROT_WRITE
	}

	seg, err := unix.Mmap(s.fd, offset, int(length), prot, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}

	if err := unix.Madvise(seg, unix.MADV_SEQUENTIAL); err != nil {
		_ = unix.Munmap(seg)
		return nil, err
	}

	if s.dir == Read {
		if err := unix.Madvise(seg, unix.MADV_WILLNEED); err != nil {
			_ = unix.Munmap(seg)
			return nil, err
		}
	}

	return seg, nil
}
