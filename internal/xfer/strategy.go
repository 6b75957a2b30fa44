// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package xfer

import (
	"errors"

	"golang.org/x/sys/unix"
)

// strategy is how a side moves bytes, picked once by setup.
type strategy interface {
	name() string
	// pollable strategies wait for readiness before each call to read or write.
	pollable() bool
	read(s *Side, p []byte) (int, error)
	write(s *Side, p []byte) (int, error)
	// remap moves the side to its next segment.
	remap(s *Side) error
	flush(s *Side, final bool) error
	// finishWrite makes written data durable at the end of a write side.
	finishWrite(s *Side) error
	// release frees what remap acquired, it must be safe to call twice.
	release(s *Side)
}

// bufferedIO is plain read(2) and write(2) at the descriptor position.
type bufferedIO struct{}

func (bufferedIO) name() string { return "buffered" }

func (bufferedIO) pollable() bool { return true }

func (bufferedIO) read(s *Side, p []byte) (int, error) {
	return unix.Read(s.fd, p)
}

func (bufferedIO) write(s *Side, p []byte) (int, error) {
	return unix.Write(s.fd, p)
}

func (bufferedIO) remap(*Side) error { return nil }

func (bufferedIO) flush(s *Side, _ bool) error {
	return fsync(s.fd)
}

func (bufferedIO) finishWrite(s *Side) error {
	if err := fsync(s.fd); err != nil {
		s.log.Debug().Err(err).Msg("ignore fsync error at end of transfer")
	}

	return nil
}

func (bufferedIO) release(*Side) {}

// fsync ignores descriptors that can not be synced, like pipes and sockets.
func fsync(fd int) error {
	err := unix.Fsync(fd)
	if errors.Is(err, unix.EINVAL) || errors.Is(err, unix.ENOTSUP) || errors.Is(err, unix.EROFS) {
		return nil
	}

	return err
}
