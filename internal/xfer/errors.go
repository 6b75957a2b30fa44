// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package xfer

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

var (
	ErrReadError        = errors.New("read error")
	ErrWriteError       = errors.New("write error")
	ErrReadinessTimeout = errors.New("readiness timeout")
	ErrCoordination     = errors.New("coordination error")
	ErrCancelled        = errors.New("cancelled")
)

// TransferError is the error a failed side reports to the caller.
// errors.Is matches both the kind sentinels and the errno.
type TransferError struct {
	Status    Status
	Direction Direction
	Errno     unix.Errno
	Msg       string
	Pid       int
	// Bytes moved by the side before it failed.
	Bytes   int64
	Elapsed time.Duration
	// Where is the file:line the failure was recorded at.
	Where string
}

func (e *TransferError) Error() string {
	s := fmt.Sprintf("%s side: %s: %s", e.Direction, e.Status, e.Msg)
	if e.Errno != 0 {
		s += fmt.Sprintf(": %s", e.Errno.Error())
	}

	return s + fmt.Sprintf(" (pid %d, %d bytes, %s, at %s)", e.Pid, e.Bytes, e.Elapsed, e.Where)
}

func (e *TransferError) Unwrap() error {
	if e.Errno == 0 {
		return nil
	}

	return e.Errno
}

func (e *TransferError) Is(target error) bool {
	switch target {
	case ErrReadError:
		return e.Status == StatusReadError
	case ErrWriteError:
		return e.Status == StatusWriteError
	case ErrReadinessTimeout:
		return e.Status == StatusReadinessTimeout
	case ErrCoordination:
		return e.Status == StatusCoordinationError
	case ErrCancelled:
		return e.Status == StatusCancelled
	}

	return false
}

// errnoOf extracts the platform error code of err, EIO if it has none.
func errnoOf(err error) unix.Errno {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}

	return unix.EIO
}
