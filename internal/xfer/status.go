// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package xfer

type Direction uint8

const (
	Read Direction = iota
	Write
)

func (d Direction) String() string {
	if d == Read {
		return "read"
	}

	return "write"
}

// Status is the terminal status of one side.
type Status uint8

const (
	StatusOK Status = iota
	StatusReadError
	StatusWriteError
	// StatusReadinessTimeout means the descriptor produced nothing within the
	// timeout, or reached end of file before the expected size.
	StatusReadinessTimeout
	StatusCoordinationError
	// StatusCancelled means the side stopped because its peer failed.
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusReadError:
		return "read error"
	case StatusWriteError:
		return "write error"
	case StatusReadinessTimeout:
		return "readiness timeout"
	case StatusCoordinationError:
		return "coordination error"
	case StatusCancelled:
		return "cancelled"
	}

	return "unknown"
}

// ioError is the status of a failed read or write on a side.
func (d Direction) ioError() Status {
	if d == Read {
		return StatusReadError
	}

	return StatusWriteError
}

// completion state of a side, readable from any goroutine.
const (
	stateNotStarted uint32 = iota
	stateRunning
	stateFinishedOK
	stateFinishedError
)
