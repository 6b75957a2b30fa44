// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

// Package checksum provides the rolling checksums a transfer can compute
// over the bytes it moves.
package checksum

import (
	"fmt"
	"strings"
)

// Rolling is an order dependent checksum that can be continued from any
// accumulator value. Update must be a pure function of acc and p, so that
// feeding a stream in any chunking gives the same result.
type Rolling interface {
	Update(acc uint32, p []byte) uint32
	// Seed is the accumulator of an empty stream.
	Seed() uint32
	Name() string
}

// ByName resolves a checksum by name, "none" and "" resolve to nil.
func ByName(name string) (Rolling, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return nil, nil
	case "adler32", "adler-32":
		return Adler32{}, nil
	case "crc32c":
		return CRC32C{}, nil
	}

	return nil, fmt.Errorf("unknown checksum %q", name)
}

// Sum computes the checksum of p with r started from the seed.
func Sum(r Rolling, p []byte) uint32 {
	return r.Update(r.Seed(), p)
}
