// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package checksum

import (
	"hash/crc32"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// CRC32C is CRC-32 with the Castagnoli polynomial.
type CRC32C struct{}

func (CRC32C) Name() string { return "crc32c" }

func (CRC32C) Seed() uint32 { return 0 }

func (CRC32C) Update(acc uint32, p []byte) uint32 {
	return crc32.Update(acc, castagnoli, p)
}
