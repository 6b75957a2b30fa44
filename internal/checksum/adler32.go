// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package checksum

import (
	"encoding"
	"encoding/binary"
	"hash/adler32"
)

const (
	adlerMod = 65521
	// header of the hash/adler32 binary state
	adlerMagic = "adl\x01"
)

// Adler32 is Adler-32 with a caller supplied accumulator.
// The hash/adler32 digest is resumed from acc through its binary state.
type Adler32 struct{}

func (Adler32) Name() string { return "adler32" }

func (Adler32) Seed() uint32 { return 1 }

func (Adler32) Update(acc uint32, p []byte) uint32 {
	// the digest expects both halves reduced
	acc = ((acc>>16)%adlerMod)<<16 | (acc&0xffff)%adlerMod

	d := adler32.New()
	state := binary.BigEndian.AppendUint32([]byte(adlerMagic), acc)
	if err := d.(encoding.BinaryUnmarshaler).UnmarshalBinary(state); err != nil {
		panic(err)
	}

	_, _ = d.Write(p)
	return d.Sum32()
}
