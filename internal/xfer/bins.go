// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package xfer

import (
	"sync"

	"golang.org/x/sys/unix"

	"fdxfer/internal/pkg/gsync"
)

// bin is one shared buffer. An empty bin belongs to the reader, a full bin
// to the writer, and only the owner touches buf.
type bin struct {
	mu     sync.Mutex
	cond   *gsync.Cond
	buf    []byte
	stored int
	full   bool
}

// binPool is a ring of page aligned bins carved from one anonymous mapping.
type binPool struct {
	mem  []byte
	bins []*bin
}

func newBinPool(count int, size int64) (*binPool, error) {
	mem, err := alignedBuffer(int64(count) * size)
	if err != nil {
		return nil, err
	}

	p := &binPool{mem: mem, bins: make([]*bin, count)}
	for i := range p.bins {
		b := &bin{buf: mem[int64(i)*size : int64(i+1)*size : int64(i+1)*size]}
		b.cond = gsync.NewCond(&b.mu)
		p.bins[i] = b
	}

	return p, nil
}

func (p *binPool) free() error {
	return unix.Munmap(p.mem)
}

func (p *binPool) broadcast() {
	for _, b := range p.bins {
		b.cond.Broadcast()
	}
}

// alignedBuffer returns page aligned memory usable for direct I/O.
func alignedBuffer(size int64) ([]byte, error) {
	return unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}
