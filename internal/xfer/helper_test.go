// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package xfer

import (
	"math/rand/v2"
	"time"

	"go.uber.org/atomic"
)

type int32Counter = atomic.Int32

func randomDelay() {
	if n := rand.IntN(4); n != 0 {
		time.Sleep(time.Duration(rand.IntN(200)) * time.Microsecond)
	}
}
