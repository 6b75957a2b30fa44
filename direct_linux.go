// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package main

import "golang.org/x/sys/unix"

const oDirect = unix.O_DIRECT
