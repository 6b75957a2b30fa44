// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

//go:build !linux

package main

// no O_DIRECT flag, direct io only pads and truncates
const oDirect = 0
