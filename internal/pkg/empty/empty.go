// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package empty

// Empty is a zero size value for signal channels.
type Empty = struct{}
