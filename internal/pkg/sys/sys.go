// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package sys

import (
	"os"
	"runtime"
)

const IsMacos = runtime.GOOS == "darwin"
const IsWindows = runtime.GOOS == "windows"
const IsLinux = runtime.GOOS == "linux"

// PageSize is the memory page size of the running system.
var PageSize = int64(os.Getpagesize())

// AlignToPage rounds value up to the next full page.
func AlignToPage(value int64) int64 {
	return AlignTo(value, PageSize)
}

// AlignTo rounds value up to the next multiple of align.
func AlignTo(value, align int64) int64 {
	if align <= 0 {
		return value
	}

	if r := value % align; r != 0 {
		return value + align - r
	}

	return value
}
