// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package version

import (
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
)

func quoteKey(key string) bool {
	return len(key) == 0 || strings.ContainsAny(key, "= \t\r\n\"`")
}

func quoteValue(value string) bool {
	return strings.ContainsAny(value, " \t\r\n\"`")
}

// FormatBuildInfo renders info in the layout of `go version -m`.
func FormatBuildInfo(info *debug.BuildInfo) string {
	buf := new(strings.Builder)

	fmt.Fprintf(buf, "go\t%s\n", info.GoVersion)
	if info.Main.Path != "" {
		fmt.Fprintf(buf, "mod\t%s\t%s\n", info.Main.Path, info.Main.Version)
	}

	modSize := 0
	versionSize := 0
	for _, d := range info.Deps {
		modSize = max(modSize, len(d.Path))
		versionSize = max(versionSize, len(d.Version))
	}

	for _, d := range info.Deps {
		fmt.Fprintf(buf, "dep\t%-*s %-*s %s\n", modSize, d.Path, versionSize, d.Version, d.Sum)
		if r := d.Replace; r != nil {
			fmt.Fprintf(buf, "=>\t%s %s %s\n", r.Path, r.Version, r.Sum)
		}
	}

	for _, s := range info.Settings {
		key := s.Key
		if quoteKey(key) {
			key = strconv.Quote(key)
		}
		value := s.Value
		if quoteValue(value) {
			value = strconv.Quote(value)
		}
		fmt.Fprintf(buf, "build\t%s=%s\n", key, value)
	}

	return buf.String()
}
