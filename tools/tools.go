// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

//go:build tools

// Package tools pins the development tools, run them with
//
//	go run -modfile=tools/go.mod gotest.tools/gotestsum -- -race ./...
//	go run -modfile=tools/go.mod github.com/dkorunic/betteralign/cmd/betteralign ./internal/xfer
package tools

import (
	_ "github.com/dkorunic/betteralign/cmd/betteralign"
	_ "github.com/mfridman/tparse"
	_ "golang.org/x/vuln/cmd/govulncheck"
	_ "gotest.tools/gotestsum"
)
