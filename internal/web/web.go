// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package web

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fdxfer/internal/version"
	"fdxfer/internal/web/res"
)

// New returns the debug server of the harness.
func New(t *Tracker) http.Handler {
	r := chi.NewMux()
	r.Use(middleware.Recoverer)

	r.Handle("GET /metrics", promhttp.Handler())

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		res.Text(w, http.StatusOK, ".")
	})

	r.Get("/debug/version", func(w http.ResponseWriter, r *http.Request) {
		res.Text(w, http.StatusOK, version.Print()+"\n")
	})

	if info, ok := debug.ReadBuildInfo(); ok {
		s := version.FormatBuildInfo(info)
		r.Get("/debug/buildinfo", func(w http.ResponseWriter, r *http.Request) {
			res.Text(w, http.StatusOK, s)
		})
	}

	r.Get("/debug/progress", func(w http.ResponseWriter, r *http.Request) {
		s, ok := t.Snapshot()
		if !ok {
			res.JSON(w, http.StatusNotFound, map[string]string{"error": "no transfer started"})
			return
		}

		res.JSON(w, http.StatusOK, s)
	})

	r.Mount("/debug", middleware.Profiler())

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		res.Text(w, http.StatusNotFound, fmt.Sprintf("%s not found\n", r.URL.Path))
	})

	return r
}
