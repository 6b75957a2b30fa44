// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package xfer

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	bytesMoved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fdxfer_bytes_total",
		Help: "bytes moved, by side",
	}, []string{"direction"})

	transfers = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fdxfer_transfers_total",
		Help: "finished transfers, by mode and status",
	}, []string{"mode", "status"})

	transferDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fdxfer_transfer_duration_seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 12),
	}, []string{"mode"})

	strategyFallbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fdxfer_strategy_fallback_total",
		Help: "mmap requested but buffered io used",
	}, []string{"direction"})

	segmentSyncs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fdxfer_segment_syncs_total",
		Help: "msync calls on mapped write segments",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(bytesMoved, transfers, transferDuration, strategyFallbacks, segmentSyncs)
}
