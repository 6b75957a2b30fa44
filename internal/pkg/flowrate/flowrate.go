// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

//
// Written by Maxim Khitrov (November 2012)
//

// Package flowrate measures the throughput of one side of a transfer.
package flowrate

import (
	"math"
	"sync"
	"time"
)

// Monitor tracks bytes moved over time for a single data stream.
type Monitor struct {
	mu       sync.Mutex
	active   bool
	start    time.Duration // clock() value when the monitor was created
	total    int64         // bytes in finished samples
	expected int64         // bytes the stream is expected to carry, 0 if unknown
	samples  int64

	rSample float64 // most recent sample rate, bytes per second
	rEMA    float64 // exponential moving average of rSample
	rPeak   float64
	rWindow float64 // EMA window in seconds

	sBytes int64         // bytes since sLast
	sLast  time.Duration // most recent sample time, stop time once inactive
	sRate  time.Duration

	tLast time.Duration // last time at least 1 byte moved
}

// New creates a monitor for a stream of expected bytes. A sample is taken
// every sampleRate and weighted into the moving average by
//
//	weight  = 1 - exp(-sampleTime/windowSize)
//	newRate = weight*sampleRate + (1-weight)*oldRate
//
// sampleRate defaults to 100ms and windowSize to 1s when <= 0.
func New(expected int64, sampleRate, windowSize time.Duration) *Monitor {
	if sampleRate = clockRound(sampleRate); sampleRate <= 0 {
		sampleRate = 5 * clockRate
	}
	if windowSize <= 0 {
		windowSize = time.Second
	}
	now := clock()
	return &Monitor{
		active:   true,
		start:    now,
		expected: max(expected, 0),
		rWindow:  windowSize.Seconds(),
		sLast:    now,
		sRate:    sampleRate,
		tLast:    now,
	}
}

// Update records n moved bytes and returns n.
func (m *Monitor) Update(n int) int {
	m.mu.Lock()
	m.update(n)
	m.mu.Unlock()
	return n
}

// Done stops the monitor. Later calls to Update are ignored and the Status
// becomes static. It returns the total number of bytes recorded.
func (m *Monitor) Done() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.active {
		return m.total
	}

	if now := m.update(0); m.sBytes > 0 {
		m.reset(now)
	}
	m.active = false
	m.tLast = 0
	return m.total
}

const timeRemLimit = 999*time.Hour + 59*time.Minute + 59*time.Second

// Status is a snapshot of a Monitor, rates are bytes per second.
type Status struct {
	Start    time.Time     `json:"start"`
	Duration time.Duration `json:"duration"`
	Idle     time.Duration `json:"idle"`
	Total    int64         `json:"total"`
	Samples  int64         `json:"samples"`
	InstRate int64         `json:"inst_rate"`
	CurRate  int64         `json:"cur_rate"`
	AvgRate  int64         `json:"avg_rate"`
	PeakRate int64         `json:"peak_rate"`
	BytesRem int64         `json:"bytes_rem"`
	TimeRem  time.Duration `json:"time_rem"`
	Active   bool          `json:"active"`
}

func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.update(0)
	s := Status{
		Active:   m.active,
		Start:    clockToTime(m.start),
		Duration: m.sLast - m.start,
		Idle:     now - m.tLast,
		Total:    m.total,
		Samples:  m.samples,
		PeakRate: round(m.rPeak),
	}

	if m.expected > 0 {
		s.BytesRem = max(m.expected-m.total-m.sBytes, 0)
	}

	if s.Duration <= 0 {
		return s
	}

	rAvg := float64(s.Total) / s.Duration.Seconds()
	s.AvgRate = round(rAvg)
	if !s.Active {
		return s
	}

	s.InstRate = round(m.rSample)
	s.CurRate = round(m.rEMA)
	if s.BytesRem > 0 {
		if tRate := 0.8*m.rEMA + 0.2*rAvg; tRate > 0 {
			ns := math.Min(float64(s.BytesRem)/tRate*1e9, float64(timeRemLimit))
			s.TimeRem = clockRound(time.Duration(ns))
		}
	}

	return s
}

// update adds n to the current sample and closes the sample once sRate has
// passed since sLast.
func (m *Monitor) update(n int) (now time.Duration) {
	if !m.active {
		return
	}
	if now = clock(); n > 0 {
		m.tLast = now
	}
	m.sBytes += int64(n)
	if sTime := now - m.sLast; sTime >= m.sRate {
		t := sTime.Seconds()
		if m.rSample = float64(m.sBytes) / t; m.rSample > m.rPeak {
			m.rPeak = m.rSample
		}

		if m.samples > 0 {
			w := math.Exp(-t / m.rWindow)
			m.rEMA = m.rSample + w*(m.rEMA-m.rSample)
		} else {
			m.rEMA = m.rSample
		}
		m.reset(now)
	}
	return
}

func (m *Monitor) reset(sampleTime time.Duration) {
	m.total += m.sBytes
	m.samples++
	m.sBytes = 0
	m.sLast = sampleTime
}
