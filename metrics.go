// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package pluginrpc

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the prometheus collectors shared by all proxies of a process.
// A nil *Metrics records nothing.
type Metrics struct {
	calls    *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	inflight prometheus.Gauge
	dropped  prometheus.Counter
	exits    *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		calls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pluginrpc",
				Name:      "calls_total",
				Help:      "Calls completed, by command and result.",
			},
			[]string{"command", "result"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "pluginrpc",
				Name:      "call_duration_seconds",
				Help:      "Time from sending a call to its completion.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
			},
			[]string{"command"},
		),
		inflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "pluginrpc",
				Name:      "calls_in_flight",
				Help:      "Calls sent and not yet completed.",
			},
		),
		dropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "pluginrpc",
				Name:      "dropped_replies_total",
				Help:      "Replies that arrived with no call waiting for them.",
			},
		),
		exits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pluginrpc",
				Name:      "peer_exits_total",
				Help:      "Peers reaped at shutdown, by kind and whether they ended abnormally.",
			},
			[]string{"kind", "abnormal"},
		),
	}
	reg.MustRegister(m.calls, m.latency, m.inflight, m.dropped, m.exits)
	return m
}

func (m *Metrics) callStarted() {
	if m == nil {
		return
	}
	m.inflight.Inc()
}

func (m *Metrics) callFinished(cmd Command, err error, d time.Duration) {
	if m == nil {
		return
	}
	m.inflight.Dec()
	m.calls.WithLabelValues(cmd.String(), resultLabel(err)).Inc()
	m.latency.WithLabelValues(cmd.String()).Observe(d.Seconds())
}

func (m *Metrics) droppedReply() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

func (m *Metrics) peerExited(kind PeerKind, st ExitStatus) {
	if m == nil {
		return
	}
	m.exits.WithLabelValues(kind.String(), strconv.FormatBool(st.Abnormal())).Inc()
}

func resultLabel(err error) string {
	var (
		rerr *RemoteError
		terr *TimeoutError
		perr *ProtocolError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &rerr):
		return "remote"
	case errors.As(err, &terr):
		return "timeout"
	case errors.As(err, &perr):
		return "protocol"
	}
	return "transport"
}
