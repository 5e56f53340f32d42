// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package pluginrpc

import (
	"github.com/go-logr/logr"
	"k8s.io/utils/clock"
)

// ChangeHandler receives the NEW_CHANGE and READ_CHANGE notifications a
// plugin sends outside of any call.
type ChangeHandler func(cmd Command, objType string, change ChangeRecord)

// StateObserver is told about every proxy state transition.
type StateObserver func(p *Proxy, from, to State)

// Option configures a Proxy
type Option func(*options)

type options struct {
	log           logr.Logger
	timeouts      Timeouts
	clock         clock.WithDelayedExecution
	metrics       *Metrics
	onChange      ChangeHandler
	observer      StateObserver
	compressAbove int
}

func newOptions(opts []Option) options {
	o := options{
		log:      logr.Discard(),
		timeouts: DefaultTimeouts(),
		clock:    clock.RealClock{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the logger for the proxy and its queues.
func WithLogger(l logr.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithTimeouts sets the per-verb default timeouts.
func WithTimeouts(t Timeouts) Option {
	return func(o *options) { o.timeouts = t }
}

// WithClock replaces the clock used for call deadlines
func WithClock(c clock.WithDelayedExecution) Option {
	return func(o *options) { o.clock = c }
}

// WithMetrics records call and peer metrics into m.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithChangeHandler sets the receiver of unsolicited change notifications.
func WithChangeHandler(fn ChangeHandler) Option {
	return func(o *options) { o.onChange = fn }
}

// WithStateObserver sets the observer of state transitions.
func WithStateObserver(fn StateObserver) Option {
	return func(o *options) { o.observer = fn }
}

// WithCompression LZ4-compresses outgoing bodies larger than n bytes.
func WithCompression(n int) Option {
	return func(o *options) { o.compressAbove = n }
}
