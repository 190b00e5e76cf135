// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package resolver

import (
	"time"

	"github.com/bufbuild/healthresolver/internal"
	"go.uber.org/zap"
)

const (
	// DefaultWatchInterval is the long-poll hint passed to Gateway.Watch
	// when no WithWatchInterval option is used.
	DefaultWatchInterval = 8 * time.Second
	// DefaultInitTimeout bounds how long Start waits for the watch to
	// initialize when no WithInitTimeout option is used.
	DefaultInitTimeout = 3 * time.Second
	// DefaultQueryTimeout bounds the bootstrap query when no
	// WithQueryTimeout option is used.
	DefaultQueryTimeout = 10 * time.Second
	// DefaultShutdownTimeout bounds how long Shutdown waits for the watch
	// to stop when no WithShutdownTimeout option is used.
	DefaultShutdownTimeout = 5 * time.Second
)

// Option customizes a ServiceResolver.
type Option interface {
	apply(*options)
}

// WithWatchInterval sets the hint passed to the gateway for how long a
// single watch long-poll may block. If zero or not specified,
// DefaultWatchInterval is used.
func WithWatchInterval(interval time.Duration) Option {
	return optionFunc(func(opts *options) {
		opts.watchInterval = interval
	})
}

// WithInitTimeout sets how long Start waits for the watch to report that
// it is initialized. If zero or not specified, DefaultInitTimeout is used.
func WithInitTimeout(timeout time.Duration) Option {
	return optionFunc(func(opts *options) {
		opts.initTimeout = timeout
	})
}

// WithQueryTimeout limits the bootstrap health query. If zero or not
// specified, DefaultQueryTimeout is used.
func WithQueryTimeout(timeout time.Duration) Option {
	return optionFunc(func(opts *options) {
		opts.queryTimeout = timeout
	})
}

// WithShutdownTimeout limits how long Shutdown waits for the watch to
// acknowledge that it stopped. If zero or not specified,
// DefaultShutdownTimeout is used.
func WithShutdownTimeout(timeout time.Duration) Option {
	return optionFunc(func(opts *options) {
		opts.shutdownTimeout = timeout
	})
}

// WithLogger configures the logger used to report updates, skipped records,
// and watch errors. If nil or not specified, nothing is logged.
func WithLogger(logger *zap.Logger) Option {
	return optionFunc(func(opts *options) {
		opts.logger = logger
	})
}

// WithMetrics configures the collectors updated by the resolver. See
// NewMetrics.
func WithMetrics(metrics *Metrics) Option {
	return optionFunc(func(opts *options) {
		opts.metrics = metrics
	})
}

type optionFunc func(*options)

func (f optionFunc) apply(opts *options) {
	f(opts)
}

type options struct {
	watchInterval   time.Duration
	initTimeout     time.Duration
	queryTimeout    time.Duration
	shutdownTimeout time.Duration
	logger          *zap.Logger
	metrics         *Metrics
	clock           internal.Clock
}

func (opts *options) applyDefaults() {
	if opts.watchInterval <= 0 {
		opts.watchInterval = DefaultWatchInterval
	}
	if opts.initTimeout <= 0 {
		opts.initTimeout = DefaultInitTimeout
	}
	if opts.queryTimeout <= 0 {
		opts.queryTimeout = DefaultQueryTimeout
	}
	if opts.shutdownTimeout <= 0 {
		opts.shutdownTimeout = DefaultShutdownTimeout
	}
	if opts.logger == nil {
		opts.logger = zap.NewNop()
	}
	if opts.clock == nil {
		opts.clock = internal.NewRealClock()
	}
}
