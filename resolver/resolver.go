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
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bufbuild/healthresolver/internal"
	"go.uber.org/zap"
)

// ServiceResolver resolves one service name into endpoints and keeps a
// Listener up to date as the registry reports changes.
//
// A ServiceResolver is single-use: it is started once and shut down once.
// It owns the Gateway it was created with and closes it on shutdown.
type ServiceResolver struct {
	service string
	gateway Gateway
	opts    options
	logger  *zap.Logger

	// Parent of the bootstrap query and the init wait; canceled by Shutdown.
	ctx    context.Context //nolint:containedctx
	cancel context.CancelFunc

	mu sync.Mutex
	// +checklocks:mu
	state State
	// +checklocks:mu
	handle WatchHandle
	// +checklocks:mu
	receiver *updateReceiver
}

// New creates a resolver for the named service. The resolver takes
// ownership of the gateway. Nothing happens until Start is called.
func New(service string, gateway Gateway, opts ...Option) *ServiceResolver {
	var resolverOpts options
	for _, opt := range opts {
		opt.apply(&resolverOpts)
	}
	resolverOpts.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &ServiceResolver{
		service: service,
		gateway: gateway,
		opts:    resolverOpts,
		logger:  resolverOpts.logger.With(zap.String("service", service)),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Service returns the name of the service being resolved.
func (r *ServiceResolver) Service() string {
	return r.service
}

// State returns the current lifecycle state.
func (r *ServiceResolver) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Start resolves the service and begins watching it for changes.
//
// Before it returns successfully, Start queries the registry, delivers the
// result to the listener, and waits until the registry watch confirms it is
// live. The listener's first call is always the result of that query; later
// calls come from the watch, on the watch's goroutine.
//
// If the query fails, the returned error matches ErrBootstrap. If the watch
// cannot be registered or does not initialize within the init timeout, the
// returned error matches ErrWatchInitialization. In both cases the resolver
// releases everything it acquired and ends up stopped. Start returns
// ErrNilListener for a nil listener, ErrAlreadyStarted if it was called
// before, and ErrClosed if Shutdown was called first or while Start was
// still running.
func (r *ServiceResolver) Start(listener Listener) error {
	if listener == nil {
		return ErrNilListener
	}
	receiver := newUpdateReceiver(r.service, listener, r.opts.logger, r.opts.metrics)
	r.mu.Lock()
	switch r.state {
	case StateCreated:
	case StateShuttingDown, StateStopped:
		r.mu.Unlock()
		return ErrClosed
	default:
		r.mu.Unlock()
		return ErrAlreadyStarted
	}
	r.state = StateStarting
	r.receiver = receiver
	r.mu.Unlock()

	records, err := r.query()
	if err != nil {
		return r.abort(nil, reasonBootstrap, fmt.Errorf("%w: %s: %w", ErrBootstrap, r.service, err))
	}
	receiver.bootstrap(records)
	if !r.isStarting() {
		// The listener, or another goroutine, shut the resolver down.
		return ErrClosed
	}

	handle, err := r.gateway.Watch(r.service, receiver, r.opts.watchInterval)
	if err != nil {
		return r.abort(nil, reasonWatchInit, fmt.Errorf("%w: %s: %w", ErrWatchInitialization, r.service, err))
	}

	r.mu.Lock()
	if r.state != StateStarting {
		// Shutdown ran while the watch was being registered and could not
		// see the handle, so it is ours to stop.
		r.mu.Unlock()
		if err := r.stopWatch(handle); err != nil {
			r.logger.Warn("failed to stop watch registered during shutdown", zap.Error(err))
		}
		return ErrClosed
	}
	r.handle = handle
	r.mu.Unlock()

	if err := r.awaitInitialized(handle); err != nil {
		return r.abort(handle, reasonWatchInit, fmt.Errorf("%w: %s: %w", ErrWatchInitialization, r.service, err))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateStarting {
		return ErrClosed
	}
	r.state = StateWatching
	r.logger.Info("resolver watching")
	return nil
}

// Shutdown stops the watch and closes the registry connection. It is safe
// to call at any time, from any goroutine including the listener's, and any
// number of times; calls after the first do nothing. A Start in progress is
// interrupted and returns ErrClosed.
//
// Shutdown waits for the watch to stop for no longer than the shutdown
// timeout. If the watch or the connection report a failure, Shutdown logs it
// and returns an error matching ErrShutdown, but the resolver is stopped
// either way.
//
// No delivery starts once Shutdown has been called, but one that is already
// running is not waited for. In that case the watch and the connection are
// released in the background, Shutdown returns nil, and State reports
// StateShuttingDown until the release is done. Release failures are then
// only logged.
func (r *ServiceResolver) Shutdown() error {
	r.mu.Lock()
	if r.state == StateShuttingDown || r.state == StateStopped {
		r.mu.Unlock()
		return nil
	}
	r.state = StateShuttingDown
	handle, receiver := r.handle, r.receiver
	r.handle = nil
	r.mu.Unlock()
	r.cancel()

	if receiver != nil && receiver.close() {
		// The delivery in progress may be the caller's own, and the watch
		// cannot stop until it returns.
		go func() {
			_ = r.finishShutdown(handle)
		}()
		return nil
	}
	return r.finishShutdown(handle)
}

func (r *ServiceResolver) finishShutdown(handle WatchHandle) error {
	err := r.release(handle)

	r.mu.Lock()
	r.state = StateStopped
	r.mu.Unlock()

	if err != nil {
		r.logger.Error("resolver shutdown incomplete", zap.Error(err))
		return fmt.Errorf("%w: %s: %w", ErrShutdown, r.service, err)
	}
	r.logger.Info("resolver stopped")
	return nil
}

func (r *ServiceResolver) isStarting() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == StateStarting
}

func (r *ServiceResolver) query() ([]HealthRecord, error) {
	ctx, cancel := internal.WithTimeout(r.ctx, r.opts.clock, r.opts.queryTimeout)
	defer cancel()
	records, err := r.gateway.Query(ctx, r.service)
	if err != nil && errors.Is(context.Cause(ctx), context.DeadlineExceeded) {
		return nil, fmt.Errorf("no response after %v: %w", r.opts.queryTimeout, err)
	}
	return records, err
}

func (r *ServiceResolver) awaitInitialized(handle WatchHandle) error {
	ctx, cancel := internal.WithTimeout(r.ctx, r.opts.clock, r.opts.initTimeout)
	defer cancel()
	err := handle.AwaitInitialized(ctx)
	if err != nil && errors.Is(context.Cause(ctx), context.DeadlineExceeded) {
		return fmt.Errorf("not initialized after %v: %w", r.opts.initTimeout, err)
	}
	return err
}

// abort moves a starting resolver to stopped after a failed Start, and
// returns cause. If Shutdown has already taken over, the failure is a
// consequence of it: Shutdown owns the release and abort returns ErrClosed.
func (r *ServiceResolver) abort(handle WatchHandle, reason string, cause error) error {
	r.mu.Lock()
	if r.state != StateStarting {
		r.mu.Unlock()
		return ErrClosed
	}
	r.state = StateShuttingDown
	receiver := r.receiver
	r.handle = nil
	r.mu.Unlock()
	r.cancel()

	r.logger.Error("resolver failed to start", zap.Error(cause))
	r.opts.metrics.startFailed(r.service, reason)
	if receiver != nil {
		receiver.close()
	}
	if err := r.release(handle); err != nil {
		r.logger.Warn("failed to release resources after failed start", zap.Error(err))
	}

	r.mu.Lock()
	r.state = StateStopped
	r.mu.Unlock()
	return cause
}

// release stops the watch (if any), then closes the gateway. Both steps run
// even if the first one fails.
func (r *ServiceResolver) release(handle WatchHandle) error {
	var errs []error
	if handle != nil {
		if err := r.stopWatch(handle); err != nil {
			errs = append(errs, fmt.Errorf("stop watch: %w", err))
		}
	}
	if err := r.gateway.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close gateway: %w", err))
	}
	return errors.Join(errs...)
}

func (r *ServiceResolver) stopWatch(handle WatchHandle) error {
	ctx, cancel := internal.WithTimeout(context.Background(), r.opts.clock, r.opts.shutdownTimeout)
	defer cancel()
	return handle.Stop(ctx)
}
