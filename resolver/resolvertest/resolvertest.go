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

// Package resolvertest provides an in-memory resolver.Gateway for testing
// code that uses resolvers, and a Listener that records what it receives.
package resolvertest

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/bufbuild/healthresolver/resolver"
)

var errWatchStopped = errors.New("watch stopped")

// FakeGateway is an in-memory implementation of resolver.Gateway. Records
// are set with SetRecords and changes are pushed to active watches with
// Notify. Failures can be injected for every operation.
//
// See NewFakeGateway.
type FakeGateway struct {
	// OnWatch, if set, is invoked by Watch after the watch is registered
	// but before Watch returns. This can be used to simulate a watch that
	// fires while it is being set up. It should be set immediately after
	// the gateway is created, to avoid races.
	OnWatch func(service string, receiver resolver.WatchReceiver) // +checklocksignore: only set before use.

	mu sync.Mutex
	// +checklocks:mu
	records map[string][]resolver.HealthRecord
	// +checklocks:mu
	queryErr error
	// +checklocks:mu
	watchErr error
	// +checklocks:mu
	initErr error
	// +checklocks:mu
	holdInit bool
	// +checklocks:mu
	stopErr error
	// +checklocks:mu
	closeErr error
	// +checklocks:mu
	watches map[string][]*FakeWatch
	// +checklocks:mu
	queryCount int
	// +checklocks:mu
	stopCount int
	// +checklocks:mu
	closeCount int
}

var _ resolver.Gateway = (*FakeGateway)(nil)

// NewFakeGateway constructs a gateway that knows no services.
func NewFakeGateway() *FakeGateway {
	return &FakeGateway{
		records: make(map[string][]resolver.HealthRecord),
		watches: make(map[string][]*FakeWatch),
	}
}

// SetRecords sets the records returned by Query for the given service. It
// does not notify watches; use Notify for that.
func (g *FakeGateway) SetRecords(service string, records ...resolver.HealthRecord) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.records[service] = records
}

// FailQuery makes subsequent calls to Query return err.
func (g *FakeGateway) FailQuery(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queryErr = err
}

// FailWatch makes subsequent calls to Watch return err.
func (g *FakeGateway) FailWatch(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.watchErr = err
}

// FailInit makes AwaitInitialized return err.
func (g *FakeGateway) FailInit(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.initErr = err
}

// HoldInit makes AwaitInitialized block until its context is done or the
// watch is stopped, as if the registry never answered.
func (g *FakeGateway) HoldInit() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.holdInit = true
}

// FailStop makes Stop return err. The watch is still stopped.
func (g *FakeGateway) FailStop(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopErr = err
}

// FailClose makes Close return err.
func (g *FakeGateway) FailClose(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closeErr = err
}

// Query implements resolver.Gateway.
func (g *FakeGateway) Query(ctx context.Context, service string) ([]resolver.HealthRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queryCount++
	if g.queryErr != nil {
		return nil, g.queryErr
	}
	return slices.Clone(g.records[service]), nil
}

// Watch implements resolver.Gateway.
func (g *FakeGateway) Watch(service string, receiver resolver.WatchReceiver, interval time.Duration) (resolver.WatchHandle, error) {
	g.mu.Lock()
	if g.watchErr != nil {
		err := g.watchErr
		g.mu.Unlock()
		return nil, err
	}
	watch := &FakeWatch{
		gateway:  g,
		service:  service,
		receiver: receiver,
		interval: interval,
		stopped:  make(chan struct{}),
	}
	g.watches[service] = append(g.watches[service], watch)
	g.mu.Unlock()

	if g.OnWatch != nil {
		g.OnWatch(service, receiver)
	}
	return watch, nil
}

// Close implements resolver.Gateway.
func (g *FakeGateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closeCount++
	return g.closeErr
}

// Notify pushes records to every active watch of the service, as a registry
// change would. It returns once all watches have delivered them.
func (g *FakeGateway) Notify(service string, records ...resolver.HealthRecord) {
	for _, watch := range g.activeWatches(service) {
		watch.deliver(func(receiver resolver.WatchReceiver) {
			receiver.OnChange(slices.Clone(records))
		})
	}
}

// NotifyError reports err to every active watch of the service.
func (g *FakeGateway) NotifyError(service string, err error) {
	for _, watch := range g.activeWatches(service) {
		watch.deliver(func(receiver resolver.WatchReceiver) {
			receiver.OnError(err)
		})
	}
}

// ActiveWatches returns the number of watches on the service that have not
// been stopped.
func (g *FakeGateway) ActiveWatches(service string) int {
	return len(g.activeWatches(service))
}

// Watches returns all active watches on the service.
func (g *FakeGateway) Watches(service string) []*FakeWatch {
	return g.activeWatches(service)
}

// QueryCount returns the number of calls to Query.
func (g *FakeGateway) QueryCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.queryCount
}

// StopCount returns the number of watches that were stopped.
func (g *FakeGateway) StopCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stopCount
}

// CloseCount returns the number of calls to Close.
func (g *FakeGateway) CloseCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closeCount
}

func (g *FakeGateway) activeWatches(service string) []*FakeWatch {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.watches[service])
}

// FakeWatch is the resolver.WatchHandle returned by FakeGateway.Watch.
type FakeWatch struct {
	gateway  *FakeGateway
	service  string
	receiver resolver.WatchReceiver
	interval time.Duration
	stopped  chan struct{}

	// Serializes calls to the receiver, like a real watch goroutine.
	deliverMu sync.Mutex
}

var _ resolver.WatchHandle = (*FakeWatch)(nil)

// Interval returns the interval hint that was passed to Watch.
func (w *FakeWatch) Interval() time.Duration {
	return w.interval
}

// Receiver returns the receiver that was passed to Watch. Calls made on it
// directly bypass the watch, which is useful after the watch is stopped.
func (w *FakeWatch) Receiver() resolver.WatchReceiver {
	return w.receiver
}

// AwaitInitialized implements resolver.WatchHandle.
func (w *FakeWatch) AwaitInitialized(ctx context.Context) error {
	w.gateway.mu.Lock()
	hold, err := w.gateway.holdInit, w.gateway.initErr
	w.gateway.mu.Unlock()
	if hold {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopped:
			return errWatchStopped
		}
	}
	return err
}

// Stop implements resolver.WatchHandle. Stopping a watch more than once
// has no effect.
func (w *FakeWatch) Stop(context.Context) error {
	g := w.gateway
	g.mu.Lock()
	defer g.mu.Unlock()
	watches := g.watches[w.service]
	idx := slices.Index(watches, w)
	if idx < 0 {
		return nil
	}
	g.watches[w.service] = slices.Delete(watches, idx, idx+1)
	g.stopCount++
	close(w.stopped)
	return g.stopErr
}

func (w *FakeWatch) deliver(fn func(resolver.WatchReceiver)) {
	w.deliverMu.Lock()
	defer w.deliverMu.Unlock()
	fn(w.receiver)
}

// Listener is a resolver.Listener that records every set it receives and
// signals each delivery on a channel.
type Listener struct {
	updates chan []resolver.Endpoint

	mu sync.Mutex
	// +checklocks:mu
	received [][]resolver.Endpoint
}

var _ resolver.Listener = (*Listener)(nil)

// NewListener returns a Listener whose Updates channel buffers up to the
// given number of deliveries. Further deliveries are recorded but not
// signaled.
func NewListener(buffer int) *Listener {
	return &Listener{updates: make(chan []resolver.Endpoint, buffer)}
}

// OnEndpoints implements resolver.Listener.
func (l *Listener) OnEndpoints(endpoints []resolver.Endpoint) {
	l.mu.Lock()
	l.received = append(l.received, endpoints)
	l.mu.Unlock()
	select {
	case l.updates <- endpoints:
	default:
	}
}

// Updates returns a channel that receives each delivered set.
func (l *Listener) Updates() <-chan []resolver.Endpoint {
	return l.updates
}

// Received returns every set delivered so far, oldest first.
func (l *Listener) Received() [][]resolver.Endpoint {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.received)
}
