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
	"time"
)

// HealthRecord is a snapshot of one healthy service instance, as reported
// by a registry. Records are treated as immutable values.
type HealthRecord struct {
	// Node is the name of the node that runs the instance.
	Node string
	// NodeAddress is the address of the node.
	NodeAddress string
	// ServiceID is the registry's identifier for the instance.
	ServiceID string
	// ServiceAddress optionally overrides NodeAddress. It is set when the
	// instance is bound to an address that differs from its node's.
	ServiceAddress string
	// Port is the port the instance listens on.
	Port int
	// Tags and Meta are carried along for adapters and callers that want
	// them. They do not influence endpoint mapping.
	Tags []string
	Meta map[string]string
}

// Gateway is the client side of a service registry. Implementations are
// provided for Consul (package consul) and etcd (package etcd); tests use
// the fake in package resolvertest.
//
// A Gateway is owned by exactly one ServiceResolver, which calls Close when
// it shuts down.
type Gateway interface {
	// Query returns the healthy instances of the named service at this
	// moment in time.
	Query(ctx context.Context, service string) ([]HealthRecord, error)

	// Watch starts watching the named service. Every time the registry
	// reports a change, the full set of healthy records is supplied to the
	// receiver's OnChange method. Errors that the watch recovers from are
	// supplied to OnError.
	//
	// The interval is a hint for how long a single long-poll may block. The
	// gateway applies its own default if it is zero.
	//
	// Implementations run the watch in their own goroutine and must never
	// invoke the receiver concurrently with itself.
	Watch(service string, receiver WatchReceiver, interval time.Duration) (WatchHandle, error)

	// Close releases the connection to the registry.
	Close() error
}

// WatchHandle is a live subscription created by Gateway.Watch.
type WatchHandle interface {
	// AwaitInitialized blocks until the watch is actively receiving change
	// notifications, or until the context is done. It returns an error if
	// the watch could not initialize.
	AwaitInitialized(ctx context.Context) error

	// Stop terminates the watch. It waits for the watch goroutine to exit,
	// but no longer than the given context allows. No calls to the receiver
	// are made after Stop returns nil.
	Stop(ctx context.Context) error
}

// WatchReceiver receives notifications from a watch.
type WatchReceiver interface {
	// OnChange is called with the complete current set of healthy records
	// (never a delta).
	OnChange(records []HealthRecord)
	// OnError is called when the watch hits an error that it will retry.
	OnError(err error)
}

// Listener is the sink that receives resolved endpoints, typically the
// update hook of an RPC channel.
type Listener interface {
	// OnEndpoints is called with the full set of endpoints each time the
	// set is resolved. Consecutive calls may carry identical sets.
	OnEndpoints(endpoints []Endpoint)
}

// ListenerFunc adapts an ordinary function to the Listener interface.
type ListenerFunc func(endpoints []Endpoint)

// OnEndpoints implements Listener.
func (f ListenerFunc) OnEndpoints(endpoints []Endpoint) {
	f(endpoints)
}
