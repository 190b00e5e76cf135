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

// Package resolver resolves a logical service name into the healthy
// endpoints reported by a service registry, and keeps a consumer (such as
// an RPC channel) up to date as instances come and go.
//
// The registry is reached through a [Gateway], which offers a point-in-time
// health query and a long-lived watch. Gateways for Consul and etcd live in
// the consul and etcd packages. The consumer implements [Listener].
//
// # Lifecycle
//
// A [ServiceResolver] is created with [New] and started with
// [ServiceResolver.Start]. Start queries the registry synchronously and
// delivers the result before it registers a watch, so the first set a
// listener sees is never older than the watch's. Start then waits (bounded
// by [WithInitTimeout]) until the watch is live. If any of that fails, Start
// releases the watch and the registry connection before returning, so a
// failed start never leaves a watch running.
//
// Afterwards, every change reported by the watch is mapped and delivered in
// the order it arrived. Errors reported by the watch are logged and counted,
// and the listener keeps the last set it was given.
//
// [ServiceResolver.Shutdown] stops the watch and closes the gateway. It may
// be called any number of times.
//
// # Mapping
//
// [MapEndpoints] turns health records into endpoints. A record's service
// address is used when it is set, and the node's address otherwise. Records
// without a valid port or address are skipped and the rest are still
// delivered.
package resolver
