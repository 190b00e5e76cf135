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
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// updateReceiver maps health records and hands the result to a Listener.
// It delivers the bootstrap result and is also the WatchReceiver given to
// the gateway, so every delivery goes through one serialized path.
//
// Watch notifications that arrive before the bootstrap delivery are
// dropped, and no delivery starts once the receiver is closed. Closing
// never waits for a delivery in progress, so the listener itself may shut
// the resolver down.
type updateReceiver struct {
	service  string
	listener Listener
	logger   *zap.Logger
	metrics  *Metrics

	closed     atomic.Bool
	delivering atomic.Int32

	mu sync.Mutex // serializes deliveries
	// +checklocks:mu
	bootstrapped bool
}

var _ WatchReceiver = (*updateReceiver)(nil)

func newUpdateReceiver(service string, listener Listener, logger *zap.Logger, metrics *Metrics) *updateReceiver {
	return &updateReceiver{
		service:  service,
		listener: listener,
		logger:   logger,
		metrics:  metrics,
	}
}

// bootstrap delivers the result of the initial query.
func (r *updateReceiver) bootstrap(records []HealthRecord) {
	r.delivering.Add(1)
	defer r.delivering.Add(-1)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed.Load() {
		return
	}
	r.bootstrapped = true
	r.deliverLocked(records, sourceBootstrap)
}

// OnChange implements WatchReceiver.
func (r *updateReceiver) OnChange(records []HealthRecord) {
	r.delivering.Add(1)
	defer r.delivering.Add(-1)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed.Load() {
		return
	}
	if !r.bootstrapped {
		r.logger.Debug("dropping watch update received before bootstrap",
			zap.String("service", r.service))
		return
	}
	r.deliverLocked(records, sourceWatch)
}

// OnError implements WatchReceiver. The listener keeps the last set it was
// given.
func (r *updateReceiver) OnError(err error) {
	if r.closed.Load() {
		return
	}
	r.logger.Error("registry watch failed, keeping last known endpoints",
		zap.String("service", r.service),
		zap.Error(err))
	r.metrics.watchError(r.service)
}

// close stops all further deliveries and reports whether a delivery was
// in progress at that moment. It does not wait for that delivery.
func (r *updateReceiver) close() (busy bool) {
	r.closed.Store(true)
	return r.delivering.Load() > 0
}

// +checklocks:r.mu
func (r *updateReceiver) deliverLocked(records []HealthRecord, source string) {
	endpoints, err := MapEndpoints(records)
	if err != nil {
		r.logger.Warn("skipped invalid health records",
			zap.String("service", r.service),
			zap.Error(err))
		r.metrics.invalid(r.service, countInvalid(err))
	}
	r.logger.Info("updated endpoints",
		zap.String("service", r.service),
		zap.String("source", source),
		zap.Stringers("endpoints", endpoints))
	r.listener.OnEndpoints(endpoints)
	r.metrics.delivered(r.service, source, len(endpoints))
}

// countInvalid returns the number of skipped records joined into err.
func countInvalid(err error) int {
	if joined, ok := err.(interface{ Unwrap() []error }); ok { //nolint:errorlint // errors.Join result
		return len(joined.Unwrap())
	}
	return 1
}
