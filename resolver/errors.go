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
	"errors"
	"fmt"
)

var (
	// ErrBootstrap is returned by Start when the initial health query fails.
	ErrBootstrap = errors.New("bootstrap query failed")

	// ErrWatchInitialization is returned by Start when the watch could not be
	// registered or did not confirm initialization in time.
	ErrWatchInitialization = errors.New("watch initialization failed")

	// ErrNilListener is returned by Start when it is given a nil Listener.
	ErrNilListener = errors.New("resolver: nil listener")

	// ErrAlreadyStarted is returned by Start when it is called more than once.
	ErrAlreadyStarted = errors.New("resolver already started")

	// ErrShutdown is returned by Shutdown when releasing the watch or the
	// registry connection reported a failure. The resolver is stopped
	// regardless.
	ErrShutdown = errors.New("shutdown did not release all resources")

	// ErrClosed is returned by Start when Shutdown was called before Start
	// or while it was still running.
	ErrClosed = errors.New("resolver shut down")

	// ErrInvalidRecord marks health records that cannot be mapped to an
	// endpoint. See InvalidRecordError.
	ErrInvalidRecord = errors.New("invalid health record")
)

// InvalidRecordError describes a health record that was skipped during
// mapping.
type InvalidRecordError struct {
	Record HealthRecord
	Reason string
}

func (e *InvalidRecordError) Error() string {
	return fmt.Sprintf("%v: node %q service %q: %s", ErrInvalidRecord, e.Record.Node, e.Record.ServiceID, e.Reason)
}

// Unwrap makes errors.Is(err, ErrInvalidRecord) true.
func (e *InvalidRecordError) Unwrap() error {
	return ErrInvalidRecord
}
