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

import "strconv"

// State is the lifecycle state of a ServiceResolver.
type State int

const (
	// StateCreated is the state of a resolver that has not been started.
	StateCreated State = iota
	// StateStarting means Start is running the bootstrap query or waiting
	// for the watch to initialize.
	StateStarting
	// StateWatching means the resolver delivered its bootstrap result and
	// its watch is live.
	StateWatching
	// StateShuttingDown means Shutdown is releasing resources.
	StateShuttingDown
	// StateStopped is terminal.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateWatching:
		return "watching"
	case StateShuttingDown:
		return "shutting_down"
	case StateStopped:
		return "stopped"
	default:
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
}
