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
	"github.com/bufbuild/healthresolver/internal"
	"go.uber.org/zap"
)

type UpdateReceiver = updateReceiver

func WithClock(clock internal.Clock) Option {
	return optionFunc(func(opts *options) {
		opts.clock = clock
	})
}

func NewUpdateReceiver(service string, listener Listener, logger *zap.Logger, metrics *Metrics) *UpdateReceiver {
	return newUpdateReceiver(service, listener, logger, metrics)
}

func (r *UpdateReceiver) Bootstrap(records []HealthRecord) {
	r.bootstrap(records)
}

func (r *UpdateReceiver) Close() (busy bool) {
	return r.close()
}
