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

// Package consul provides a resolver.Gateway backed by the health endpoint
// of a Consul agent. Watches are implemented with blocking queries.
package consul

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bufbuild/healthresolver/resolver"
	"github.com/hashicorp/consul/api"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var errWatchStopped = errors.New("watch stopped")

// Gateway is a resolver.Gateway that talks to one Consul agent. Only
// instances whose health checks are all passing are returned.
type Gateway struct {
	client           *api.Client
	transport        *http.Transport
	logger           *zap.Logger
	minQueryInterval time.Duration

	// Parent of every watch context; canceled by Close.
	ctx    context.Context //nolint:containedctx
	cancel context.CancelFunc
}

var _ resolver.Gateway = (*Gateway)(nil)

// New connects a Gateway to the agent described by cfg. Unset fields of cfg
// take their defaults. A nil logger discards all output.
func New(cfg Config, logger *zap.Logger) (*Gateway, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	apiCfg := api.DefaultConfig()
	apiCfg.Address = cfg.Address
	apiCfg.Scheme = cfg.Scheme
	apiCfg.Token = cfg.Token
	if cfg.Datacenter != "" {
		apiCfg.Datacenter = cfg.Datacenter
	}
	client, err := api.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		client:           client,
		transport:        apiCfg.Transport,
		logger:           logger.With(zap.String("consul", cfg.Address)),
		minQueryInterval: cfg.MinQueryInterval,
		ctx:              ctx,
		cancel:           cancel,
	}, nil
}

// Dialer returns a function that creates a Gateway from base, with the
// address replaced by authority when authority is not empty. It is meant
// for grpcresolver.NewBuilder.
func Dialer(base Config, logger *zap.Logger) func(authority string) (resolver.Gateway, error) {
	return func(authority string) (resolver.Gateway, error) {
		cfg := base
		if authority != "" {
			cfg.Address = authority
		}
		return New(cfg, logger)
	}
}

// Query implements resolver.Gateway.
func (g *Gateway) Query(ctx context.Context, service string) ([]resolver.HealthRecord, error) {
	opts := (&api.QueryOptions{}).WithContext(ctx)
	entries, _, err := g.client.Health().Service(service, "", true, opts)
	if err != nil {
		return nil, fmt.Errorf("consul health query %q: %w", service, err)
	}
	return healthRecords(entries), nil
}

// Watch implements resolver.Gateway. The interval is used as the wait time
// of each blocking query.
func (g *Gateway) Watch(service string, receiver resolver.WatchReceiver, interval time.Duration) (resolver.WatchHandle, error) {
	if err := g.ctx.Err(); err != nil {
		return nil, errors.New("consul gateway closed")
	}
	ctx, cancel := context.WithCancel(g.ctx)
	w := &watch{
		gateway:     g,
		service:     service,
		receiver:    receiver,
		waitTime:    interval,
		logger:      g.logger.With(zap.String("service", service)),
		limiter:     rate.NewLimiter(rate.Every(g.minQueryInterval), 1),
		ctx:         ctx,
		cancel:      cancel,
		initialized: make(chan struct{}),
		done:        make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Close stops any watch still running and releases idle connections to the
// agent.
func (g *Gateway) Close() error {
	g.cancel()
	if g.transport != nil {
		g.transport.CloseIdleConnections()
	}
	return nil
}

type watch struct {
	gateway  *Gateway
	service  string
	receiver resolver.WatchReceiver
	waitTime time.Duration
	logger   *zap.Logger
	limiter  *rate.Limiter

	ctx         context.Context //nolint:containedctx
	cancel      context.CancelFunc
	initialized chan struct{}
	done        chan struct{}

	mu sync.Mutex
	// +checklocks:mu
	lastErr error
}

// AwaitInitialized implements resolver.WatchHandle. The watch is
// initialized once its first query succeeds.
func (w *watch) AwaitInitialized(ctx context.Context) error {
	select {
	case <-w.initialized:
		return nil
	case <-w.done:
		return errWatchStopped
	case <-ctx.Done():
		w.mu.Lock()
		lastErr := w.lastErr
		w.mu.Unlock()
		if lastErr != nil {
			return fmt.Errorf("%w: last query error: %w", ctx.Err(), lastErr)
		}
		return ctx.Err()
	}
}

// Stop implements resolver.WatchHandle.
func (w *watch) Stop(ctx context.Context) error {
	w.cancel()
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("consul watch %q did not stop: %w", w.service, ctx.Err())
	}
}

func (w *watch) run() {
	defer close(w.done)
	var index uint64
	initialized := false
	for {
		if err := w.limiter.Wait(w.ctx); err != nil {
			return
		}
		opts := (&api.QueryOptions{
			WaitIndex: index,
			WaitTime:  w.waitTime,
		}).WithContext(w.ctx)
		entries, meta, err := w.gateway.client.Health().Service(w.service, "", true, opts)
		if w.ctx.Err() != nil {
			return
		}
		if err != nil {
			w.mu.Lock()
			w.lastErr = err
			w.mu.Unlock()
			w.logger.Warn("consul watch query failed", zap.Error(err))
			w.receiver.OnError(fmt.Errorf("consul health query %q: %w", w.service, err))
			continue
		}

		changed := !initialized || meta.LastIndex != index
		switch {
		case meta.LastIndex < index:
			// The index went backwards, e.g. after a snapshot restore.
			w.logger.Debug("consul index reset", zap.Uint64("index", meta.LastIndex))
			index = 0
		case meta.LastIndex == 0:
			index = 1
		default:
			index = meta.LastIndex
		}
		if !initialized {
			initialized = true
			close(w.initialized)
		}
		if changed {
			w.receiver.OnChange(healthRecords(entries))
		}
	}
}

func healthRecords(entries []*api.ServiceEntry) []resolver.HealthRecord {
	records := make([]resolver.HealthRecord, 0, len(entries))
	for _, entry := range entries {
		if entry == nil || entry.Service == nil {
			continue
		}
		record := resolver.HealthRecord{
			ServiceID:      entry.Service.ID,
			ServiceAddress: entry.Service.Address,
			Port:           entry.Service.Port,
			Tags:           entry.Service.Tags,
			Meta:           entry.Service.Meta,
		}
		if entry.Node != nil {
			record.Node = entry.Node.Node
			record.NodeAddress = entry.Node.Address
		}
		records = append(records, record)
	}
	return records
}
