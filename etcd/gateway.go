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

// Package etcd provides a resolver.Gateway backed by etcd. Each instance of
// a service is a JSON document stored under <prefix><service>/<id>; an
// instance is considered healthy for as long as its key exists, which is
// normally tied to a lease kept alive by the instance itself.
package etcd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bufbuild/healthresolver/resolver"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var errWatchStopped = errors.New("watch stopped")

// Instance is the value stored for each service instance.
type Instance struct {
	Node        string            `json:"node,omitempty"`
	NodeAddress string            `json:"node_address,omitempty"`
	ID          string            `json:"id,omitempty"`
	Address     string            `json:"address,omitempty"`
	Port        int               `json:"port"`
	Tags        []string          `json:"tags,omitempty"`
	Meta        map[string]string `json:"meta,omitempty"`
}

// Gateway is a resolver.Gateway that reads service instances from etcd.
type Gateway struct {
	client *clientv3.Client
	prefix string
	logger *zap.Logger
}

var _ resolver.Gateway = (*Gateway)(nil)

// New connects a Gateway to the cluster described by cfg. Unset fields of
// cfg take their defaults. A nil logger discards all output.
func New(cfg Config, logger *zap.Logger) (*Gateway, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	clientCfg := clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Logger:      logger.Named("etcd"),
	}
	if cfg.Username != "" {
		clientCfg.Username = cfg.Username
		clientCfg.Password = cfg.Password
	}
	client, err := clientv3.New(clientCfg)
	if err != nil {
		return nil, fmt.Errorf("etcd client: %w", err)
	}
	return &Gateway{
		client: client,
		prefix: cfg.Prefix,
		logger: logger.With(zap.Strings("etcd", cfg.Endpoints)),
	}, nil
}

// Dialer returns a function that creates a Gateway from base, with the
// endpoints replaced by authority when authority is not empty. Several
// endpoints may be given in authority separated by commas.
func Dialer(base Config, logger *zap.Logger) func(authority string) (resolver.Gateway, error) {
	return func(authority string) (resolver.Gateway, error) {
		cfg := base
		if authority != "" {
			cfg.Endpoints = strings.Split(authority, ",")
		}
		return New(cfg, logger)
	}
}

// Query implements resolver.Gateway.
func (g *Gateway) Query(ctx context.Context, service string) ([]resolver.HealthRecord, error) {
	resp, err := g.client.Get(ctx, g.servicePrefix(service), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("etcd get %q: %w", service, err)
	}
	records, err := DecodeRecords(g.servicePrefix(service), resp.Kvs)
	if err != nil {
		g.logger.Warn("skipped malformed service instances",
			zap.String("service", service),
			zap.Error(err))
	}
	return records, nil
}

// Watch implements resolver.Gateway. etcd pushes changes, so the interval
// hint is only used to pace re-establishing a watch that was lost.
func (g *Gateway) Watch(service string, receiver resolver.WatchReceiver, interval time.Duration) (resolver.WatchHandle, error) {
	ctx, cancel := context.WithCancel(context.Background())
	w := &watch{
		gateway:     g,
		service:     service,
		receiver:    receiver,
		logger:      g.logger.With(zap.String("service", service)),
		limiter:     rate.NewLimiter(rate.Every(interval), 1),
		ctx:         ctx,
		cancel:      cancel,
		initialized: make(chan struct{}),
		done:        make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Close implements resolver.Gateway.
func (g *Gateway) Close() error {
	return g.client.Close()
}

func (g *Gateway) servicePrefix(service string) string {
	return g.prefix + service + "/"
}

type watch struct {
	gateway  *Gateway
	service  string
	receiver resolver.WatchReceiver
	logger   *zap.Logger
	limiter  *rate.Limiter

	ctx         context.Context //nolint:containedctx
	cancel      context.CancelFunc
	initialized chan struct{}
	done        chan struct{}
	initOnce    sync.Once

	mu sync.Mutex
	// +checklocks:mu
	lastErr error
}

// AwaitInitialized implements resolver.WatchHandle. The watch is
// initialized once etcd confirms it was created.
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
			return fmt.Errorf("%w: last watch error: %w", ctx.Err(), lastErr)
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
		return fmt.Errorf("etcd watch %q did not stop: %w", w.service, ctx.Err())
	}
}

func (w *watch) run() {
	defer close(w.done)
	for {
		if err := w.limiter.Wait(w.ctx); err != nil {
			return
		}
		w.watchOnce()
		if w.ctx.Err() != nil {
			return
		}
		w.logger.Warn("etcd watch ended, re-establishing")
	}
}

// watchOnce runs a single etcd watch until it ends.
func (w *watch) watchOnce() {
	prefix := w.gateway.servicePrefix(w.service)
	watchCh := w.gateway.client.Watch(
		clientv3.WithRequireLeader(w.ctx),
		prefix,
		clientv3.WithPrefix(),
		clientv3.WithCreatedNotify(),
	)
	for resp := range watchCh {
		if err := resp.Err(); err != nil {
			w.fail(err)
			continue
		}
		if resp.Created {
			w.initOnce.Do(func() { close(w.initialized) })
			// Changes made before the watch existed are not replayed.
			w.refresh()
			continue
		}
		if len(resp.Events) > 0 {
			w.refresh()
		}
	}
}

// refresh re-reads every instance of the service and delivers them.
func (w *watch) refresh() {
	records, err := w.gateway.Query(w.ctx, w.service)
	if err != nil {
		if w.ctx.Err() == nil {
			w.fail(err)
		}
		return
	}
	w.receiver.OnChange(records)
}

func (w *watch) fail(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.mu.Unlock()
	w.logger.Warn("etcd watch failed", zap.Error(err))
	w.receiver.OnError(fmt.Errorf("etcd watch %q: %w", w.service, err))
}

// DecodeRecords converts the key-values found under prefix into health
// records, in key order. Values that are not valid instances are skipped
// and reported in the returned error; the records are returned either way.
func DecodeRecords(prefix string, kvs []*mvccpb.KeyValue) ([]resolver.HealthRecord, error) {
	records := make([]resolver.HealthRecord, 0, len(kvs))
	var errs []error
	for _, kv := range kvs {
		key := string(kv.Key)
		var instance Instance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			errs = append(errs, fmt.Errorf("key %q: %w", key, err))
			continue
		}
		if instance.ID == "" {
			instance.ID = strings.TrimPrefix(key, prefix)
		}
		records = append(records, resolver.HealthRecord{
			Node:           instance.Node,
			NodeAddress:    instance.NodeAddress,
			ServiceID:      instance.ID,
			ServiceAddress: instance.Address,
			Port:           instance.Port,
			Tags:           instance.Tags,
			Meta:           instance.Meta,
		})
	}
	return records, errors.Join(errs...)
}
