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

// Package grpcresolver plugs resolvers into gRPC. Targets take the form
//
//	scheme://[authority]/service
//
// where the optional authority overrides the registry address the gateway
// connects to. The service is the path of the target, so the usual form is
// "consul:///payments" with three slashes. A target without a path, such as
// "consul://payments", is read as the service name with no authority and
// resolves through the default registry. To name both, write
// "consul://10.0.0.5:8500/payments".
package grpcresolver

import (
	"errors"
	"fmt"

	"github.com/bufbuild/healthresolver/resolver"
	"go.uber.org/zap"
	grpcresolver "google.golang.org/grpc/resolver"
)

// DialFunc creates the gateway a new resolver will use. authority is the
// authority of the dialed target and is empty when the target has none.
type DialFunc func(authority string) (resolver.Gateway, error)

// Option configures a Builder.
type Option interface {
	apply(*Builder)
}

// WithLogger configures the logger used by the builder and by every
// resolver it creates.
func WithLogger(logger *zap.Logger) Option {
	return optionFunc(func(b *Builder) {
		b.logger = logger
	})
}

// WithResolverOptions passes options to every resolver the builder
// creates.
func WithResolverOptions(opts ...resolver.Option) Option {
	return optionFunc(func(b *Builder) {
		b.resolverOpts = append(b.resolverOpts, opts...)
	})
}

type optionFunc func(*Builder)

func (f optionFunc) apply(b *Builder) {
	f(b)
}

// Builder is a gRPC resolver.Builder. Each gRPC channel built with it gets
// its own gateway and ServiceResolver.
type Builder struct {
	scheme       string
	dial         DialFunc
	logger       *zap.Logger
	resolverOpts []resolver.Option
}

var _ grpcresolver.Builder = (*Builder)(nil)

// NewBuilder returns a Builder for the given scheme.
func NewBuilder(scheme string, dial DialFunc, opts ...Option) *Builder {
	builder := &Builder{
		scheme: scheme,
		dial:   dial,
	}
	for _, opt := range opts {
		opt.apply(builder)
	}
	if builder.logger == nil {
		builder.logger = zap.NewNop()
	}
	return builder
}

// Scheme implements resolver.Builder.
func (b *Builder) Scheme() string {
	return b.scheme
}

// Build implements resolver.Builder. It returns once the service has been
// resolved and its watch is running, or with the error that prevented it.
func (b *Builder) Build(target grpcresolver.Target, cc grpcresolver.ClientConn, _ grpcresolver.BuildOptions) (grpcresolver.Resolver, error) {
	service, authority := target.Endpoint(), target.URL.Host
	if service == "" && target.URL.Path == "" {
		service, authority = authority, ""
	}
	if service == "" {
		return nil, fmt.Errorf("%s: target %q names no service", b.scheme, target.String())
	}
	gateway, err := b.dial(authority)
	if err != nil {
		return nil, fmt.Errorf("%s: connect to registry: %w", b.scheme, err)
	}
	logger := b.logger.With(zap.String("target", target.String()))
	opts := append([]resolver.Option{resolver.WithLogger(logger)}, b.resolverOpts...)
	serviceResolver := resolver.New(service, gateway, opts...)
	if err := serviceResolver.Start(&clientConnListener{cc: cc, logger: logger}); err != nil {
		return nil, err
	}
	return &grpcResolver{resolver: serviceResolver, logger: logger}, nil
}

type grpcResolver struct {
	resolver *resolver.ServiceResolver
	logger   *zap.Logger
}

// ResolveNow implements resolver.Resolver. Updates are pushed by the
// registry watch, so there is nothing to do.
func (r *grpcResolver) ResolveNow(grpcresolver.ResolveNowOptions) {}

// Close implements resolver.Resolver.
func (r *grpcResolver) Close() {
	if err := r.resolver.Shutdown(); err != nil {
		r.logger.Warn("resolver shutdown failed", zap.Error(err))
	}
}

// clientConnListener pushes endpoint sets into a gRPC ClientConn.
type clientConnListener struct {
	cc     grpcresolver.ClientConn
	logger *zap.Logger
}

func (l *clientConnListener) OnEndpoints(endpoints []resolver.Endpoint) {
	state := grpcresolver.State{
		Addresses: make([]grpcresolver.Address, 0, len(endpoints)),
		Endpoints: make([]grpcresolver.Endpoint, 0, len(endpoints)),
	}
	for _, endpoint := range endpoints {
		addr := grpcresolver.Address{Addr: endpoint.HostPort()}
		state.Addresses = append(state.Addresses, addr)
		state.Endpoints = append(state.Endpoints, grpcresolver.Endpoint{Addresses: []grpcresolver.Address{addr}})
	}
	if len(endpoints) == 0 {
		l.cc.ReportError(errors.New("no healthy endpoints"))
		return
	}
	if err := l.cc.UpdateState(state); err != nil {
		l.logger.Warn("grpc rejected resolver state", zap.Error(err))
	}
}
