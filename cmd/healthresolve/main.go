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

// Command healthresolve resolves services through a registry and reports
// their healthy endpoints.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bufbuild/healthresolver/resolver"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "healthresolve",
		Short:        "Resolve services into their healthy endpoints",
		SilenceUsage: true,
	}
	bindFlags(root.PersistentFlags())
	root.AddCommand(newWatchCommand(), newOnceCommand())
	return root
}

func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch SERVICE...",
		Short: "Watch services and log every change to their endpoints",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			logger, err := cfg.newLogger()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			return runWatch(cmd.Context(), cfg, logger, args)
		},
	}
}

func newOnceCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "once SERVICE",
		Short: "Query a service once and print its endpoints",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			logger, err := cfg.newLogger()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			endpoints, err := resolveOnce(cmd.Context(), cfg, logger, args[0])
			if err != nil {
				return err
			}
			for _, endpoint := range endpoints {
				fmt.Fprintln(cmd.OutOrStdout(), endpoint.HostPort())
			}
			return nil
		},
	}
}

// runWatch resolves every service until ctx is done, then shuts the
// resolvers down.
func runWatch(ctx context.Context, cfg *config, logger *zap.Logger, services []string) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := resolver.NewMetrics(registry)

	group, ctx := errgroup.WithContext(ctx)
	if cfg.MetricsAddress != "" {
		server := &http.Server{
			Addr:              cfg.MetricsAddress,
			Handler:           metricsHandler(registry),
			ReadHeaderTimeout: 5 * time.Second,
		}
		group.Go(func() error {
			logger.Info("serving metrics", zap.String("address", cfg.MetricsAddress))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		group.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}
	for _, service := range services {
		group.Go(func() error {
			return watchService(ctx, cfg, logger, metrics, service)
		})
	}
	return group.Wait()
}

func watchService(ctx context.Context, cfg *config, logger *zap.Logger, metrics *resolver.Metrics, service string) error {
	gateway, err := cfg.newGateway(logger)
	if err != nil {
		return err
	}
	res := resolver.New(service, gateway, cfg.resolverOptions(logger, metrics)...)
	// Every update is already logged by the resolver.
	if err := res.Start(resolver.ListenerFunc(func([]resolver.Endpoint) {})); err != nil {
		return err
	}
	<-ctx.Done()
	return res.Shutdown()
}

func resolveOnce(ctx context.Context, cfg *config, logger *zap.Logger, service string) ([]resolver.Endpoint, error) {
	gateway, err := cfg.newGateway(logger)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := gateway.Close(); err != nil {
			logger.Warn("failed to close registry connection", zap.Error(err))
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, cfg.QueryTimeout)
	defer cancel()
	records, err := gateway.Query(ctx, service)
	if err != nil {
		return nil, err
	}
	endpoints, err := resolver.MapEndpoints(records)
	if err != nil {
		logger.Warn("skipped invalid health records", zap.String("service", service), zap.Error(err))
	}
	return endpoints, nil
}

func metricsHandler(registry *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	return mux
}
