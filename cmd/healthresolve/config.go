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

package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bufbuild/healthresolver/consul"
	"github.com/bufbuild/healthresolver/etcd"
	"github.com/bufbuild/healthresolver/resolver"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const envPrefix = "HEALTHRESOLVE"

const (
	registryConsul = "consul"
	registryEtcd   = "etcd"
)

// config is the full configuration of the command, assembled by viper from
// flags, HEALTHRESOLVE_* environment variables and an optional config file.
type config struct {
	Registry        string        `mapstructure:"registry"`
	LogFormat       string        `mapstructure:"log_format"`
	LogLevel        string        `mapstructure:"log_level"`
	MetricsAddress  string        `mapstructure:"metrics_address"`
	WatchInterval   time.Duration `mapstructure:"watch_interval"`
	InitTimeout     time.Duration `mapstructure:"init_timeout"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	Consul          consul.Config `mapstructure:"consul"`
	Etcd            etcd.Config   `mapstructure:"etcd"`
}

func bindFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "path to a config file (yaml, json or toml)")
	flags.String("registry", registryConsul, "registry to resolve against: consul or etcd")
	flags.String("log-format", "console", "log format: console or json")
	flags.String("log-level", "info", "minimum log level")
	flags.String("metrics-address", "", "serve Prometheus metrics on this address when set")
	flags.Duration("watch-interval", resolver.DefaultWatchInterval, "registry watch interval")
	flags.Duration("init-timeout", resolver.DefaultInitTimeout, "how long to wait for a watch to initialize")
	flags.Duration("query-timeout", resolver.DefaultQueryTimeout, "timeout of the bootstrap query")
	flags.Duration("shutdown-timeout", resolver.DefaultShutdownTimeout, "how long to wait for watches to stop")
	flags.String("consul-address", consul.DefaultAddress, "consul agent host:port")
	flags.String("consul-token", "", "consul ACL token")
	flags.String("consul-datacenter", "", "consul datacenter")
	flags.StringSlice("etcd-endpoints", []string{"localhost:2379"}, "etcd endpoints")
	flags.String("etcd-prefix", etcd.DefaultPrefix, "etcd key prefix of service instances")
}

// loadConfig reads the configuration visible through flags.
func loadConfig(flags *pflag.FlagSet) (*config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	bindings := map[string]string{
		"registry":          "registry",
		"log_format":        "log-format",
		"log_level":         "log-level",
		"metrics_address":   "metrics-address",
		"watch_interval":    "watch-interval",
		"init_timeout":      "init-timeout",
		"query_timeout":     "query-timeout",
		"shutdown_timeout":  "shutdown-timeout",
		"consul.address":    "consul-address",
		"consul.token":      "consul-token",
		"consul.datacenter": "consul-datacenter",
		"etcd.endpoints":    "etcd-endpoints",
		"etcd.prefix":       "etcd-prefix",
	}
	for key, flag := range bindings {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}
	if path, _ := flags.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *config) validate() error {
	switch c.Registry {
	case registryConsul:
		c.Consul.ApplyDefaults()
		return c.Consul.Validate()
	case registryEtcd:
		c.Etcd.ApplyDefaults()
		return c.Etcd.Validate()
	case "":
		return errors.New("registry is required")
	default:
		return fmt.Errorf("unknown registry %q", c.Registry)
	}
}

func (c *config) resolverOptions(logger *zap.Logger, metrics *resolver.Metrics) []resolver.Option {
	return []resolver.Option{
		resolver.WithLogger(logger),
		resolver.WithMetrics(metrics),
		resolver.WithWatchInterval(c.WatchInterval),
		resolver.WithInitTimeout(c.InitTimeout),
		resolver.WithQueryTimeout(c.QueryTimeout),
		resolver.WithShutdownTimeout(c.ShutdownTimeout),
	}
}

// newGateway connects to the configured registry.
func (c *config) newGateway(logger *zap.Logger) (resolver.Gateway, error) {
	switch c.Registry {
	case registryEtcd:
		return etcd.New(c.Etcd, logger)
	default:
		return consul.New(c.Consul, logger)
	}
}

func (c *config) newLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	var zapCfg zap.Config
	switch c.LogFormat {
	case "json":
		zapCfg = zap.NewProductionConfig()
	case "console", "":
		zapCfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	logger, err := zapCfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Named("healthresolve"), nil
}
