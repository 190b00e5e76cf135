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

package etcd

import (
	"errors"
	"strings"
	"time"
)

// DefaultPrefix is the key prefix under which service instances are stored.
const DefaultPrefix = "/services/"

// Config holds the settings used to reach an etcd cluster.
type Config struct {
	// Endpoints of the cluster (default: localhost:2379).
	Endpoints []string `yaml:"endpoints" mapstructure:"endpoints"`

	// DialTimeout bounds establishing the first connection (default: 5s).
	DialTimeout time.Duration `yaml:"dial_timeout" mapstructure:"dial_timeout"`

	// Username and Password enable authentication when Username is set.
	Username string `yaml:"username" mapstructure:"username"`
	Password string `yaml:"password" mapstructure:"password"`

	// Prefix is prepended to the service name to find its instances. Each
	// instance lives at <Prefix><service>/<id> (default: /services/).
	Prefix string `yaml:"prefix" mapstructure:"prefix"`
}

// ApplyDefaults fills in unset fields.
func (c *Config) ApplyDefaults() {
	if len(c.Endpoints) == 0 {
		c.Endpoints = []string{"localhost:2379"}
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.Prefix == "" {
		c.Prefix = DefaultPrefix
	}
	if !strings.HasSuffix(c.Prefix, "/") {
		c.Prefix += "/"
	}
}

// Validate checks that the configuration can be used.
func (c *Config) Validate() error {
	if len(c.Endpoints) == 0 {
		return errors.New("etcd endpoints are required")
	}
	for _, endpoint := range c.Endpoints {
		if strings.TrimSpace(endpoint) == "" {
			return errors.New("etcd endpoints must not be empty")
		}
	}
	if c.DialTimeout < 0 {
		return errors.New("dial_timeout must be non-negative")
	}
	if !strings.HasPrefix(c.Prefix, "/") {
		return errors.New("prefix must start with '/'")
	}
	return nil
}
