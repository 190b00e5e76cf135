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

package consul

import (
	"errors"
	"fmt"
	"time"
)

// DefaultAddress is the address of a local Consul agent.
const DefaultAddress = "localhost:8500"

// Config holds the settings used to reach a Consul agent.
type Config struct {
	// Address is the agent's host:port (default: localhost:8500).
	Address string `yaml:"address" mapstructure:"address"`

	// Scheme is the URI scheme, http or https (default: http).
	Scheme string `yaml:"scheme" mapstructure:"scheme"`

	// Datacenter to query. Empty means the agent's own datacenter.
	Datacenter string `yaml:"datacenter" mapstructure:"datacenter"`

	// Token is the ACL token sent with every request.
	Token string `yaml:"token" mapstructure:"token"`

	// MinQueryInterval is the minimum time between two queries made by one
	// watch, which bounds how fast a watch retries when the agent fails
	// (default: 1s).
	MinQueryInterval time.Duration `yaml:"min_query_interval" mapstructure:"min_query_interval"`
}

// ApplyDefaults fills in unset fields.
func (c *Config) ApplyDefaults() {
	if c.Address == "" {
		c.Address = DefaultAddress
	}
	if c.Scheme == "" {
		c.Scheme = "http"
	}
	if c.MinQueryInterval == 0 {
		c.MinQueryInterval = time.Second
	}
}

// Validate checks that the configuration can be used.
func (c *Config) Validate() error {
	if c.Address == "" {
		return errors.New("consul address is required")
	}
	if c.Scheme != "http" && c.Scheme != "https" {
		return fmt.Errorf("consul scheme must be 'http' or 'https', got '%s'", c.Scheme)
	}
	if c.MinQueryInterval < 0 {
		return errors.New("min_query_interval must be non-negative")
	}
	return nil
}
