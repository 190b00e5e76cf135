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
	"net"
	"strconv"
	"strings"
)

const maxPort = 65535

// Endpoint is a resolved address and port that a client can connect to.
// Endpoints are comparable: two endpoints with the same address and port
// are equal.
type Endpoint struct {
	Address string
	Port    int
}

// HostPort returns the endpoint formatted as "host:port". IPv6 addresses
// are bracketed.
func (e Endpoint) HostPort() string {
	return net.JoinHostPort(e.Address, strconv.Itoa(e.Port))
}

func (e Endpoint) String() string {
	return e.HostPort()
}

// MapEndpoints converts health records into endpoints, preserving the order
// of the records.
//
// The address of each endpoint is the record's service address when that is
// not blank, and the node address otherwise: a service address is the more
// specific of the two. The port always comes from the record's port.
//
// Records that cannot be mapped (no usable address, or a port outside
// 1-65535) are skipped. Each skipped record is described by an
// [*InvalidRecordError] in the returned error, which joins all of them. The
// returned endpoints are valid even when the error is non-nil. If several
// records map to the same endpoint, only the first is kept.
func MapEndpoints(records []HealthRecord) ([]Endpoint, error) {
	endpoints := make([]Endpoint, 0, len(records))
	seen := make(map[Endpoint]struct{}, len(records))
	var errs []error
	for _, record := range records {
		endpoint, err := mapRecord(record)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := seen[endpoint]; dup {
			continue
		}
		seen[endpoint] = struct{}{}
		endpoints = append(endpoints, endpoint)
	}
	return endpoints, errors.Join(errs...)
}

func mapRecord(record HealthRecord) (Endpoint, error) {
	if record.Port <= 0 || record.Port > maxPort {
		return Endpoint{}, &InvalidRecordError{
			Record: record,
			Reason: "port " + strconv.Itoa(record.Port) + " out of range",
		}
	}
	address := selectAddress(record)
	if address == "" {
		return Endpoint{}, &InvalidRecordError{Record: record, Reason: "no address"}
	}
	return Endpoint{Address: address, Port: record.Port}, nil
}

func selectAddress(record HealthRecord) string {
	if address := strings.TrimSpace(record.ServiceAddress); address != "" {
		return address
	}
	return strings.TrimSpace(record.NodeAddress)
}
