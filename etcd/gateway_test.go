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

package etcd_test

import (
	"context"
	"encoding/json"
	"net"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/bufbuild/healthresolver/etcd"
	"github.com/bufbuild/healthresolver/resolver"
	"github.com/bufbuild/healthresolver/resolver/resolvertest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/server/v3/embed"
)

func TestGatewayQuery(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	cluster := startCluster(t)
	cluster.put(ctx, t, "payments/payments-1", etcd.Instance{Node: "n1", NodeAddress: "10.0.0.1", Port: 8080})
	cluster.put(ctx, t, "payments-canary/payments-canary-1", etcd.Instance{Node: "n3", NodeAddress: "10.0.0.3", Port: 8080})
	gateway := cluster.gateway(t)
	t.Cleanup(func() {
		assert.NoError(t, gateway.Close())
	})

	records, err := gateway.Query(ctx, "payments")
	require.NoError(t, err)
	assert.Equal(t, []resolver.HealthRecord{
		{Node: "n1", NodeAddress: "10.0.0.1", ServiceID: "payments-1", Port: 8080},
	}, records)

	records, err = gateway.Query(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestGatewayWatch(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	cluster := startCluster(t)
	cluster.put(ctx, t, "payments/payments-1", etcd.Instance{Node: "n1", NodeAddress: "10.0.0.1", Port: 8080})
	gateway := cluster.gateway(t)
	t.Cleanup(func() {
		assert.NoError(t, gateway.Close())
	})
	receiver := newRecordingReceiver()

	handle, err := gateway.Watch("payments", receiver, 100*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, handle.AwaitInitialized(ctx))

	// The watch reads the current instances as soon as it is created.
	first := receiver.next(ctx, t)
	require.Len(t, first, 1)
	assert.Equal(t, "payments-1", first[0].ServiceID)

	cluster.put(ctx, t, "payments/payments-2", etcd.Instance{Node: "n2", NodeAddress: "10.0.0.2", Address: "10.0.0.99", Port: 9090})
	second := receiver.next(ctx, t)
	require.Len(t, second, 2)
	assert.Equal(t, "10.0.0.99", second[1].ServiceAddress)

	cluster.delete(ctx, t, "payments/payments-1")
	third := receiver.next(ctx, t)
	require.Len(t, third, 1)
	assert.Equal(t, "payments-2", third[0].ServiceID)

	require.NoError(t, handle.Stop(ctx))
	require.NoError(t, handle.Stop(ctx))

	// Nothing is delivered once the watch is stopped.
	cluster.put(ctx, t, "payments/payments-3", etcd.Instance{Node: "n3", NodeAddress: "10.0.0.3", Port: 8080})
	select {
	case records := <-receiver.changes:
		t.Fatalf("delivery after stop: %v", records)
	case <-time.After(200 * time.Millisecond):
	}
	assert.Equal(t, 0, receiver.errorCount())
}

func TestResolverOverEtcd(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	cluster := startCluster(t)
	cluster.put(ctx, t, "payments/payments-1", etcd.Instance{Node: "n1", NodeAddress: "10.0.0.1", Port: 8080})
	res := resolver.New("payments", cluster.gateway(t), resolver.WithWatchInterval(100*time.Millisecond))
	listener := resolvertest.NewListener(10)
	require.NoError(t, res.Start(listener))
	t.Cleanup(func() {
		assert.NoError(t, res.Shutdown())
	})

	endpoint1 := resolver.Endpoint{Address: "10.0.0.1", Port: 8080}
	endpoint2 := resolver.Endpoint{Address: "10.0.0.99", Port: 9090}
	assert.Equal(t, []resolver.Endpoint{endpoint1}, <-listener.Updates())

	cluster.put(ctx, t, "payments/payments-2", etcd.Instance{Node: "n2", NodeAddress: "10.0.0.2", Address: "10.0.0.99", Port: 9090})
	awaitEndpoints(ctx, t, listener, []resolver.Endpoint{endpoint1, endpoint2})

	cluster.delete(ctx, t, "payments/payments-1")
	awaitEndpoints(ctx, t, listener, []resolver.Endpoint{endpoint2})
}

func TestDecodeRecords(t *testing.T) {
	t.Parallel()

	kvs := []*mvccpb.KeyValue{
		{
			Key:   []byte("/services/payments/payments-1"),
			Value: []byte(`{"node":"n1","node_address":"10.0.0.1","port":8080,"tags":["v1"]}`),
		},
		{
			Key:   []byte("/services/payments/payments-2"),
			Value: []byte(`not json`),
		},
		{
			Key:   []byte("/services/payments/payments-3"),
			Value: []byte(`{"id":"custom","node":"n2","node_address":"10.0.0.2","address":"10.0.0.99","port":9090,"meta":{"zone":"a"}}`),
		},
	}
	records, err := etcd.DecodeRecords("/services/payments/", kvs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "payments-2")
	assert.Equal(t, []resolver.HealthRecord{
		{Node: "n1", NodeAddress: "10.0.0.1", ServiceID: "payments-1", Port: 8080, Tags: []string{"v1"}},
		{Node: "n2", NodeAddress: "10.0.0.2", ServiceID: "custom", ServiceAddress: "10.0.0.99", Port: 9090, Meta: map[string]string{"zone": "a"}},
	}, records)

	endpoints, err := resolver.MapEndpoints(records)
	require.NoError(t, err)
	assert.Equal(t, []resolver.Endpoint{
		{Address: "10.0.0.1", Port: 8080},
		{Address: "10.0.0.99", Port: 9090},
	}, endpoints)
}

func TestDecodeRecordsEmpty(t *testing.T) {
	t.Parallel()

	records, err := etcd.DecodeRecords("/services/payments/", nil)
	require.NoError(t, err)
	assert.NotNil(t, records)
	assert.Empty(t, records)
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	var cfg etcd.Config
	cfg.ApplyDefaults()
	assert.Equal(t, []string{"localhost:2379"}, cfg.Endpoints)
	assert.Equal(t, 5*time.Second, cfg.DialTimeout)
	assert.Equal(t, etcd.DefaultPrefix, cfg.Prefix)
	require.NoError(t, cfg.Validate())

	cfg = etcd.Config{Prefix: "/registry"}
	cfg.ApplyDefaults()
	assert.Equal(t, "/registry/", cfg.Prefix)
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  etcd.Config
	}{
		{name: "no endpoints", cfg: etcd.Config{Prefix: "/services/"}},
		{name: "blank endpoint", cfg: etcd.Config{Endpoints: []string{" "}, Prefix: "/services/"}},
		{name: "negative timeout", cfg: etcd.Config{Endpoints: []string{"etcd:2379"}, DialTimeout: -time.Second, Prefix: "/services/"}},
		{name: "relative prefix", cfg: etcd.Config{Endpoints: []string{"etcd:2379"}, Prefix: "services/"}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			require.Error(t, test.cfg.Validate())
		})
	}
}

// testCluster is a single-member etcd server running in the test process.
type testCluster struct {
	endpoint string
	client   *clientv3.Client
}

func startCluster(t *testing.T) *testCluster {
	t.Helper()
	if testing.Short() {
		t.Skip("starts an etcd server")
	}
	cfg := embed.NewConfig()
	cfg.Name = "healthresolver"
	cfg.Dir = t.TempDir()
	cfg.LogLevel = "error"
	clientURL := freeURL(t)
	peerURL := freeURL(t)
	cfg.ListenClientUrls = []url.URL{clientURL}
	cfg.AdvertiseClientUrls = []url.URL{clientURL}
	cfg.ListenPeerUrls = []url.URL{peerURL}
	cfg.AdvertisePeerUrls = []url.URL{peerURL}
	cfg.InitialCluster = cfg.InitialClusterFromName(cfg.Name)

	server, err := embed.StartEtcd(cfg)
	require.NoError(t, err)
	t.Cleanup(server.Close)
	select {
	case <-server.Server.ReadyNotify():
	case err := <-server.Err():
		t.Fatalf("etcd server failed: %v", err)
	case <-time.After(30 * time.Second):
		t.Fatal("etcd server not ready")
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{clientURL.Host},
		DialTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.Close()
	})
	return &testCluster{endpoint: clientURL.Host, client: client}
}

func (c *testCluster) gateway(t *testing.T) *etcd.Gateway {
	t.Helper()
	gateway, err := etcd.New(etcd.Config{Endpoints: []string{c.endpoint}}, nil)
	require.NoError(t, err)
	return gateway
}

func (c *testCluster) put(ctx context.Context, t *testing.T, key string, instance etcd.Instance) {
	t.Helper()
	value, err := json.Marshal(instance)
	require.NoError(t, err)
	_, err = c.client.Put(ctx, etcd.DefaultPrefix+key, string(value))
	require.NoError(t, err)
}

func (c *testCluster) delete(ctx context.Context, t *testing.T, key string) {
	t.Helper()
	_, err := c.client.Delete(ctx, etcd.DefaultPrefix+key)
	require.NoError(t, err)
}

func freeURL(t *testing.T) url.URL {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())
	return url.URL{Scheme: "http", Host: addr}
}

func awaitEndpoints(ctx context.Context, t *testing.T, listener *resolvertest.Listener, want []resolver.Endpoint) {
	t.Helper()
	for {
		select {
		case endpoints := <-listener.Updates():
			if assert.ObjectsAreEqual(want, endpoints) {
				return
			}
		case <-ctx.Done():
			t.Fatalf("never received %v", want)
		}
	}
}

type recordingReceiver struct {
	changes chan []resolver.HealthRecord

	mu     sync.Mutex
	errors []error
}

func newRecordingReceiver() *recordingReceiver {
	return &recordingReceiver{changes: make(chan []resolver.HealthRecord, 16)}
}

func (r *recordingReceiver) OnChange(records []resolver.HealthRecord) {
	select {
	case r.changes <- records:
	default:
	}
}

func (r *recordingReceiver) OnError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, err)
}

func (r *recordingReceiver) errorCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errors)
}

func (r *recordingReceiver) next(ctx context.Context, t *testing.T) []resolver.HealthRecord {
	t.Helper()
	select {
	case records := <-r.changes:
		return records
	case <-ctx.Done():
		t.Fatal("no change delivered")
		return nil
	}
}
