package inference_test

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyvo/studio/backend/pkg/inference"
	"github.com/vyvo/studio/backend/pkg/inference/inferencetest"
	"github.com/vyvo/studio/backend/pkg/instances"
	"github.com/vyvo/studio/backend/pkg/logging"
)

func hostPort(t *testing.T, raw string) (string, int) {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func newResolver(port int) *inference.Resolver {
	return inference.NewResolver(inference.ResolverConfig{
		Port:         port,
		ProbeTimeout: 500 * time.Millisecond,
		Budget:       5 * time.Second,
	}, nil, nil, logging.Discard())
}

func TestCandidatesOrder(t *testing.T) {
	inst := &instances.Instance{
		ID:       "i-1",
		Address:  "198.51.100.7",
		SSHHost:  "ssh5.example.net",
		Ports:    map[string]int{"8188": 40123},
		Metadata: map[string]string{inference.MetadataURLKey: "http://pinned.example.net:9000/"},
	}
	assert.Equal(t, []string{
		"http://pinned.example.net:9000",
		"http://198.51.100.7:40123",
		"http://198.51.100.7:8188",
		"http://ssh5.example.net:40123",
		"http://ssh5.example.net:8188",
		"https://198.51.100.7:40123",
		"https://198.51.100.7:8188",
		"https://ssh5.example.net:40123",
		"https://ssh5.example.net:8188",
	}, inference.Candidates(inst, 8188))

	assert.Empty(t, inference.Candidates(&instances.Instance{ID: "bare"}, 8188))
}

func TestResolveSimulatedInstanceSkipsNetwork(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	inst := &instances.Instance{
		ID:          "demo",
		Status:      instances.StatusRunning,
		SetupStatus: instances.SetupDemoReady,
		Metadata:    map[string]string{inference.MetadataURLKey: srv.URL},
	}
	res, err := newResolver(8188).Resolve(context.Background(), inst)
	require.NoError(t, err)
	assert.True(t, res.Demo)
	assert.Nil(t, res.Client)
	assert.Equal(t, inference.DemoModels, res.Models)
	assert.Zero(t, hits.Load())
}

func TestResolveMappedPortAndCache(t *testing.T) {
	srv := inferencetest.NewServer(inferencetest.Config{})
	defer srv.Close()
	host, port := hostPort(t, srv.URL)

	r := newResolver(8188)
	inst := &instances.Instance{
		ID:          "i-2",
		Status:      instances.StatusRunning,
		SetupStatus: instances.SetupReady,
		Address:     host,
		Ports:       map[string]int{"8188": port},
	}
	res, err := r.Resolve(context.Background(), inst)
	require.NoError(t, err)
	assert.False(t, res.Demo)
	assert.Equal(t, srv.URL, res.BaseURL)
	require.NotNil(t, res.Client)
	assert.Equal(t, []string{srv.URL}, res.Attempted)

	cached, ok := r.Cache().Get("i-2")
	require.True(t, ok)
	assert.Equal(t, srv.URL, cached.BaseURL)

	// The cached endpoint is tried even when the record lost its address.
	res, err = r.Resolve(context.Background(), &instances.Instance{ID: "i-2", SetupStatus: instances.SetupReady})
	require.NoError(t, err)
	assert.Equal(t, srv.URL, res.BaseURL)
}

func TestResolveNotFoundListsAttempts(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	host, port := hostPort(t, srv.URL)
	srv.Close()

	r := newResolver(port)
	r.Cache().Set(inference.Endpoint{InstanceID: "i-3", BaseURL: "http://" + net.JoinHostPort(host, strconv.Itoa(port))})
	_, err := r.Resolve(context.Background(), &instances.Instance{
		ID:          "i-3",
		SetupStatus: instances.SetupReady,
		Address:     host,
	})
	require.Error(t, err)

	var nf *inference.NotFoundError
	require.True(t, errors.As(err, &nf))
	base := net.JoinHostPort(host, strconv.Itoa(port))
	assert.Equal(t, []string{"http://" + base, "https://" + base}, nf.Attempted)
	assert.Contains(t, err.Error(), "i-3")

	_, ok := r.Cache().Get("i-3")
	assert.False(t, ok, "stale cache entry should be dropped")
}

func TestResolveUnhealthyEndpointIsMiss(t *testing.T) {
	srv := inferencetest.NewServer(inferencetest.Config{Unhealthy: true})
	defer srv.Close()
	host, port := hostPort(t, srv.URL)

	_, err := newResolver(port).Resolve(context.Background(), &instances.Instance{
		ID:          "i-4",
		SetupStatus: instances.SetupReady,
		Address:     host,
	})
	var nf *inference.NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Len(t, nf.Attempted, 2)
}
