package chain

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewPoolValidatesAndDeduplicates(t *testing.T) {
	pool, err := NewPool([]string{
		"https://wax.example.org/some/path",
		"https://wax.example.org",
		"https://wax2.example.org",
	})
	require.NoError(t, err)
	require.Len(t, pool.Endpoints(), 2)

	_, err = NewPool(nil)
	require.Error(t, err)
	_, err = NewPool([]string{"not a url"})
	require.Error(t, err)
}

func TestPoolHealthMarking(t *testing.T) {
	pool, err := NewPool([]string{"https://wax.example.org"})
	require.NoError(t, err)

	endpoint := pool.Endpoints()[0]
	require.True(t, pool.Healthy(endpoint))

	pool.MarkHealth(endpoint, false)
	require.False(t, pool.Healthy(endpoint))

	// Unknown endpoints are ignored.
	pool.MarkHealth("https://other.example.org", true)
	require.False(t, pool.Healthy("https://other.example.org"))
}

func TestRPCProbeAcceptsRecentHead(t *testing.T) {
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"chain_id": "deadbeef", "head_block_time": %q}`,
			now.Add(-time.Minute).Format("2006-01-02T15:04:05.000"))
	}))
	defer srv.Close()

	probe := RPCProbe(func() time.Time { return now })
	require.NoError(t, probe(context.Background(), http.DefaultClient, srv.URL))
}

func TestRPCProbeRejectsStaleHead(t *testing.T) {
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"chain_id": "deadbeef", "head_block_time": %q}`,
			now.Add(-time.Hour).Format("2006-01-02T15:04:05.000"))
	}))
	defer srv.Close()

	probe := RPCProbe(func() time.Time { return now })
	require.Error(t, probe(context.Background(), http.DefaultClient, srv.URL))
}

func TestHistoryProbeRequiresAllServicesOK(t *testing.T) {
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	recent := now.Add(-time.Minute).Format("2006-01-02T15:04:05.000")

	healthyBody := fmt.Sprintf(`{"health": [
		{"service": "Elasticsearch", "status": "OK"},
		{"service": "NodeosRPC", "status": "OK", "service_data": {"head_block_time": %q}}
	]}`, recent)
	degradedBody := fmt.Sprintf(`{"health": [
		{"service": "Elasticsearch", "status": "Error"},
		{"service": "NodeosRPC", "status": "OK", "service_data": {"head_block_time": %q}}
	]}`, recent)

	body := healthyBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/health", r.URL.Path)
		fmt.Fprint(w, body)
	}))
	defer srv.Close()

	probe := HistoryProbe(func() time.Time { return now })
	require.NoError(t, probe(context.Background(), http.DefaultClient, srv.URL))

	body = degradedBody
	require.Error(t, probe(context.Background(), http.DefaultClient, srv.URL))
}

func TestProberMarksUnhealthyEndpoints(t *testing.T) {
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"chain_id": "deadbeef", "head_block_time": %q}`,
			now.Add(-time.Minute).Format("2006-01-02T15:04:05.000"))
	}))
	defer good.Close()
	stale := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"chain_id": "deadbeef", "head_block_time": %q}`,
			now.Add(-time.Hour).Format("2006-01-02T15:04:05.000"))
	}))
	defer stale.Close()

	pool, err := NewPool([]string{good.URL, stale.URL})
	require.NoError(t, err)

	prober := NewProber(http.DefaultClient, nil, time.Minute)
	prober.Register(CategoryRPC, pool, RPCProbe(func() time.Time { return now }))
	prober.CheckAll(context.Background())

	require.True(t, pool.Healthy(good.URL))
	require.False(t, pool.Healthy(stale.URL))
}
