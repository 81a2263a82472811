package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodgeboard/kpi-engine/internal/kpi"
	"github.com/lodgeboard/kpi-engine/internal/period"
)

func writeTenants(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tenants.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestBuildRuntimeMemoryStore(t *testing.T) {
	cfg := &Config{
		StoreDriver:     StoreDriverMemory,
		TenantsFile:     writeTenants(t, "tenants:\n  - id: 4\n    name: Lounge\n    service: lounge\n"),
		KPIConcurrency:  2,
		KPIFetchTimeout: time.Second,
		CacheMaxEntries: 10,
		DefaultCurrency: "BRL",
		DefaultLocale:   "pt-BR",
	}

	rt, err := BuildRuntime(context.Background(), cfg, RuntimeOptions{Name: "test", Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)
	t.Cleanup(rt.Close)

	require.Len(t, rt.Service.Tenants(), 1)
	assert.Equal(t, 2, rt.Pools.Pool("source:lounge").Limit())

	// The tenant has no source, so a refresh reports the computation failure.
	report, err := rt.Service.Refresh(context.Background(), 4, []period.Tag{period.Last7Days}, []kpi.Kind{kpi.KindRevenue})
	require.Error(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Zero(t, report.Computed)
}

func TestBuildRuntimeMissingTenantsFile(t *testing.T) {
	cfg := &Config{StoreDriver: StoreDriverMemory, TenantsFile: filepath.Join(t.TempDir(), "missing.yaml"), KPIConcurrency: 1}
	_, err := BuildRuntime(context.Background(), cfg, RuntimeOptions{Registerer: prometheus.NewRegistry()})
	require.Error(t, err)
}
