package cmd

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jmcleod/devicegate/audit"
	"github.com/jmcleod/devicegate/config"
	"github.com/jmcleod/devicegate/device"
	"github.com/jmcleod/devicegate/heartbeat"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	t.Chdir(t.TempDir())
	cfg, err := config.Load(viper.New(), "")
	require.NoError(t, err)
	cfg.Bus.Listen = ""
	cfg.Audit.Path = filepath.Join(t.TempDir(), "data", "audit.db")
	return cfg
}

func TestGatewayWiring(t *testing.T) {
	cfg := testConfig(t)
	g, err := buildGateway(cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, g.broker.Start())
	require.NoError(t, g.hub.Start())
	t.Cleanup(func() {
		_ = g.hub.Close()
		_ = g.broker.Close()
		_ = g.repo.Close()
	})

	srv := httptest.NewServer(g.router())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx := context.Background()
	agent := device.NewAgent("sensor-1", "s3cret", device.NewClient(srv.URL, srv.Client()), g.broker)
	require.NoError(t, agent.Register(ctx, nil))
	require.NoError(t, agent.Authenticate(ctx))
	assert.True(t, g.hub.Bound("sensor-1"))

	// Heartbeats travel through the broker to the hub and the monitor.
	require.NoError(t, agent.SendHeartbeat(ctx))
	require.Eventually(t, func() bool {
		return g.monitor.Status("sensor-1").LastSequence != nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, heartbeat.StatusOnline, g.monitor.Status("sensor-1").Status)

	result, err := verifyDatabaseFromRepo(g)
	require.NoError(t, err)
	assert.True(t, result.Valid, "%+v", result.Checks)
	assert.GreaterOrEqual(t, result.EntryCount, 4)
}

func verifyDatabaseFromRepo(g *gateway) (audit.Result, error) {
	return audit.NewTrail(g.repo, audit.WithBucket(audit.DefaultBucket)).Verify()
}

func TestOpenAuditRepositoryInMemory(t *testing.T) {
	repo, err := openAuditRepository("")
	require.NoError(t, err)
	require.NoError(t, repo.Close())
}

func TestBuildGatewayRejectsBadAuditPath(t *testing.T) {
	cfg := testConfig(t)
	cfg.Audit.Path = t.TempDir() // a directory, not a file
	_, err := buildGateway(cfg, zap.NewNop())
	assert.Error(t, err)
}
