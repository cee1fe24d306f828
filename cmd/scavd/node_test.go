package main

import (
	"bytes"
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dray-io/scavd/internal/config"
	"github.com/dray-io/scavd/internal/logging"
	"github.com/dray-io/scavd/internal/metadata/oxia"
	"github.com/dray-io/scavd/internal/objectstore"
	"github.com/dray-io/scavd/internal/scavenge/chunks"
	"github.com/dray-io/scavd/internal/scavenge/runlog"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Node.NodeID = "node-test"
	cfg.Admin.ListenAddr = "127.0.0.1:0"
	cfg.Admin.Users = "admin:secret:$admins;reader:secret:$readers"
	cfg.Observability.MetricsAddr = "127.0.0.1:0"
	cfg.Chunks.Prefix = "db/"
	return cfg
}

func seedChunks(store *objectstore.MockStore) []string {
	var superseded []string
	for n := 0; n < 4; n++ {
		for v := 0; v < 3; v++ {
			key := "db/" + chunks.FormatName(n, v)
			store.PutBytes(key, bytes.Repeat([]byte{'c'}, 16))
			if v < 2 {
				superseded = append(superseded, key)
			}
		}
	}
	return superseded
}

func startTestNode(t *testing.T, cfg *config.Config, store objectstore.Store) *Node {
	t.Helper()
	node, err := NewNode(context.Background(), NodeOptions{
		Config:     cfg,
		Logger:     logging.Nop(),
		ChunkStore: store,
		Version:    "test",
	})
	require.NoError(t, err)
	require.NoError(t, node.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, node.Shutdown(ctx))
	})
	return node
}

func waitStopped(t *testing.T, client *adminClient) {
	t.Helper()
	require.Eventually(t, func() bool {
		resp, err := client.Status(context.Background())
		return err == nil && resp.Result == "Stopped"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestNode_ScavengeEndToEnd(t *testing.T) {
	store := objectstore.NewMockStore()
	superseded := seedChunks(store)
	node := startTestNode(t, testConfig(), store)

	client := newAdminClient(node.AdminAddr(), "admin", "secret", 5*time.Second)
	ctx := context.Background()

	resp, err := client.Start(ctx, 0, 2)
	require.NoError(t, err)
	require.Equal(t, "Started", resp.Result)
	require.NotNil(t, resp.ScavengeID)
	id := *resp.ScavengeID

	waitStopped(t, client)
	assert.ElementsMatch(t, superseded, store.Deleted())

	rec, err := client.Run(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, string(runlog.ResultSuccess), rec.Status)
	assert.Equal(t, "node-test", rec.Node)
	assert.Equal(t, 4, rec.ChunksScavenged)
	assert.Equal(t, int64(8*16), rec.SpaceSaved)
	assert.Equal(t, runlog.Options{StartFromChunk: 0, Threads: 2}, rec.Options)

	records, err := client.Runs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, id, records[0].ID)
}

func TestNode_StopBlocksUntilRunEnds(t *testing.T) {
	store := objectstore.NewMockStore()
	seedChunks(store)
	release := make(chan struct{})
	store.OnDelete(func(ctx context.Context, _ string) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	node := startTestNode(t, testConfig(), store)
	client := newAdminClient(node.AdminAddr(), "admin", "secret", 5*time.Second)
	ctx := context.Background()

	started, err := client.Start(ctx, 0, 1)
	require.NoError(t, err)
	require.Equal(t, "Started", started.Result)

	again, err := client.Start(ctx, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, "InProgress", again.Result)
	assert.Equal(t, *started.ScavengeID, *again.ScavengeID)

	stopped, err := client.Stop(ctx, "current")
	require.NoError(t, err)
	assert.Equal(t, "Stopped", stopped.Result)
	assert.Equal(t, *started.ScavengeID, *stopped.ScavengeID)

	waitStopped(t, client)
	rec, err := client.Run(ctx, *started.ScavengeID)
	require.NoError(t, err)
	assert.Equal(t, string(runlog.ResultStopped), rec.Status)
	close(release)
}

func TestNode_RejectsUnauthorized(t *testing.T) {
	node := startTestNode(t, testConfig(), objectstore.NewMockStore())
	ctx := context.Background()

	resp, err := newAdminClient(node.AdminAddr(), "reader", "secret", 5*time.Second).Start(ctx, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "Unauthorized", resp.Result)

	resp, err = newAdminClient(node.AdminAddr(), "", "", 5*time.Second).Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Unauthorized", resp.Result)
}

func TestNode_HealthAndMetrics(t *testing.T) {
	node := startTestNode(t, testConfig(), objectstore.NewMockStore())

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get("http://" + node.AdminAddr() + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}

	resp, err := http.Get("http://" + node.metricsServer.Addr() + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNode_InitialStateInterruptsOrphans(t *testing.T) {
	cfg := testConfig()
	cfg.Node.InitialState = "Follower"
	node := startTestNode(t, cfg, objectstore.NewMockStore())

	ctx := context.Background()
	orphan := runlog.Record{ID: "orphan", Node: "node-test", Status: runlog.StatusInProgress, StartedAt: time.Now()}
	_, err := node.runStore.PutRecord(ctx, orphan)
	require.NoError(t, err)

	// A restarted process announces its role again.
	require.NoError(t, node.manager.Initialise(ctx))
	rec, err := node.manager.Get(ctx, "orphan")
	require.NoError(t, err)
	assert.Equal(t, string(runlog.ResultInterrupted), rec.Status)
}

func TestNewNode_Errors(t *testing.T) {
	_, err := NewNode(context.Background(), NodeOptions{})
	assert.Error(t, err)

	cfg := testConfig()
	cfg.Admin.Users = "broken-entry"
	_, err = NewNode(context.Background(), NodeOptions{Config: cfg, Logger: logging.Nop(), ChunkStore: objectstore.NewMockStore()})
	assert.Error(t, err)

	cfg = testConfig()
	cfg.Chunks.Bucket = ""
	_, err = NewNode(context.Background(), NodeOptions{Config: cfg, Logger: logging.Nop()})
	assert.Error(t, err, "S3 store needs a bucket")
}

func TestLoadCredentials(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "users")
	require.NoError(t, os.WriteFile(path, []byte("ops:pw:$ops\n"), 0o600))

	creds, err := loadCredentials(config.AdminConfig{UsersFile: path, Users: "admin:pw:$admins"})
	require.NoError(t, err)
	assert.Equal(t, 2, creds.Count())

	_, err = loadCredentials(config.AdminConfig{UsersFile: filepath.Join(dir, "missing")})
	assert.Error(t, err)
}

func TestNode_OxiaRunLog(t *testing.T) {
	if testing.Short() {
		t.Skip("starts an embedded Oxia server")
	}
	srv := oxia.StartTestServer(t)

	cfg := testConfig()
	cfg.RunLog.Backend = config.RunLogBackendOxia
	cfg.RunLog.OxiaEndpoint = srv.Addr()
	cfg.RunLog.Namespace = "default"

	store := objectstore.NewMockStore()
	superseded := seedChunks(store)
	node := startTestNode(t, cfg, store)
	client := newAdminClient(node.AdminAddr(), "admin", "secret", 10*time.Second)

	resp, err := client.Start(context.Background(), 0, 0)
	require.NoError(t, err)
	require.Equal(t, "Started", resp.Result)
	waitStopped(t, client)

	assert.ElementsMatch(t, superseded, store.Deleted())
	rec, err := client.Run(context.Background(), *resp.ScavengeID)
	require.NoError(t, err)
	assert.Equal(t, string(runlog.ResultSuccess), rec.Status)
}
