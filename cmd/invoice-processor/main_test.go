package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/invoice-processor/pkg/config"
	"github.com/zoff-tech/invoice-processor/pkg/processor"
	"github.com/zoff-tech/invoice-processor/pkg/store"
)

func writeSQLiteConfig(t *testing.T, dir string, extra string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	content := fmt.Sprintf("connection_target: %s\nstore_type: sqlite\nsuccess_rate: 1\nhttp:\n  addr: 127.0.0.1:0\nwatcher:\n  settle_delay: 20ms\n%s",
		filepath.Join(dir, "invoices.db"), extra)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func execute(ctx context.Context, args ...string) (string, error) {
	cmd := newRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestMigrate_SQLite(t *testing.T) {
	dir := t.TempDir()
	path := writeSQLiteConfig(t, dir, "")

	out, err := execute(context.Background(), "migrate", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "schema ready (sqlite)")

	// running it again is a no-op
	_, err = execute(context.Background(), "migrate", "--config", path)
	require.NoError(t, err)

	cfg, err := config.LoadFromFile(path)
	require.NoError(t, err)
	db, err := store.OpenDB(*cfg)
	require.NoError(t, err)
	defer db.Close()

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM invoices`).Scan(&count))
	assert.Zero(t, count)
}

func TestMigrate_MissingConfig(t *testing.T) {
	_, err := execute(context.Background(), "migrate", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestServe_InvalidConfigIsFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("interval_seconds: 0\n"), 0o600))

	_, err := execute(context.Background(), "--config", path)
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestRootCommand_RejectsArguments(t *testing.T) {
	_, err := execute(context.Background(), "unexpected")
	assert.Error(t, err)
}

func TestServe_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	path := writeSQLiteConfig(t, dir, "")

	_, err := execute(context.Background(), "migrate", "--config", path)
	require.NoError(t, err)

	cfg, err := config.LoadFromFile(path)
	require.NoError(t, err)
	db, err := store.OpenDB(*cfg)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO invoices (id, status, retry_count) VALUES (1, 'pending', 0), (2, 'error', 4), (3, 'error', 5)`)
	require.NoError(t, err)
	defer db.Close()

	addrCh := make(chan string, 1)
	originalListen := listen
	listen = func(addr string) (net.Listener, error) {
		ln, err := originalListen(addr)
		if err == nil {
			addrCh <- ln.Addr().String()
		}
		return ln, err
	}
	defer func() { listen = originalListen }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		_, err := execute(ctx, "serve", "--config", path)
		errCh <- err
	}()

	var base string
	select {
	case addr := <-addrCh:
		base = "http://" + addr
	case err := <-errCh:
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("control plane did not start")
	}

	client := &http.Client{Timeout: 2 * time.Second}
	get := func(p string) (int, string) {
		resp, err := client.Get(base + p)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(body)
	}

	code, body := get("/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "OK", body)

	// the first cycle fires at startup and claims invoices 1 and 2
	assert.Eventually(t, func() bool {
		_, body := get("/stats")
		var stats processor.CycleStats
		return json.Unmarshal([]byte(body), &stats) == nil && stats.LastClaimedCount == 2
	}, 5*time.Second, 20*time.Millisecond)

	code, body = get("/config")
	assert.Equal(t, http.StatusOK, code)
	assert.NotContains(t, body, dir)
	assert.JSONEq(t, `{"connection_target":"*****","interval_seconds":300,"max_retries":5}`, body)

	var status string
	var retries int
	require.NoError(t, db.QueryRow(`SELECT status, retry_count FROM invoices WHERE id = 3`).Scan(&status, &retries))
	assert.Equal(t, "error", status)
	assert.Equal(t, 5, retries)

	// editing the file reloads the settings without a restart
	writeSQLiteConfig(t, dir, "interval_seconds: 42\n")
	assert.Eventually(t, func() bool {
		_, body := get("/config")
		return strings.Contains(body, `"interval_seconds":42`)
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := client.Post(base+"/config/reload", "text/plain", nil)
	require.NoError(t, err)
	reloadBody, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "reloaded", string(reloadBody))

	code, _ = get("/nope")
	assert.Equal(t, http.StatusNotFound, code)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not shut down")
	}
}
