package main

import (
	"bytes"
	"context"
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
	"go.uber.org/zap/zaptest"

	"github.com/a3tai/mcp-pdf-forms/internal/config"
)

const testVersion = "1.2.3"

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	originalStdout := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w
	defer func() { os.Stdout = originalStdout }()

	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
		w.Close()
	}()

	var buf bytes.Buffer
	_, _ = io.Copy(&buf, r)
	<-done
	return buf.String()
}

func TestPrintVersion(t *testing.T) {
	oldVersion, oldBuildTime, oldGitCommit := version, buildTime, gitCommit
	defer func() {
		version, buildTime, gitCommit = oldVersion, oldBuildTime, oldGitCommit
	}()

	version = testVersion
	buildTime = "2023-12-01_10:30:00"
	gitCommit = "abc123"

	output := captureStdout(t, printVersion)
	for _, expected := range []string{
		"MCP PDF Forms",
		"Version: " + testVersion,
		"Build Time: 2023-12-01_10:30:00",
		"Git Commit: abc123",
		"Built with:",
	} {
		assert.Contains(t, output, expected)
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.StorageDirectory = t.TempDir()
	cfg.DatabasePath = filepath.Join(cfg.StorageDirectory, config.DefaultDatabaseName)
	cfg.OracleProvider = "ollama"
	return cfg
}

func TestNewOracle(t *testing.T) {
	log := zaptest.NewLogger(t)

	cfg := testConfig(t)
	o, err := newOracle(cfg, log)
	require.NoError(t, err)
	assert.NotNil(t, o)

	t.Setenv("ANTHROPIC_API_KEY", "")
	cfg.OracleProvider = "anthropic"
	_, err = newOracle(cfg, log)
	assert.Error(t, err)
}

func TestNewApp_BadPrompts(t *testing.T) {
	cfg := testConfig(t)
	cfg.PromptsFile = filepath.Join(cfg.StorageDirectory, "prompts.yaml")
	require.NoError(t, os.WriteFile(cfg.PromptsFile, []byte("generate: [unterminated"), 0o600))

	_, err := newApp(context.Background(), cfg, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestRunServerMode(t *testing.T) {
	cfg := testConfig(t)
	cfg.Mode = config.ModeServer
	cfg.Host = "127.0.0.1"
	cfg.Port = freePort(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.FileExists(t, cfg.DatabasePath)

	done := make(chan error, 1)
	go func() { done <- a.runServerMode(ctx) }()

	url := "http://" + cfg.Address() + "/health"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode == http.StatusOK && strings.Contains(string(body), "ok")
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop after cancellation")
	}
	a.close()
}
