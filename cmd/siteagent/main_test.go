package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbourn/go-site-agent/internal/config"
)

func TestRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"serve", "worker", "purge", "migrate"})

	serve, _, err := root.Find([]string{"serve"})
	require.NoError(t, err)
	assert.NotNil(t, serve.Flags().Lookup("no-worker"))
}

func TestLoadEnvFiles_EnvironmentWins(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("SITEAGENT_TEST_A=file\nSITEAGENT_TEST_B=file\n"), 0o600))
	t.Setenv("SITEAGENT_TEST_A", "env")
	t.Cleanup(func() { _ = os.Unsetenv("SITEAGENT_TEST_B") })

	loadEnvFiles([]string{filepath.Join(dir, "missing.env"), path})

	assert.Equal(t, "env", os.Getenv("SITEAGENT_TEST_A"))
	assert.Equal(t, "file", os.Getenv("SITEAGENT_TEST_B"))
}

func TestAckTimeout(t *testing.T) {
	b := config.BridgeConfig{Retries: 3, Timeout: 15 * time.Second, RetryMaxWait: 4 * time.Second}
	assert.Equal(t, 53*time.Second, ackTimeout(b))
	assert.Equal(t, 15*time.Second, ackTimeout(config.BridgeConfig{Timeout: 15 * time.Second}))
}
