package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/copyleftdev/turnstiled/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// prepare parses args for the named subcommand and runs the root pre-run
// hook, without running the subcommand itself.
func prepare(t *testing.T, args ...string) *app {
	t.Helper()
	a := &app{}
	root := newRootCmdFor(a)

	sub, rest, err := root.Find(args)
	require.NoError(t, err)
	require.NoError(t, sub.ParseFlags(rest))
	require.NoError(t, root.PersistentPreRunE(sub, nil))
	return a
}

func TestVersionCmd(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	require.NoError(t, root.ExecuteContext(context.Background()))
	assert.Contains(t, out.String(), "turnstiled "+Version)
}

func TestServeFlags_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := prepare(t, "serve").loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:5000", cfg.Server.Addr())
	assert.Equal(t, 1, cfg.Browser.PoolSize)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.True(t, cfg.Browser.ProxySupport)
}

func TestServeFlags_Override(t *testing.T) {
	t.Chdir(t.TempDir())

	a := prepare(t, "serve",
		"--host", "127.0.0.1",
		"--port", "6000",
		"--thread", "3",
		"--browser_type", "msedge",
		"--driver", "playwright",
		"--headless=false",
		"--useragent", "Mozilla/5.0 custom",
		"--proxy=false",
		"--debug",
		"--api-key", "k3y",
		"--store", "memory",
	)
	cfg, err := a.loadConfig()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:6000", cfg.Server.Addr())
	assert.Equal(t, 3, cfg.Browser.PoolSize)
	assert.Equal(t, "msedge", cfg.Browser.Type)
	assert.Equal(t, config.DriverPlaywright, cfg.Browser.Driver)
	assert.False(t, cfg.Browser.Headless)
	assert.Equal(t, "Mozilla/5.0 custom", cfg.Browser.UserAgent)
	assert.False(t, cfg.Browser.ProxySupport)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "k3y", cfg.Security.ApiKey)
	assert.Equal(t, config.StoreMemory, cfg.Store.Backend)
}

func TestServeFlags_ConfigFileThenFlag(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "turnstiled.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 7000\nbrowser:\n  poolSize: 2\n"), 0o600))

	cfg, err := prepare(t, "serve", "--config", path, "--thread", "4").loadConfig()
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Server.Port, "file value applies when the flag is not set")
	assert.Equal(t, 4, cfg.Browser.PoolSize, "flag beats file")
}

func TestServeFlags_InvalidConfig(t *testing.T) {
	t.Chdir(t.TempDir())

	_, err := prepare(t, "serve", "--thread", "0").loadConfig()
	assert.Error(t, err)
}

func TestProbe_RequiresURLAndSitekey(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"probe", "--url", "https://example.com"})

	err := root.ExecuteContext(context.Background())
	assert.ErrorContains(t, err, "sitekey")
}
