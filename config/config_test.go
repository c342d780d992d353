package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/offgrid"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	manifest := writeFile(t, "manifest.yaml", `
- url: /assets/index-3f2a.js
  revision: 3f2a
- url: /assets/index-9c1b.css
  revision: 9c1b
`)
	path := writeFile(t, "offgrid.yaml", `
origin: https://atlas.example.org/
version: v2
network_timeout: 2s
precache:
  - url: /icons/icon-192.png
manifest_file: `+manifest+`
store:
  kind: Redis
  redis:
    addr: redis:6379
expirations:
  images:
    max_entries: 120
    max_age: 720h
`)
	t.Setenv("OFFGRID_VERSION", "v3")
	t.Setenv("OFFGRID_STORE_REDIS_DB", "2")
	t.Setenv("OFFGRID_UPDATE_SKIP_WAITING", "false")
	t.Setenv("OFFGRID_UPDATE_RETRY_MAX", "1m")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "https://atlas.example.org", cfg.Origin)
	assert.Equal(t, "atlas.example.org", cfg.OriginURL().Host)
	assert.Equal(t, "v3", cfg.Version)
	assert.Equal(t, 2*time.Second, cfg.NetworkTimeout)
	assert.Equal(t, 30*time.Second, cfg.RefreshTimeout, "defaults survive the file")
	assert.Equal(t, "redis", cfg.Store.Kind)
	assert.Equal(t, "redis:6379", cfg.Store.Redis.Addr)
	assert.Equal(t, 2, cfg.Store.Redis.DB)
	assert.False(t, cfg.UpdatePolicy().SkipWaiting)
	assert.True(t, cfg.UpdatePolicy().ClaimClients)
	assert.Equal(t, time.Second, cfg.Update.RetryMin)
	assert.Equal(t, time.Minute, cfg.Update.RetryMax)
	require.Len(t, cfg.Precache, 3)
	assert.Equal(t, offgrid.ManifestEntry{URL: "/assets/index-3f2a.js", Revision: "3f2a"}, cfg.Precache[1])

	reg := cfg.Registry()
	assert.Equal(t, "art-atlas-images-v3", reg.Name(offgrid.PurposeMapImage))
	assert.Equal(t, offgrid.Expiration{MaxEntries: 120, MaxAge: 720 * time.Hour}, reg.Expirations[offgrid.PurposeMapImage])
	assert.Equal(t, offgrid.Expiration{MaxEntries: 10, MaxAge: 24 * time.Hour}, reg.Expirations[offgrid.PurposeShell])
}

func TestLoadConfigWithoutFile(t *testing.T) {
	t.Setenv("OFFGRID_ORIGIN", "http://localhost:5173")
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, "ristretto", cfg.Store.Kind)
	assert.Equal(t, []string{
		"art-atlas-html-v1", "art-atlas-assets-v1", "art-atlas-images-v1", "art-atlas-data-v1",
	}, cfg.Registry().Current())
	assert.Equal(t, cfg.Feed.URL, cfg.Registry().FeedURL)
}

func TestFeedOverrides(t *testing.T) {
	t.Setenv("OFFGRID_ORIGIN", "http://localhost:5173")
	t.Setenv("OFFGRID_FEED_URL", "https://data.example.org/points.csv")
	t.Setenv("OFFGRID_FEED_PATH", "/points.json")
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "https://data.example.org/points.csv", cfg.Registry().FeedURL)
	assert.Equal(t, "/points.json", cfg.Feed.Path)
}

func TestAdjustConfigRejects(t *testing.T) {
	cfg := Default()
	cfg.Origin = "atlas.example.org"
	cfg.Store.Kind = "memcached"
	cfg.Expirations = map[string]ExpirationCfg{"videos": {MaxEntries: 1}}

	err := cfg.AdjustConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not an absolute URL")
	assert.Contains(t, err.Error(), "memcached")
	assert.Contains(t, err.Error(), "videos")
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
