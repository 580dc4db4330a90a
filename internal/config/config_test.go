package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, "locations", cfg.Store.Collection)
	assert.Equal(t, "g", cfg.Store.OrderField)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "geoquery", cfg.Redis.Namespace)
	assert.Equal(t, "geo_locations_changes", cfg.Postgres.Channel)
	assert.Equal(t, 10*time.Second, cfg.Query.CleanupInterval)
	assert.Equal(t, 10*time.Millisecond, cfg.Query.CleanupDebounce)
	assert.Equal(t, 25, cfg.Query.MaxRangesBeforeCleanup)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: redis
  order_field: .priority
redis:
  addr: cache:6380
  db: 2
query:
  cleanup_interval: 30s
  max_ranges_before_cleanup: 50
log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DriverRedis, cfg.Store.Driver)
	assert.Equal(t, ".priority", cfg.Store.OrderField)
	assert.Equal(t, "cache:6380", cfg.Redis.Addr)
	assert.Equal(t, 2, cfg.Redis.DB)
	assert.Equal(t, 30*time.Second, cfg.Query.CleanupInterval)
	assert.Equal(t, 50, cfg.Query.MaxRangesBeforeCleanup)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestLoadExplicitPath(t *testing.T) {
	dir := chdirTemp(t)
	path := filepath.Join(dir, "geoquery.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9090\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadEnvOverrides(t *testing.T) {
	dir := chdirTemp(t)
	t.Setenv("GEOQUERY_STORE_DRIVER", "postgres")
	t.Setenv("GEOQUERY_POSTGRES_DATABASE_URL", "postgres://localhost/geo?sslmode=disable")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DriverPostgres, cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/geo?sslmode=disable", cfg.Postgres.DatabaseURL)

	// .env の値も環境変数として読み込まれる
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("GEOQUERY_SERVER_PORT=7070\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("GEOQUERY_SERVER_PORT") })
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Store: StoreConfig{Driver: DriverMemory, OrderField: "g"},
			Query: QueryConfig{MaxRangesBeforeCleanup: 25},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"memory", func(c *Config) {}, false},
		{"unknown driver", func(c *Config) { c.Store.Driver = "sqlite" }, true},
		{"firestore without project", func(c *Config) { c.Store.Driver = DriverFirestore }, true},
		{"firestore with project", func(c *Config) {
			c.Store.Driver = DriverFirestore
			c.Firestore.ProjectID = "demo"
		}, false},
		{"postgres without url", func(c *Config) { c.Store.Driver = DriverPostgres }, true},
		{"bad order field", func(c *Config) { c.Store.OrderField = "l" }, true},
		{"non-positive range limit", func(c *Config) { c.Query.MaxRangesBeforeCleanup = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestInitLogger(t *testing.T) {
	t.Cleanup(func() { zap.ReplaceGlobals(zap.NewNop()) })

	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	assert.True(t, zap.L().Core().Enabled(zap.DebugLevel))

	require.NoError(t, InitLogger(LogConfig{Level: "warn", Format: "json"}))
	assert.False(t, zap.L().Core().Enabled(zap.InfoLevel))

	assert.Error(t, InitLogger(LogConfig{Level: "loud"}))
}
