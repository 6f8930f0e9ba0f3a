package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ggoodman/bunkergate/internal/logctx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bunkergate.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault_Valid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 30*time.Second, cfg.Signer.ConnectTimeout)
	assert.Equal(t, 60*time.Second, cfg.Signer.CallTimeout)
	assert.Equal(t, "http://127.0.0.1:7447/approve", cfg.SurfaceURL())
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeFile(t, `
listen = "127.0.0.1:9000"

[store]
kind = "redis"
redis_addr = "redis:6379"
redis_db = 2

[signer]
connect_timeout = "5s"

[surface]
url = "https://approve.example/ui"

[bridge]
origins = ["a.example", "*.b.example"]

[log]
format = "json"
`)
	t.Setenv("BUNKERGATE_REDIS_ADDR", "other:6380")
	t.Setenv("BUNKERGATE_SIGNER_TIMEOUT", "90s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Listen)
	assert.Equal(t, StoreRedis, cfg.Store.Kind)
	assert.Equal(t, "other:6380", cfg.Store.RedisAddr)
	assert.Equal(t, 2, cfg.Store.RedisDB)
	assert.Equal(t, "bunkergate:", cfg.Store.RedisPrefix)
	assert.Equal(t, 5*time.Second, cfg.Signer.ConnectTimeout)
	assert.Equal(t, 90*time.Second, cfg.Signer.CallTimeout)
	assert.Equal(t, "https://approve.example/ui", cfg.SurfaceURL())
	assert.Equal(t, []string{"a.example", "*.b.example"}, cfg.Bridge.Origins)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_EnvOnly(t *testing.T) {
	t.Setenv("BUNKERGATE_STORE", "memory")
	t.Setenv("BUNKERGATE_BRIDGE_ORIGINS", "a.example;b.example")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, StoreMemory, cfg.Store.Kind)
	assert.Equal(t, []string{"a.example", "b.example"}, cfg.Bridge.Origins)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, `[store]
kind = "sqlite"`))
	assert.ErrorContains(t, err, "unknown store kind")

	_, err = Load(writeFile(t, `[signer]
call_timeout = "soon"`))
	assert.ErrorContains(t, err, "signer.call_timeout")

	_, err = Load(writeFile(t, `[log]
level = "loud"`))
	assert.ErrorContains(t, err, "log level")

	_, err = Load(writeFile(t, `listen = [`))
	assert.ErrorContains(t, err, "parse")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log, err := LogConfig{Level: "debug", Format: "json"}.NewLogger(&buf)
	require.NoError(t, err)

	ctx := logctx.WithCallerData(context.Background(), &logctx.CallerData{Kind: "page", Origin: "a.example"})
	log.DebugContext(ctx, "router.reject")
	assert.Contains(t, buf.String(), `"caller":{"kind":"page","origin":"a.example"}`)
	assert.Contains(t, buf.String(), `"msg":"router.reject"`)
}
