package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/costing-engine/costing"
)

func envFrom(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaults_AreValid(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())

	methods, err := cfg.Methods()
	require.NoError(t, err)
	assert.Equal(t, costing.Methods(), methods)
	assert.Equal(t, costing.PolicyAllowShortfall, cfg.Policy())
	assert.False(t, cfg.Scheduler.Enabled)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	// GIVEN: A config file overriding a few keys
	// WHEN: Loading it
	// THEN: Overridden keys change and the rest keep their defaults

	path := filepath.Join(t.TempDir(), "costing.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
costing:
  strategies: [lifo]
  negative_inventory: reject
scheduler:
  enabled: true
  interval: 2h
  tenants: [acme, demo]
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "demo", cfg.Server.DefaultTenant)
	assert.Equal(t, "costing.db", cfg.Database.Path)
	assert.Equal(t, costing.PolicyReject, cfg.Policy())
	assert.Equal(t, 2*time.Hour, cfg.Scheduler.Interval)
	assert.Equal(t, 30, cfg.Scheduler.WindowDays)
	assert.Equal(t, []string{"acme", "demo"}, cfg.Scheduler.Tenants)

	methods, err := cfg.Methods()
	require.NoError(t, err)
	assert.Equal(t, []costing.Method{costing.LIFO}, methods)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [port"), 0o600))

	_, err := Load(path)
	assert.ErrorContains(t, err, "parse config")
}

func TestApplyEnv(t *testing.T) {
	cfg := Defaults()
	err := applyEnv(&cfg, envFrom(map[string]string{
		"COSTING_PORT":               "7000",
		"COSTING_DB":                 "memory",
		"COSTING_LOG_LEVEL":          "debug",
		"COSTING_LOG_FORMAT":         "text",
		"COSTING_NEGATIVE_INVENTORY": "allow_negative",
	}))
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Database.Path)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, costing.PolicyAllowNegative, cfg.Policy())
}

func TestApplyEnv_BadPort(t *testing.T) {
	cfg := Defaults()
	err := applyEnv(&cfg, envFrom(map[string]string{"COSTING_PORT": "eighty"}))
	assert.ErrorContains(t, err, "COSTING_PORT")
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoad_ReadsDotEnv(t *testing.T) {
	// GIVEN: A .env file setting the log level and the port, with the port
	//        also set in the real environment
	// WHEN: Loading without a config file
	// THEN: .env fills what is unset and the real environment wins

	if _, ok := os.LookupEnv("COSTING_LOG_LEVEL"); ok {
		t.Skip("COSTING_LOG_LEVEL already set")
	}
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("COSTING_LOG_LEVEL=debug\nCOSTING_PORT=9999\n"), 0o600))

	prev := dotEnvFile
	dotEnvFile = path
	t.Cleanup(func() {
		dotEnvFile = prev
		os.Unsetenv("COSTING_LOG_LEVEL")
	})
	t.Setenv("COSTING_PORT", "7001")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 7001, cfg.Server.Port)
}

func TestLoadDotEnv_MissingFileIsFine(t *testing.T) {
	assert.NoError(t, loadDotEnv(filepath.Join(t.TempDir(), ".env")))
}

func TestValidate_JoinsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Port = 0
	cfg.Costing.Strategies = []string{"hifo"}
	cfg.Costing.NegativeInventory = "clamp"
	cfg.Log.Format = "xml"
	cfg.Scheduler.Enabled = true
	cfg.Scheduler.Interval = 0

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"server.port", "costing.strategies", "costing.negative_inventory", "log.format", "scheduler.interval"} {
		assert.ErrorContains(t, err, want)
	}
	assert.ErrorIs(t, err, costing.ErrUnknownStrategy)
	assert.Equal(t, costing.PolicyAllowShortfall, cfg.Policy())
}

func TestNewLogger_JSONAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(LogConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info("dropped")
	logger.WithField("tenant", "acme").Warn("kept")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "kept", entry["msg"])
	assert.Equal(t, "acme", entry["tenant"])
	assert.Equal(t, "warning", entry["level"])
}

func TestNewLogger_UnknownLevelFallsBackToInfo(t *testing.T) {
	logger := newLogger(LogConfig{Level: "loud", Format: "text"}, &bytes.Buffer{})
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, logger.Formatter)
}

func TestLogError_Fields(t *testing.T) {
	logger, hook := test.NewNullLogger()

	LogError(logger, "api", "RunCosting", "run failed", map[string]string{"tenant": "acme"}, errors.New("boom"))

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.ErrorLevel, entry.Level)
	assert.Equal(t, "boom", entry.Message)
	assert.Equal(t, "api", entry.Data["module"])
	assert.Equal(t, "RunCosting", entry.Data["funcName"])
	assert.Equal(t, "run failed", entry.Data["context"])
	assert.Contains(t, entry.Data, "data")
}
