package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/bugtrack/internal/breach"
	"github.com/joescharf/bugtrack/internal/output"
)

// testEnv sets up isolated config dir, viper, and output for testing.
func testEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	// Override configDirFunc for tests
	origFunc := configDirFunc
	configDirFunc = func() (string, error) { return dir, nil }
	t.Cleanup(func() { configDirFunc = origFunc })

	// Reset viper
	viper.Reset()
	setDefaults(dir)

	// Reset shared state
	if dataStore != nil {
		_ = dataStore.Close()
	}
	dataStore = nil
	serverURL = ""
	serveDemo = false
	t.Cleanup(func() {
		if dataStore != nil {
			_ = dataStore.Close()
			dataStore = nil
		}
	})

	// Initialize output
	ui = output.New()

	return dir
}

// captureOutput redirects the shared UI to a buffer.
func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	ui.Out = &buf
	ui.ErrOut = &buf
	return &buf
}

func TestConfigInit_CreatesFile(t *testing.T) {
	dir := testEnv(t)

	err := configInitRun()
	require.NoError(t, err)

	cfgPath := filepath.Join(dir, "config.yaml")
	_, err = os.Stat(cfgPath)
	assert.NoError(t, err, "config file should exist")

	data, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "bugtrack configuration")
	assert.Contains(t, string(data), "breach")
	assert.Contains(t, string(data), "server_url")

	info, err := os.Stat(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestConfigInit_RefusesOverwrite(t *testing.T) {
	dir := testEnv(t)

	// Create existing file
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("existing"), 0644))

	configForce = false
	err := configInitRun()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestConfigInit_ForceOverwrite(t *testing.T) {
	dir := testEnv(t)

	// Create existing file
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("existing"), 0644))

	configForce = true
	err := configInitRun()
	require.NoError(t, err)

	data, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "bugtrack configuration")
}

func TestConfigShow_NoFile(t *testing.T) {
	testEnv(t)

	err := configShowRun()
	assert.NoError(t, err)
}

func TestConfigShow_WithFile(t *testing.T) {
	testEnv(t)

	// Create config first
	require.NoError(t, configInitRun())

	err := configShowRun()
	assert.NoError(t, err)
}

func TestConfigEdit_NoEditor(t *testing.T) {
	testEnv(t)

	// Unset EDITOR and VISUAL
	origEditor := os.Getenv("EDITOR")
	origVisual := os.Getenv("VISUAL")
	_ = os.Unsetenv("EDITOR")
	_ = os.Unsetenv("VISUAL")
	t.Cleanup(func() {
		if origEditor != "" {
			_ = os.Setenv("EDITOR", origEditor)
		}
		if origVisual != "" {
			_ = os.Setenv("VISUAL", origVisual)
		}
	})

	err := configEditRun()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "$EDITOR is not set")
}

func TestConfigEdit_NoConfigFile(t *testing.T) {
	testEnv(t)

	_ = os.Setenv("EDITOR", "echo") // harmless command
	t.Cleanup(func() { _ = os.Unsetenv("EDITOR") })

	err := configEditRun()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestDetectSource(t *testing.T) {
	fileValues := map[string]bool{"key_a": true}

	// From env
	os.Setenv("BUGTRACK_TEST_KEY", "val")
	defer os.Unsetenv("BUGTRACK_TEST_KEY")
	assert.Contains(t, detectSource("test_key", "BUGTRACK_TEST_KEY", fileValues), "env")

	// From file
	assert.Contains(t, detectSource("key_a", "BUGTRACK_KEY_A_NONEXISTENT", fileValues), "file")

	// Default
	assert.Contains(t, detectSource("key_b", "BUGTRACK_KEY_B_NONEXISTENT", fileValues), "default")
}

func TestFlattenKeys(t *testing.T) {
	input := map[string]any{
		"top": "val",
		"nested": map[string]any{
			"a": "1",
			"b": "2",
		},
	}

	result := make(map[string]bool)
	flattenKeys("", input, result)

	assert.True(t, result["top"])
	assert.True(t, result["nested.a"])
	assert.True(t, result["nested.b"])
	assert.False(t, result["nested"])
}

func TestConfigShow_MasksSecrets(t *testing.T) {
	testEnv(t)
	buf := captureOutput(t)
	viper.Set("auth.jwt_secret", "hunter2-signing-key")

	require.NoError(t, configShowRun())

	out := buf.String()
	assert.NotContains(t, out, "hunter2-signing-key")
	assert.Contains(t, out, "auth.jwt_secret")
	assert.Contains(t, out, "********")
}

func TestConfigShow_ReportsFileSource(t *testing.T) {
	dir := testEnv(t)
	buf := captureOutput(t)
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("breach:\n  profile: demo\n"), 0o600))
	viper.SetConfigFile(cfgPath)
	require.NoError(t, viper.ReadInConfig())

	require.NoError(t, configShowRun())
	assert.Regexp(t, `breach\.profile\s+demo\s+\(file\)`, buf.String())
	assert.Regexp(t, `log\.level\s+info\s+\(default\)`, buf.String())
}

func TestEnvVarFor(t *testing.T) {
	assert.Equal(t, "BUGTRACK_BREACH_STAGE1", envVarFor("breach.stage1"))
	assert.Equal(t, "BUGTRACK_DB_PATH", envVarFor("db_path"))
	for _, k := range configKeys {
		assert.Equal(t, envVarFor(k.Key), k.EnvVar)
	}
}

// useConfig loads body as the active config file.
func useConfig(t *testing.T, dir, body string) {
	t.Helper()
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o600))
	viper.SetConfigFile(cfgPath)
	require.NoError(t, viper.ReadInConfig())
}

func TestBreachPolicy(t *testing.T) {
	dir := testEnv(t)

	p, err := breachPolicy()
	require.NoError(t, err)
	assert.Equal(t, breach.DefaultPolicy(), p)

	viper.Set("breach.profile", "demo")
	p, err = breachPolicy()
	require.NoError(t, err)
	assert.Equal(t, breach.DemoPolicy(), p, "defaults never override the profile")

	useConfig(t, dir, "breach:\n  profile: demo\n  stage1: 45s\n")
	p, err = breachPolicy()
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, p.Stage1)
	assert.Equal(t, breach.DemoPolicy().Limit, p.Limit)

	useConfig(t, dir, "breach:\n  profile: demo\n  stage1: 5m\n")
	_, err = breachPolicy()
	assert.ErrorContains(t, err, "must increase")

	viper.Set("breach.profile", "nightly")
	_, err = breachPolicy()
	assert.ErrorContains(t, err, "unknown breach profile")
}

func TestBreachPolicy_OverrideEqualToDefault(t *testing.T) {
	dir := testEnv(t)

	// 24h is the production limit; under the demo profile it still applies.
	useConfig(t, dir, "breach:\n  profile: demo\n  limit: 24h\n")
	p, err := breachPolicy()
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, p.Limit)
	assert.Equal(t, breach.DemoPolicy().Stage3, p.Stage3)

	// The environment counts as explicit too.
	viper.SetEnvPrefix("BUGTRACK")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	t.Setenv("BUGTRACK_BREACH_STAGE3", "16h")
	p, err = breachPolicy()
	require.NoError(t, err)
	assert.Equal(t, 16*time.Hour, p.Stage3)
	assert.Equal(t, 24*time.Hour, p.Limit)
}

func TestLoadDotenv_KeepsEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("BUGTRACK_DOTENV_A=from-file\nBUGTRACK_DOTENV_B=from-file\n"), 0o600))
	t.Setenv("BUGTRACK_DOTENV_A", "from-env")
	t.Cleanup(func() { _ = os.Unsetenv("BUGTRACK_DOTENV_B") })

	loadDotenv(path)

	assert.Equal(t, "from-env", os.Getenv("BUGTRACK_DOTENV_A"))
	assert.Equal(t, "from-file", os.Getenv("BUGTRACK_DOTENV_B"))
}

func TestNewLogger(t *testing.T) {
	testEnv(t)
	var buf bytes.Buffer

	viper.Set("log.format", "json")
	viper.Set("log.level", "warn")
	logger := newLogger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "bug", "01BUG")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
	assert.Contains(t, buf.String(), `"bug":"01BUG"`)
}
