package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/bugtrack/internal/breach"
	"github.com/joescharf/bugtrack/internal/daemon"
	"github.com/joescharf/bugtrack/internal/notify"
)

func TestPidFile_Path(t *testing.T) {
	dir := testEnv(t)

	pf := pidFile()
	expected := filepath.Join(dir, "bugtrack-serve.pid")
	assert.Equal(t, expected, pf.Path)
}

func TestServeLogPath(t *testing.T) {
	dir := testEnv(t)

	logPath := serveLogPath()
	expected := filepath.Join(dir, "bugtrack-serve.log")
	assert.Equal(t, expected, logPath)
}

func TestServeStatusRun_NotRunning(t *testing.T) {
	testEnv(t)
	buf := captureOutput(t)

	// No PID file exists, so status should show "not running" without error.
	err := serveStatusRun()
	assert.NoError(t, err)
	assert.Contains(t, buf.String(), "not running")
}

func TestServeStopRun_NotRunning(t *testing.T) {
	testEnv(t)

	// No PID file exists, so stop should return an error.
	err := serveStopRun()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")
}

func TestServeStartRun_AlreadyRunning(t *testing.T) {
	dir := testEnv(t)

	// Write a PID file for the current process (which is alive).
	pf := daemon.NewPIDFile(filepath.Join(dir, "bugtrack-serve.pid"))
	require.NoError(t, pf.Write())
	t.Cleanup(func() { _ = os.Remove(pf.Path) })

	err := serveStartRun()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestNewServerDeps_RequiresSecret(t *testing.T) {
	testEnv(t)

	_, err := newServerDeps(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BUGTRACK_AUTH_JWT_SECRET")
}

func TestNewServerDeps_UsesConfiguredPolicy(t *testing.T) {
	testEnv(t)
	viper.Set("auth.jwt_secret", "test-secret")
	viper.Set("breach.profile", "demo")

	deps, err := newServerDeps(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, breach.DemoPolicy(), deps.policy)
	assert.Equal(t, breach.DemoPolicy(), deps.svc.Policy())
}

func TestNewServerDeps_DemoFlag(t *testing.T) {
	testEnv(t)
	viper.Set("auth.jwt_secret", "test-secret")
	serveDemo = true

	deps, err := newServerDeps(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, breach.DemoPolicy(), deps.policy)
	assert.Equal(t, "demo", viper.GetString("breach.profile"))
}

func TestNewMailer(t *testing.T) {
	testEnv(t)

	_, isLog := newMailer(nil).(notify.LogMailer)
	assert.True(t, isLog)

	viper.Set("mail.smtp_host", "smtp.example.com")
	_, isSMTP := newMailer(nil).(*notify.SMTPMailer)
	assert.True(t, isSMTP)
}

func TestServeRun_StartsAndShutsDown(t *testing.T) {
	testEnv(t)
	viper.Set("auth.jwt_secret", "test-secret")
	viper.Set("server.addr", "127.0.0.1:0")
	viper.Set("server.shutdown_timeout", "2s")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serveRun(ctx) }()

	pf := pidFile()
	require.Eventually(t, func() bool {
		pid, running := pf.IsRunning()
		return running && pid == os.Getpid()
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}

	_, err := os.Stat(pf.Path)
	assert.True(t, os.IsNotExist(err), "PID file should be released")
}
