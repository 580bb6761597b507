package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/bugtrack/internal/api"
	"github.com/joescharf/bugtrack/internal/auth"
	"github.com/joescharf/bugtrack/internal/breach"
	"github.com/joescharf/bugtrack/internal/daemon"
	"github.com/joescharf/bugtrack/internal/events"
	"github.com/joescharf/bugtrack/internal/notify"
	"github.com/joescharf/bugtrack/internal/storage"
	"github.com/joescharf/bugtrack/internal/tracker"
)

var serveDemo bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bugtrack API server",
	Long: `Run the REST API server in the foreground together with the breach
watcher that escalates open bugs.

Use 'bugtrack serve start' to run it detached, and 'serve stop' or
'serve status' to manage the detached server.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveRun(cmd.Context())
	},
}

var serveStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the server in the background",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStartRun()
	},
}

var serveStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the background server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStopRun()
	},
}

var serveStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the background server is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStatusRun()
	},
}

func init() {
	serveCmd.PersistentFlags().String("addr", "", "Listen address (overrides server.addr)")
	serveCmd.PersistentFlags().BoolVar(&serveDemo, "demo", false, "Use the second-scale demo breach thresholds")
	_ = viper.BindPFlag("server.addr", serveCmd.PersistentFlags().Lookup("addr"))

	serveCmd.AddCommand(serveStartCmd)
	serveCmd.AddCommand(serveStopCmd)
	serveCmd.AddCommand(serveStatusCmd)
	rootCmd.AddCommand(serveCmd)
}

// pidFile returns the PID file of the detached server.
func pidFile() *daemon.PIDFile {
	return daemon.NewPIDFile(filepath.Join(viper.GetString("state_dir"), "bugtrack-serve.pid"))
}

// serveLogPath returns the log file of the detached server.
func serveLogPath() string {
	return filepath.Join(viper.GetString("state_dir"), "bugtrack-serve.log")
}

// serverDeps is everything a running server owns.
type serverDeps struct {
	svc      *tracker.Service
	api      *api.Server
	watcher  *breach.Watcher
	notifier *notify.Notifier
	policy   breach.Policy
}

// newServerDeps wires store, blob storage, mailer, tracker and API from config.
func newServerDeps(ctx context.Context, logger *slog.Logger) (*serverDeps, error) {
	if serveDemo {
		viper.Set("breach.profile", "demo")
	}
	policy, err := breachPolicy()
	if err != nil {
		return nil, err
	}

	issuer, err := auth.NewIssuer(viper.GetString("auth.jwt_secret"), viper.GetDuration("auth.token_ttl"))
	if err != nil {
		return nil, fmt.Errorf("%w (set auth.jwt_secret or BUGTRACK_AUTH_JWT_SECRET)", err)
	}

	s, err := getStore()
	if err != nil {
		return nil, err
	}

	blobs, err := storage.New(ctx, storage.Config{
		Type:   viper.GetString("storage.type"),
		Dir:    viper.GetString("storage.dir"),
		Bucket: viper.GetString("storage.s3_bucket"),
		Prefix: viper.GetString("storage.s3_prefix"),
		Region: viper.GetString("storage.s3_region"),
	})
	if err != nil {
		return nil, fmt.Errorf("open image storage: %w", err)
	}

	bus := events.New()
	notifier := notify.New(newMailer(logger), logger)
	svc := tracker.New(tracker.Options{
		Store:    s,
		Blobs:    blobs,
		Bus:      bus,
		Notifier: notifier,
		Policy:   policy,
		Logger:   logger,
	})

	return &serverDeps{
		svc: svc,
		api: api.NewServer(svc, issuer, bus, api.Options{
			AllowedOrigins: viper.GetStringSlice("cors.allowed_origins"),
			MaxUpload:      viper.GetInt64("server.max_upload"),
			Logger:         logger,
		}),
		watcher:  breach.NewWatcher(s, bus, policy, viper.GetDuration("breach.poll_interval"), logger),
		notifier: notifier,
		policy:   policy,
	}, nil
}

// newMailer sends through SMTP when mail.smtp_host is set and logs otherwise.
func newMailer(logger *slog.Logger) notify.Mailer {
	host := viper.GetString("mail.smtp_host")
	if host == "" {
		return notify.LogMailer{Logger: logger}
	}
	return notify.NewSMTPMailer(notify.SMTPConfig{
		Host:     host,
		Port:     viper.GetInt("mail.smtp_port"),
		Username: viper.GetString("mail.username"),
		Password: viper.GetString("mail.password"),
		From:     viper.GetString("mail.from"),
	})
}

func serveRun(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, shutdownSignals()...)
	defer stop()

	logger := slog.Default()
	deps, err := newServerDeps(ctx, logger)
	if err != nil {
		return err
	}

	pf := pidFile()
	if err := pf.Acquire(); err != nil {
		return err
	}
	defer func() { _ = pf.Release() }()

	addr := viper.GetString("server.addr")
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           deps.api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var wg conc.WaitGroup
	serveErr := make(chan error, 1)
	wg.Go(func() {
		if err := deps.watcher.Run(ctx); err != nil {
			logger.Error("breach watcher stopped", "error", err)
		}
	})
	wg.Go(func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	})

	logger.Info("bugtrack server listening",
		"addr", addr,
		"breach_stage1", deps.policy.Stage1,
		"breach_limit", deps.policy.Limit,
	)

	<-ctx.Done()
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), viper.GetDuration("server.shutdown_timeout"))
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	wg.Wait()
	deps.notifier.Wait()

	select {
	case err := <-serveErr:
		return fmt.Errorf("serve %s: %w", addr, err)
	default:
		return nil
	}
}

func serveStartRun() error {
	pf := pidFile()
	if pid, running := pf.IsRunning(); running {
		return fmt.Errorf("server already running (PID %d)", pid)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}

	logPath := serveLogPath()
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer func() { _ = logFile.Close() }()

	args := []string{"serve", "--addr", viper.GetString("server.addr")}
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		args = append(args, "--config", cfgFile)
	}
	if serveDemo {
		args = append(args, "--demo")
	}

	child := exec.Command(exe, args...)
	child.Stdout = logFile
	child.Stderr = logFile
	setDaemonAttrs(child)
	if err := child.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	pid := child.Process.Pid
	if err := pf.WritePID(pid); err != nil {
		return fmt.Errorf("write PID file: %w", err)
	}
	_ = child.Process.Release()

	ui.Success("Server started (PID %d) on %s", pid, viper.GetString("server.addr"))
	ui.Info("Logs: %s", logPath)
	return nil
}

func serveStopRun() error {
	pid, err := pidFile().Stop(viper.GetDuration("server.shutdown_timeout") + 5*time.Second)
	if err != nil {
		return err
	}
	ui.Success("Server stopped (PID %d)", pid)
	return nil
}

func serveStatusRun() error {
	pid, running := pidFile().IsRunning()
	if !running {
		ui.Info("Server is not running")
		return nil
	}
	ui.Success("Server running (PID %d) on %s", pid, viper.GetString("server.addr"))
	ui.Info("Logs: %s", serveLogPath())
	return nil
}
