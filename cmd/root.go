package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/bugtrack/internal/breach"
	"github.com/joescharf/bugtrack/internal/client"
	"github.com/joescharf/bugtrack/internal/output"
	"github.com/joescharf/bugtrack/internal/store"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui        *output.UI
	dataStore store.Store

	verbose   bool
	serverURL string
	envFile   string
)

var rootCmd = &cobra.Command{
	Use:   "bugtrack",
	Short: "Bug and task lifecycle tracker with breach timers",
	Long: `bugtrack tracks bugs and verification tasks through their lifecycle.

Testers report bugs, admins assign them to developers, developers resolve
them and testers close, reopen or reassign them. Every open bug runs a
breach timer that escalates through warning stages until it is breached.

Run 'bugtrack serve' to start the server, then 'bugtrack login' to use it.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", client.UserMessage(err))
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/bugtrack/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "Server URL (overrides client.server_url)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Dotenv file to preload")
}

func initConfig() {
	loadDotenv(envFile)

	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		configDir, err := configDirFunc()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("BUGTRACK")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	defaultDir, _ := configDirFunc()
	setDefaults(defaultDir)

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

// loadDotenv exports the variables of a .env file that are not already set
// in the environment.
func loadDotenv(path string) {
	if path == "" {
		return
	}
	values, err := godotenv.Read(path)
	if err != nil {
		return
	}
	for k, v := range values {
		if _, exists := os.LookupEnv(k); !exists {
			_ = os.Setenv(k, v)
		}
	}
}

// setDefaults registers the default of every config key under dir.
func setDefaults(dir string) {
	viper.SetDefault("state_dir", dir)
	viper.SetDefault("db_path", filepath.Join(dir, "bugtrack.db"))

	viper.SetDefault("server.addr", ":8080")
	viper.SetDefault("server.max_upload", 10<<20)
	viper.SetDefault("server.shutdown_timeout", 10*time.Second)
	viper.SetDefault("cors.allowed_origins", []string{"*"})

	viper.SetDefault("auth.jwt_secret", "")
	viper.SetDefault("auth.token_ttl", 24*time.Hour)

	def := breach.DefaultPolicy()
	viper.SetDefault("breach.profile", "default")
	viper.SetDefault("breach.stage1", def.Stage1)
	viper.SetDefault("breach.stage2", def.Stage2)
	viper.SetDefault("breach.stage3", def.Stage3)
	viper.SetDefault("breach.limit", def.Limit)
	viper.SetDefault("breach.poll_interval", 10*time.Second)

	viper.SetDefault("storage.type", "local")
	viper.SetDefault("storage.dir", filepath.Join(dir, "blobs"))
	viper.SetDefault("storage.s3_bucket", "")
	viper.SetDefault("storage.s3_prefix", "bugtrack")
	viper.SetDefault("storage.s3_region", "")

	viper.SetDefault("mail.smtp_host", "")
	viper.SetDefault("mail.smtp_port", 587)
	viper.SetDefault("mail.username", "")
	viper.SetDefault("mail.password", "")
	viper.SetDefault("mail.from", "bugtrack@localhost")

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")

	viper.SetDefault("client.server_url", "http://localhost:8080")
	viper.SetDefault("client.session_file", filepath.Join(dir, "session.yaml"))
	viper.SetDefault("client.poll_interval", 30*time.Second)
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose

	slog.SetDefault(newLogger(os.Stderr))

	// Store and client are created lazily so config and version work
	// without a database or a session.
}

// newLogger builds the structured logger selected by log.level and log.format.
func newLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log.level"))); err != nil {
		level = slog.LevelInfo
	}
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(viper.GetString("log.format"), "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// getStore returns the shared store, initializing it on first call.
func getStore() (store.Store, error) {
	if dataStore != nil {
		return dataStore, nil
	}

	dbPath := viper.GetString("db_path")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	ctx := rootCmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	dataStore = s
	return dataStore, nil
}

// breachPolicy returns the configured thresholds. breach.stageN and
// breach.limit override the selected profile whenever the config file or
// environment sets them, even to the production default.
func breachPolicy() (breach.Policy, error) {
	p, err := breach.PolicyFor(viper.GetString("breach.profile"))
	if err != nil {
		return breach.Policy{}, err
	}
	override := func(key string, d *time.Duration) {
		if !viperExplicit(key) {
			return
		}
		if v := viper.GetDuration(key); v > 0 {
			*d = v
		}
	}
	override("breach.stage1", &p.Stage1)
	override("breach.stage2", &p.Stage2)
	override("breach.stage3", &p.Stage3)
	override("breach.limit", &p.Limit)

	if err := p.Validate(); err != nil {
		return breach.Policy{}, err
	}
	return p, nil
}

// envSet reports whether the environment variable backing key is set.
func envSet(key string) bool {
	_, ok := os.LookupEnv(envVarFor(key))
	return ok
}

// envVarFor returns the environment variable viper reads for key.
func envVarFor(key string) string {
	return "BUGTRACK_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func sessionPath() string {
	return viper.GetString("client.session_file")
}

// getClient returns an API client for the stored session. The server URL
// comes from --server, then the session, then client.server_url.
func getClient() *client.Client {
	sess, err := client.LoadSession(sessionPath())
	if err != nil {
		sess = nil
	}
	return client.New(resolveServerURL(sess), sess)
}

func resolveServerURL(sess *client.Session) string {
	switch {
	case serverURL != "":
		return serverURL
	case sess != nil && sess.ServerURL != "" && !viperExplicit("client.server_url"):
		return sess.ServerURL
	default:
		return viper.GetString("client.server_url")
	}
}

// viperExplicit reports whether key was set by the config file or environment.
func viperExplicit(key string) bool {
	return viper.InConfig(key) || envSet(key)
}
