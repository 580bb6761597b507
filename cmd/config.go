package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "bugtrack"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage bugtrack configuration.

Running bare 'bugtrack config' is the same as 'bugtrack config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# bugtrack configuration
# See: bugtrack config show (for effective values and sources)
# Every key can also be set as BUGTRACK_<KEY> with dots replaced by underscores.

# State/data directory (default: ~/.config/bugtrack)
# state_dir: {{ .StateDir }}

# SQLite database path (default: ~/.config/bugtrack/bugtrack.db)
# db_path: {{ .DBPath }}

server:
  # Listen address for 'bugtrack serve'
  addr: "{{ .ServerAddr }}"
  # Maximum multipart upload size in bytes
  max_upload: {{ .MaxUpload }}

auth:
  # HMAC secret for signing session tokens (required by 'bugtrack serve')
  jwt_secret: "{{ .JWTSecret }}"
  token_ttl: {{ .TokenTTL }}

breach:
  # Threshold preset: default (4h/8h/16h/24h) or demo (30s/60s/120s/210s)
  profile: "{{ .BreachProfile }}"
  # How often the server re-evaluates open bugs
  poll_interval: {{ .BreachPoll }}

storage:
  # Image storage backend: local or s3
  type: "{{ .StorageType }}"
  dir: "{{ .StorageDir }}"
  # s3_bucket: ""
  # s3_prefix: "bugtrack"
  # s3_region: ""

mail:
  # Leave smtp_host empty to log notifications instead of sending them
  smtp_host: "{{ .SMTPHost }}"
  smtp_port: {{ .SMTPPort }}
  from: "{{ .MailFrom }}"

log:
  level: "{{ .LogLevel }}"
  # text or json
  format: "{{ .LogFormat }}"

client:
  # Server used by login, bug, task and watch commands
  server_url: "{{ .ServerURL }}"
`

type configTemplateData struct {
	StateDir      string
	DBPath        string
	ServerAddr    string
	MaxUpload     int64
	JWTSecret     string
	TokenTTL      string
	BreachProfile string
	BreachPoll    string
	StorageType   string
	StorageDir    string
	SMTPHost      string
	SMTPPort      int
	MailFrom      string
	LogLevel      string
	LogFormat     string
	ServerURL     string
}

func configFilePath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if file already exists
	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	// Build template data from current viper values
	data := configTemplateData{
		StateDir:      viper.GetString("state_dir"),
		DBPath:        viper.GetString("db_path"),
		ServerAddr:    viper.GetString("server.addr"),
		MaxUpload:     viper.GetInt64("server.max_upload"),
		JWTSecret:     viper.GetString("auth.jwt_secret"),
		TokenTTL:      viper.GetDuration("auth.token_ttl").String(),
		BreachProfile: viper.GetString("breach.profile"),
		BreachPoll:    viper.GetDuration("breach.poll_interval").String(),
		StorageType:   viper.GetString("storage.type"),
		StorageDir:    viper.GetString("storage.dir"),
		SMTPHost:      viper.GetString("mail.smtp_host"),
		SMTPPort:      viper.GetInt("mail.smtp_port"),
		MailFrom:      viper.GetString("mail.from"),
		LogLevel:      viper.GetString("log.level"),
		LogFormat:     viper.GetString("log.format"),
		ServerURL:     viper.GetString("client.server_url"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("template execute error: %w", err)
	}

	// Create config directory
	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// The file may carry the JWT secret.
	if err := os.WriteFile(cfgPath, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, buf.String())
	return nil
}

// configKeyInfo describes a config key for display purposes.
type configKeyInfo struct {
	Key    string
	EnvVar string
	Secret bool
}

func cfgKey(name string) configKeyInfo {
	return configKeyInfo{Key: name, EnvVar: envVarFor(name)}
}

func secretCfgKey(name string) configKeyInfo {
	k := cfgKey(name)
	k.Secret = true
	return k
}

var configKeys = []configKeyInfo{
	cfgKey("state_dir"),
	cfgKey("db_path"),
	cfgKey("server.addr"),
	cfgKey("server.max_upload"),
	cfgKey("server.shutdown_timeout"),
	cfgKey("cors.allowed_origins"),
	secretCfgKey("auth.jwt_secret"),
	cfgKey("auth.token_ttl"),
	cfgKey("breach.profile"),
	cfgKey("breach.stage1"),
	cfgKey("breach.stage2"),
	cfgKey("breach.stage3"),
	cfgKey("breach.limit"),
	cfgKey("breach.poll_interval"),
	cfgKey("storage.type"),
	cfgKey("storage.dir"),
	cfgKey("storage.s3_bucket"),
	cfgKey("storage.s3_prefix"),
	cfgKey("storage.s3_region"),
	cfgKey("mail.smtp_host"),
	cfgKey("mail.smtp_port"),
	cfgKey("mail.username"),
	secretCfgKey("mail.password"),
	cfgKey("mail.from"),
	cfgKey("log.level"),
	cfgKey("log.format"),
	cfgKey("client.server_url"),
	cfgKey("client.session_file"),
	cfgKey("client.poll_interval"),
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if config file exists
	if _, err := os.Stat(cfgPath); err == nil {
		ui.Info("Config file: %s", cfgPath)
	} else {
		ui.Info("Config file: (none)")
	}
	fmt.Fprintln(ui.Out)

	// Read config file values to determine file source
	fileValues := readConfigFileValues(cfgPath)

	for _, k := range configKeys {
		val := viper.Get(k.Key)
		if k.Secret && viper.GetString(k.Key) != "" {
			val = "********"
		}
		source := detectSource(k.Key, k.EnvVar, fileValues)
		fmt.Fprintf(ui.Out, "  %-24s %v  %s\n", k.Key, val, source)
	}

	return nil
}

// readConfigFileValues reads the raw YAML file and returns a flat map of keys present in it.
func readConfigFileValues(path string) map[string]bool {
	result := make(map[string]bool)

	data, err := os.ReadFile(path)
	if err != nil {
		return result
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return result
	}

	// Flatten nested keys with dot notation
	flattenKeys("", parsed, result)
	return result
}

// flattenKeys recursively flattens a nested map to dot-notation keys.
func flattenKeys(prefix string, m map[string]any, result map[string]bool) {
	for key, val := range m {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			flattenKeys(fullKey, nested, result)
		} else {
			result[strings.ToLower(fullKey)] = true
		}
	}
}

// detectSource determines where a config value is coming from.
func detectSource(key, envVar string, fileValues map[string]bool) string {
	if _, ok := os.LookupEnv(envVar); ok {
		return fmt.Sprintf("(env: %s)", envVar)
	}
	if fileValues[key] {
		return "(file)"
	}
	return "(default)"
}

func configEditRun() error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set; set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'bugtrack config init' first)", cfgPath)
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}
