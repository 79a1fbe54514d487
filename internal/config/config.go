// Package config assembles a Ledger process's configuration from CLI flags
// and an optional on-disk YAML file, the way cmd/warren/main.go assembles
// its flags plus cobra.OnInitialize for logger setup.
package config

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/ledger/internal/log"
)

// Config holds every setting a Ledger engine process needs to start: where
// its local state lives, which user/device it runs as, and the test-only
// escape hatches the CLI surface exposes.
type Config struct {
	DataDir  string `yaml:"data_dir"`
	UserID   string `yaml:"user_id"`
	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`

	CloudEndpoint string `yaml:"cloud_endpoint"`
	ClientAPIAddr string `yaml:"client_api_addr"`

	// Test-only overrides, named after the flags of the same purpose on
	// the original Ledger engine binary.
	NoMinfsWait                     bool `yaml:"-"`
	NoPersistedConfig                bool `yaml:"-"`
	NoNetworkForTesting              bool `yaml:"-"`
	NoStatisticsReportingForTesting  bool `yaml:"-"`
	TriggerCloudErasedForTesting     bool `yaml:"-"`
}

// Default returns the baseline configuration used when neither a config
// file nor flags override a setting.
func Default() Config {
	return Config{
		DataDir:       "./ledger-data",
		LogLevel:      "info",
		ClientAPIAddr: "127.0.0.1:9091",
	}
}

// RegisterFlags attaches Ledger's persistent flags to cmd, following
// cmd/warren/main.go's pattern of defining global flags on the root
// command and reading them back in a cobra.OnInitialize hook.
func RegisterFlags(flags *pflag.FlagSet) {
	cfg := Default()
	flags.String("data-dir", cfg.DataDir, "Local state directory")
	flags.String("user-id", "", "User id this process synchronizes on behalf of")
	flags.String("log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	flags.Bool("log-json", cfg.LogJSON, "Output logs in JSON format")
	flags.String("cloud-endpoint", "", "Remote document/blob service endpoint (empty disables sync)")
	flags.String("client-api-addr", cfg.ClientAPIAddr, "Address the client API listens on")
	flags.String("config-file", "", "Optional YAML config file; flags override its values")

	flags.Bool("no_minfs_wait", false, "Do not wait for the local filesystem to be ready")
	flags.Bool("no_persisted_config", false, "Do not load or persist an on-disk config file")
	flags.Bool("no_network_for_testing", false, "Disable all network/cloud I/O")
	flags.Bool("no_statistics_reporting_for_testing", false, "Disable usage statistics reporting")
	flags.Bool("trigger_cloud_erased_for_testing", false, "Accepted for CLI compatibility; only logs a warning at startup")
}

// FromFlags builds a Config from cmd's flags, loading and merging an
// on-disk YAML file first if --config-file was given and
// --no_persisted_config was not.
func FromFlags(cmd *cobra.Command) (Config, error) {
	flags := cmd.Flags()
	cfg := Default()

	noPersisted, _ := flags.GetBool("no_persisted_config")
	configFile, _ := flags.GetString("config-file")
	if configFile != "" && !noPersisted {
		loaded, err := Load(configFile)
		if err != nil {
			return Config{}, err
		}
		cfg = loaded
	}

	applyStringFlag(flags, "data-dir", &cfg.DataDir)
	applyStringFlag(flags, "user-id", &cfg.UserID)
	applyStringFlag(flags, "log-level", &cfg.LogLevel)
	applyStringFlag(flags, "cloud-endpoint", &cfg.CloudEndpoint)
	applyStringFlag(flags, "client-api-addr", &cfg.ClientAPIAddr)

	if flags.Changed("log-json") {
		cfg.LogJSON, _ = flags.GetBool("log-json")
	}

	cfg.NoMinfsWait, _ = flags.GetBool("no_minfs_wait")
	cfg.NoPersistedConfig = noPersisted
	cfg.NoNetworkForTesting, _ = flags.GetBool("no_network_for_testing")
	cfg.NoStatisticsReportingForTesting, _ = flags.GetBool("no_statistics_reporting_for_testing")
	cfg.TriggerCloudErasedForTesting, _ = flags.GetBool("trigger_cloud_erased_for_testing")

	return cfg, nil
}

// applyStringFlag overwrites *dst only when the flag was explicitly set on
// the command line, so a YAML-loaded value survives when the flag was left
// at its default.
func applyStringFlag(flags *pflag.FlagSet, name string, dst *string) {
	if flags.Changed(name) {
		v, _ := flags.GetString(name)
		*dst = v
	}
}

// Load reads a Config from a YAML file on disk.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path as YAML, for --no_persisted_config's opposite
// case: a process that wants to remember its settings across restarts.
func Save(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config file %s: %w", path, err)
	}
	return nil
}

// InitLogging configures the global logger from cfg, mirroring
// cmd/warren/main.go's initLogging hook.
func InitLogging(cfg Config) {
	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})
}
