// Package config handles configuration loading and management for colony.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// ProjectConfigName is the per-project override file.
const ProjectConfigName = ".colony.yaml"

// Config holds all configuration for colony.
type Config struct {
	// DataDir holds the state database, logs, signals and templates.
	// Relative paths are resolved against the project root.
	DataDir   string          `mapstructure:"data_dir" validate:"required"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Hierarchy HierarchyConfig `mapstructure:"hierarchy"`
	Memory    MemoryConfig    `mapstructure:"memory"`
	State     StateConfig     `mapstructure:"state"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// AgentConfig describes the agent executable.
type AgentConfig struct {
	Command string `mapstructure:"command" validate:"required"`
	// OneShotArgs may contain a {prompt} placeholder; otherwise the prompt
	// is appended.
	OneShotArgs     []string          `mapstructure:"oneshot_args"`
	InteractiveArgs []string          `mapstructure:"interactive_args"`
	InputFormat     string            `mapstructure:"input_format" validate:"oneof=stream-json text"`
	Shell           bool              `mapstructure:"shell"`
	Env             map[string]string `mapstructure:"env"`
	KillGrace       time.Duration     `mapstructure:"kill_grace" validate:"gt=0"`
	MaxOutputBytes  int               `mapstructure:"max_output_bytes" validate:"gt=0"`
}

// SchedulerConfig holds task graph scheduler settings.
type SchedulerConfig struct {
	WatchdogInterval time.Duration `mapstructure:"watchdog_interval" validate:"gt=0"`
	MaxRetries       int           `mapstructure:"max_retries" validate:"gte=0,lte=10"`
	BackoffBase      time.Duration `mapstructure:"backoff_base" validate:"gt=0"`
	BackoffCap       time.Duration `mapstructure:"backoff_cap" validate:"gtefield=BackoffBase"`
	DepOutputChars   int           `mapstructure:"dep_output_chars" validate:"gt=0"`
	PersistDebounce  time.Duration `mapstructure:"persist_debounce" validate:"gte=0"`
	Template         string        `mapstructure:"template"`
	TemplatesDir     string        `mapstructure:"templates_dir"`
}

// HierarchyConfig holds hierarchy coordinator settings.
type HierarchyConfig struct {
	TaskTimeout        time.Duration `mapstructure:"task_timeout" validate:"gt=0"`
	RegistryLogCap     int           `mapstructure:"registry_log_cap" validate:"gt=0"`
	NodeLogCap         int           `mapstructure:"node_log_cap" validate:"gt=0"`
	MemoryTokenBudget  int           `mapstructure:"memory_token_budget" validate:"gt=0"`
	MaxParallelLeaders int           `mapstructure:"max_parallel_leaders" validate:"gt=0"`
	// RolesFile replaces the built-in role catalog when set.
	RolesFile string `mapstructure:"roles_file"`
}

// MemoryConfig holds role memory limits.
type MemoryConfig struct {
	RingSize      int `mapstructure:"ring_size" validate:"gt=0"`
	MaxFacts      int `mapstructure:"max_facts" validate:"gt=0"`
	CharsPerToken int `mapstructure:"chars_per_token" validate:"gt=0"`
}

// StateConfig selects the persistence backend.
type StateConfig struct {
	// Driver is "sqlite" (pure Go), "sqlite3" (cgo) or "memory".
	Driver string `mapstructure:"driver" validate:"oneof=sqlite sqlite3 memory"`
	Path   string `mapstructure:"path"`
}

// LoggingConfig holds debug log settings.
type LoggingConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	File  string `mapstructure:"file"`
}

var validate = validator.New()

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (COLONY_SCHEDULER_MAX_RETRIES, ...)
// 2. Project config (.colony.yaml in dir or a parent)
// 3. User config (~/.config/colony/config.yaml)
// 4. Built-in defaults
func Load(dir string) (*Config, error) {
	v := newViper()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(dir); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config %s: %w", projectConfig, err)
		}
		if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	return decode(v)
}

// LoadFromPath loads configuration from a specific file on top of the
// defaults. Environment overrides still apply.
func LoadFromPath(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return decode(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("colony")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Agent.Env = ExpandEnv(cfg.Agent.Env)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: rule '%s' (value: '%v')", e.Namespace(), e.Tag(), e.Value()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// Resolve makes DataDir absolute under root and fills the paths derived
// from it.
func (c *Config) Resolve(root string) {
	if !filepath.IsAbs(c.DataDir) {
		c.DataDir = filepath.Join(root, c.DataDir)
	}
	if c.State.Path == "" {
		c.State.Path = filepath.Join(c.DataDir, "state.db")
	} else if !filepath.IsAbs(c.State.Path) {
		c.State.Path = filepath.Join(root, c.State.Path)
	}
	if c.Logging.File == "" {
		c.Logging.File = filepath.Join(c.DataDir, "logs", "colony-debug.log")
	} else if !filepath.IsAbs(c.Logging.File) {
		c.Logging.File = filepath.Join(root, c.Logging.File)
	}
	if c.Scheduler.TemplatesDir == "" {
		c.Scheduler.TemplatesDir = filepath.Join(c.DataDir, "templates")
	} else if !filepath.IsAbs(c.Scheduler.TemplatesDir) {
		c.Scheduler.TemplatesDir = filepath.Join(root, c.Scheduler.TemplatesDir)
	}
	if c.Hierarchy.RolesFile != "" && !filepath.IsAbs(c.Hierarchy.RolesFile) {
		c.Hierarchy.RolesFile = filepath.Join(root, c.Hierarchy.RolesFile)
	}
}

// LogDir is where per-process output logs are written.
func (c *Config) LogDir() string {
	return filepath.Join(c.DataDir, "logs", "processes")
}

// SignalsDir is watched for control signal files.
func (c *Config) SignalsDir() string {
	return filepath.Join(c.DataDir, "signals")
}

// Write saves cfg as YAML to path. Existing files are only replaced when
// overwrite is set.
func Write(cfg *Config, path string, overwrite bool) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	for key, value := range Settings(cfg) {
		v.Set(key, value)
	}
	if overwrite {
		return v.WriteConfigAs(path)
	}
	return v.SafeWriteConfigAs(path)
}

// Save writes the configuration to the user config file.
func Save(cfg *Config) error {
	return Write(cfg, GetUserConfigPath(), true)
}

// Settings flattens cfg into dotted viper keys.
func Settings(cfg *Config) map[string]interface{} {
	return map[string]interface{}{
		"data_dir":                       cfg.DataDir,
		"agent.command":                  cfg.Agent.Command,
		"agent.oneshot_args":             cfg.Agent.OneShotArgs,
		"agent.interactive_args":         cfg.Agent.InteractiveArgs,
		"agent.input_format":             cfg.Agent.InputFormat,
		"agent.shell":                    cfg.Agent.Shell,
		"agent.env":                      cfg.Agent.Env,
		"agent.kill_grace":               cfg.Agent.KillGrace.String(),
		"agent.max_output_bytes":         cfg.Agent.MaxOutputBytes,
		"scheduler.watchdog_interval":    cfg.Scheduler.WatchdogInterval.String(),
		"scheduler.max_retries":          cfg.Scheduler.MaxRetries,
		"scheduler.backoff_base":         cfg.Scheduler.BackoffBase.String(),
		"scheduler.backoff_cap":          cfg.Scheduler.BackoffCap.String(),
		"scheduler.dep_output_chars":     cfg.Scheduler.DepOutputChars,
		"scheduler.persist_debounce":     cfg.Scheduler.PersistDebounce.String(),
		"scheduler.template":             cfg.Scheduler.Template,
		"scheduler.templates_dir":        cfg.Scheduler.TemplatesDir,
		"hierarchy.task_timeout":         cfg.Hierarchy.TaskTimeout.String(),
		"hierarchy.registry_log_cap":     cfg.Hierarchy.RegistryLogCap,
		"hierarchy.node_log_cap":         cfg.Hierarchy.NodeLogCap,
		"hierarchy.memory_token_budget":  cfg.Hierarchy.MemoryTokenBudget,
		"hierarchy.max_parallel_leaders": cfg.Hierarchy.MaxParallelLeaders,
		"hierarchy.roles_file":           cfg.Hierarchy.RolesFile,
		"memory.ring_size":               cfg.Memory.RingSize,
		"memory.max_facts":               cfg.Memory.MaxFacts,
		"memory.chars_per_token":         cfg.Memory.CharsPerToken,
		"state.driver":                   cfg.State.Driver,
		"state.path":                     cfg.State.Path,
		"logging.level":                  cfg.Logging.Level,
		"logging.file":                   cfg.Logging.File,
	}
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the project config file for dir or one of
// its parents, or "" when there is none.
func GetProjectConfigPath(dir string) string {
	return findProjectConfig(dir)
}

// FindProjectRoot returns the directory holding the project config, or
// dir itself.
func FindProjectRoot(dir string) string {
	if path := findProjectConfig(dir); path != "" {
		return filepath.Dir(path)
	}
	if abs, err := filepath.Abs(dir); err == nil {
		return abs
	}
	return dir
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	d := Default()
	for key, value := range Settings(d) {
		v.SetDefault(key, value)
	}
}

// getUserConfigDir returns the XDG config directory for colony.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "colony")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "colony")
	}
	return filepath.Join(home, ".config", "colony")
}

// findProjectConfig searches for .colony.yaml in dir and its parents.
func findProjectConfig(dir string) string {
	if dir == "" {
		var err error
		if dir, err = os.Getwd(); err != nil {
			return ""
		}
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(dir, ProjectConfigName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		DataDir: ".colony",
		Agent: AgentConfig{
			Command:         "claude",
			OneShotArgs:     []string{"--output-format", "stream-json", "--print", "--verbose", "-p", "{prompt}"},
			InteractiveArgs: []string{"--output-format", "stream-json", "--input-format", "stream-json", "--print", "--verbose"},
			InputFormat:     "stream-json",
			Env:             map[string]string{},
			KillGrace:       5 * time.Second,
			MaxOutputBytes:  1 << 20,
		},
		Scheduler: SchedulerConfig{
			WatchdogInterval: 60 * time.Second,
			MaxRetries:       3,
			BackoffBase:      time.Second,
			BackoffCap:       30 * time.Second,
			DepOutputChars:   2000,
			PersistDebounce:  500 * time.Millisecond,
			Template:         "default",
		},
		Hierarchy: HierarchyConfig{
			TaskTimeout:        10 * time.Minute,
			RegistryLogCap:     200,
			NodeLogCap:         50,
			MemoryTokenBudget:  2000,
			MaxParallelLeaders: 8,
		},
		Memory: MemoryConfig{
			RingSize:      10,
			MaxFacts:      50,
			CharsPerToken: 4,
		},
		State: StateConfig{
			Driver: "sqlite",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}
