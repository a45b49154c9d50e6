// Package config loads mog settings from defaults, an optional .mog.yaml,
// the selected profile, MOG_* environment variables and command flags, in
// increasing priority.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	FileName            = ".mog"
	EnvPrefix           = "MOG"
	DefaultExecutionEnv = "MLMD_EXECUTION_ID"
	ContextIDEnv        = "MLMD_CONTEXT_ID"
	profileEnv          = EnvPrefix + "_PROFILE"
	defaultLogLevel     = "info"
	defaultS3Region     = "us-east-1"
)

type Config struct {
	Database        string `mapstructure:"database"`
	Storage         string `mapstructure:"storage"`
	ExecutionIDEnv  string `mapstructure:"execution_id_env"`
	ForbidDirty     bool   `mapstructure:"forbid_dirty"`
	IgnoreUntracked bool   `mapstructure:"ignore_untracked"`
	SlackURL        string `mapstructure:"slack_url"`
	TempDir         string `mapstructure:"temp_dir"`
	LogLevel        string `mapstructure:"log_level"`
	S3              S3     `mapstructure:"s3"`
}

type S3 struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Region    string `mapstructure:"region"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

func Default() Config {
	return Config{
		ExecutionIDEnv: DefaultExecutionEnv,
		LogLevel:       defaultLogLevel,
		S3:             S3{Region: defaultS3Region},
	}
}

type LoadOptions struct {
	// ConfigFile is used exclusively when set and must exist.
	ConfigFile string
	// SearchDirs are tried in order for .mog.yaml when ConfigFile is empty.
	SearchDirs []string
	// Profile selects profiles.<name>; "" falls back to MOG_PROFILE.
	Profile string
	// Flags maps config keys to command flags; a changed flag wins.
	Flags map[string]*pflag.Flag
}

// DefaultSearchDirs is the working directory, then the home directory.
func DefaultSearchDirs() []string {
	dirs := []string{"."}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, home)
	}
	return dirs
}

// Load resolves the configuration. The returned path is the file that was
// read, or "".
func Load(opts LoadOptions) (*Config, string, error) {
	v := viper.New()
	d := Default()
	v.SetDefault("database", d.Database)
	v.SetDefault("storage", d.Storage)
	v.SetDefault("execution_id_env", d.ExecutionIDEnv)
	v.SetDefault("forbid_dirty", d.ForbidDirty)
	v.SetDefault("ignore_untracked", d.IgnoreUntracked)
	v.SetDefault("slack_url", d.SlackURL)
	v.SetDefault("temp_dir", d.TempDir)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("s3.endpoint", d.S3.Endpoint)
	v.SetDefault("s3.access_key", d.S3.AccessKey)
	v.SetDefault("s3.secret_key", d.S3.SecretKey)
	v.SetDefault("s3.region", d.S3.Region)
	v.SetDefault("s3.use_ssl", d.S3.UseSSL)

	path, settings, err := readFile(opts)
	if err != nil {
		return nil, "", err
	}
	profile := opts.Profile
	if profile == "" {
		profile = os.Getenv(profileEnv)
	}
	merged, err := applyProfile(settings, profile)
	if err != nil {
		return nil, "", err
	}
	delete(merged, "profiles")
	if err := v.MergeConfigMap(merged); err != nil {
		return nil, "", fmt.Errorf("merge config: %w", err)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("database", EnvPrefix+"_DATABASE", "DATABASE_URL"); err != nil {
		return nil, "", fmt.Errorf("bind env: %w", err)
	}

	for key, flag := range opts.Flags {
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return nil, "", fmt.Errorf("bind flag %s: %w", flag.Name, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, "", fmt.Errorf("parse config: %w", err)
	}
	return &cfg, path, nil
}

func readFile(opts LoadOptions) (string, map[string]any, error) {
	fv := viper.New()
	fv.SetConfigType("yaml")
	if opts.ConfigFile != "" {
		if _, err := os.Stat(opts.ConfigFile); err != nil {
			return "", nil, fmt.Errorf("config file: %w", err)
		}
		fv.SetConfigFile(opts.ConfigFile)
		if err := fv.ReadInConfig(); err != nil {
			return "", nil, fmt.Errorf("read %s: %w", opts.ConfigFile, err)
		}
		return opts.ConfigFile, fv.AllSettings(), nil
	}

	dirs := opts.SearchDirs
	if dirs == nil {
		dirs = DefaultSearchDirs()
	}
	for _, dir := range dirs {
		for _, ext := range []string{".yaml", ".yml"} {
			p := filepath.Join(dir, FileName+ext)
			if _, err := os.Stat(p); err != nil {
				continue
			}
			fv.SetConfigFile(p)
			if err := fv.ReadInConfig(); err != nil {
				return "", nil, fmt.Errorf("read %s: %w", p, err)
			}
			return p, fv.AllSettings(), nil
		}
	}
	return "", map[string]any{}, nil
}

var envNameRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate checks settings that every command relies on.
func (c *Config) Validate() error {
	if !envNameRE.MatchString(c.ExecutionIDEnv) {
		return fmt.Errorf("execution_id_env must be a variable name, got %q", c.ExecutionIDEnv)
	}
	if c.ExecutionIDEnv == ContextIDEnv {
		return fmt.Errorf("execution_id_env must differ from %s", ContextIDEnv)
	}
	if strings.HasPrefix(c.Storage, "s3://") {
		if strings.TrimSpace(c.S3.Endpoint) == "" {
			return errors.New("s3.endpoint is required when storage is an s3:// location")
		}
		if strings.Contains(c.S3.Endpoint, "://") {
			return fmt.Errorf("s3.endpoint must not include scheme: %q", c.S3.Endpoint)
		}
	}
	if c.SlackURL != "" && !strings.HasPrefix(c.SlackURL, "https://") && !strings.HasPrefix(c.SlackURL, "http://") {
		return errors.New("slack_url must be an http(s) url")
	}
	return nil
}

// RequireDatabase returns the metadata store uri or an error naming where it
// can be set.
func (c *Config) RequireDatabase() (string, error) {
	if strings.TrimSpace(c.Database) == "" {
		return "", errors.New("missing --db (or set MOG_DATABASE, DATABASE_URL or database in .mog.yaml)")
	}
	return strings.TrimSpace(c.Database), nil
}
