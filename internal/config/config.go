// Package config loads replica settings from replica.toml, REPLICA_*
// environment variables and command-line flags, in increasing precedence.
//
//	[server]
//	port = 7800
//	db = "replica-server.db"
//
//	[client]
//	url = "http://localhost:7800"
//	path = "~/cars"
//
// Environment variables use the upper-cased key with dots replaced by
// underscores: REPLICA_SERVER_PORT, REPLICA_CLIENT_URL.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/replicasync/replica/internal/logging"
)

// FileName is the config file looked up in the working directory and the
// user config directory.
const FileName = "replica.toml"

// ErrExists is returned by WriteDefault when the file exists and force is
// not set.
var ErrExists = errors.New("config file already exists")

// Config is the complete replica configuration.
type Config struct {
	Server ServerConfig   `mapstructure:"server" toml:"server"`
	Client ClientConfig   `mapstructure:"client" toml:"client"`
	Log    logging.Config `mapstructure:"log" toml:"log"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-" toml:"-"`
}

// ServerConfig configures `replica serve`.
type ServerConfig struct {
	Port            int    `mapstructure:"port" toml:"port" validate:"gte=0,lte=65535"`
	DB              string `mapstructure:"db" toml:"db" validate:"required"`
	TokenTTL        string `mapstructure:"token_ttl" toml:"token_ttl" validate:"required"`
	BatchSize       int    `mapstructure:"batch_size" toml:"batch_size" validate:"gt=0"`
	AllowCreateUser bool   `mapstructure:"allow_create_user" toml:"allow_create_user"`
}

// TokenTTLDuration returns TokenTTL parsed. Load has already validated it.
func (s ServerConfig) TokenTTLDuration() time.Duration {
	d, _ := time.ParseDuration(s.TokenTTL)
	return d
}

// ClientConfig configures the client commands.
type ClientConfig struct {
	// URL is the server's HTTP address, used for login
	URL string `mapstructure:"url" toml:"url"`

	// Path is the synced path, e.g. ~/cars
	Path string `mapstructure:"path" toml:"path" validate:"required"`

	Username string `mapstructure:"username" toml:"username"`

	// Directory holds local databases and the saved login
	Directory string `mapstructure:"directory" toml:"directory" validate:"required"`

	// Schema is an optional schema YAML file; empty uses the built-in model
	Schema string `mapstructure:"schema" toml:"schema"`

	// Ingest is the directory watched by `replica ingest`
	Ingest string `mapstructure:"ingest" toml:"ingest"`

	WaitForInitialRemoteData bool `mapstructure:"wait_for_initial_remote_data" toml:"wait_for_initial_remote_data"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            7800,
			DB:              "replica-server.db",
			TokenTTL:        "24h",
			BatchSize:       100,
			AllowCreateUser: true,
		},
		Client: ClientConfig{
			URL:                      "http://localhost:7800",
			Path:                     "~/cars",
			Directory:                ".replica",
			Ingest:                   "objects",
			WaitForInitialRemoteData: true,
		},
		Log: logging.DefaultConfig(),
	}
}

// flagKeys maps config keys to the flag names that override them.
var flagKeys = map[string]string{
	"server.port":      "port",
	"server.db":        "server-db",
	"client.url":       "url",
	"client.path":      "path",
	"client.username":  "username",
	"client.directory": "dir",
	"client.schema":    "schema",
	"client.ingest":    "ingest-dir",
	"log.file":         "log-file",
	"log.quiet":        "quiet",
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads the configuration. With an empty path it looks for
// replica.toml in the working directory, then in the user config
// directory; a missing file is not an error. Flags in flags that are set
// override file and environment values.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetConfigType("toml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(strings.TrimSuffix(FileName, ".toml"))
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "replica"))
		}
	}

	v.SetEnvPrefix("REPLICA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for key, name := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so environment variables are picked up
// by Unmarshal even when no file sets them.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.db", d.Server.DB)
	v.SetDefault("server.token_ttl", d.Server.TokenTTL)
	v.SetDefault("server.batch_size", d.Server.BatchSize)
	v.SetDefault("server.allow_create_user", d.Server.AllowCreateUser)

	v.SetDefault("client.url", d.Client.URL)
	v.SetDefault("client.path", d.Client.Path)
	v.SetDefault("client.username", d.Client.Username)
	v.SetDefault("client.directory", d.Client.Directory)
	v.SetDefault("client.schema", d.Client.Schema)
	v.SetDefault("client.ingest", d.Client.Ingest)
	v.SetDefault("client.wait_for_initial_remote_data", d.Client.WaitForInitialRemoteData)

	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("log.compress", d.Log.Compress)
	v.SetDefault("log.quiet", d.Log.Quiet)
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if d, err := time.ParseDuration(c.Server.TokenTTL); err != nil || d <= 0 {
		return fmt.Errorf("invalid config: server.token_ttl %q is not a positive duration", c.Server.TokenTTL)
	}
	return nil
}

// WriteDefault writes the default configuration to path. An existing file
// is only replaced when force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s: %w", path, ErrExists)
		}
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	fmt.Fprintln(f, "# replica configuration. REPLICA_* environment variables and flags override these values.")
	fmt.Fprintln(f)
	if err := toml.NewEncoder(f).Encode(Default()); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
