package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Keys shared by flags, environment variables (HEIMLOG_ prefix, dashes as
// underscores) and the optional heimlog.toml file
const (
	KeyConfig      = "config"
	KeyServer      = "server"
	KeyRoom        = "room"
	KeyNick        = "nick"
	KeyLog         = "log"
	KeyDB          = "db"
	KeyTimeout     = "timeout"
	KeyPageSize    = "page-size"
	KeyMinPageSize = "min-page-size"
	KeyMaxRetries  = "max-retries"
	KeyRetryDelay  = "retry-delay"
	KeyFullHistory = "full-history"
	KeySync        = "sync"
	KeyDebug       = "debug"
	KeyAppLog      = "app-log"
)

const (
	envPrefix  = "HEIMLOG"
	configName = "heimlog"
	configType = "toml"

	DefaultServer      = "euphoria.leet.nu"
	DefaultNick        = "heimlog"
	DefaultTimeout     = 30 * time.Second
	DefaultPageSize    = 1000
	DefaultMinPageSize = 50
	DefaultMaxRetries  = 3
	DefaultRetryDelay  = 2 * time.Second
	DefaultAppLog      = "logs/heimlog.log"

	maxPageSize = 1000
	minTimeout  = time.Second
	maxTimeout  = 300 * time.Second
)

// Config holds application configuration
type Config struct {
	Server string
	Room   string
	Nick   string // empty leaves the session anonymous

	LogPath string // NDJSON message log
	DBPath  string // optional sqlite mirror

	CallTimeout time.Duration
	PageSize    int
	MinPageSize int
	MaxRetries  int
	RetryDelay  time.Duration
	FullHistory bool // page back to the start of the room when there is no checkpoint

	SyncWrites bool
	Debug      bool
	AppLogPath string
}

// SetDefaults registers default values on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyServer, DefaultServer)
	v.SetDefault(KeyNick, DefaultNick)
	v.SetDefault(KeyTimeout, DefaultTimeout)
	v.SetDefault(KeyPageSize, DefaultPageSize)
	v.SetDefault(KeyMinPageSize, DefaultMinPageSize)
	v.SetDefault(KeyMaxRetries, DefaultMaxRetries)
	v.SetDefault(KeyRetryDelay, DefaultRetryDelay)
	v.SetDefault(KeySync, true)
	v.SetDefault(KeyAppLog, DefaultAppLog)
}

// Load reads configuration from v, the environment and an optional config
// file. Flags should already be bound to v.
func Load(v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	SetDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path := v.GetString(KeyConfig); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName(configName)
		v.SetConfigType(configType)
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	cfg := &Config{
		Server:      strings.TrimSpace(v.GetString(KeyServer)),
		Room:        strings.TrimSpace(v.GetString(KeyRoom)),
		Nick:        strings.TrimSpace(v.GetString(KeyNick)),
		LogPath:     strings.TrimSpace(v.GetString(KeyLog)),
		DBPath:      strings.TrimSpace(v.GetString(KeyDB)),
		CallTimeout: v.GetDuration(KeyTimeout),
		PageSize:    v.GetInt(KeyPageSize),
		MinPageSize: v.GetInt(KeyMinPageSize),
		MaxRetries:  v.GetInt(KeyMaxRetries),
		RetryDelay:  v.GetDuration(KeyRetryDelay),
		FullHistory: v.GetBool(KeyFullHistory),
		SyncWrites:  v.GetBool(KeySync),
		Debug:       v.GetBool(KeyDebug),
		AppLogPath:  strings.TrimSpace(v.GetString(KeyAppLog)),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration can start a session
func (c *Config) Validate() error {
	if c.Server == "" {
		return errors.New("server is required")
	}
	if c.Room == "" {
		return errors.New("room is required")
	}
	if strings.Contains(c.Room, "&") {
		return fmt.Errorf("room %q must not contain '&'", c.Room)
	}
	if c.LogPath == "" {
		return errors.New("log path is required")
	}
	if c.PageSize < 1 || c.PageSize > maxPageSize {
		return fmt.Errorf("page size %d out of range [1, %d]", c.PageSize, maxPageSize)
	}
	if c.MinPageSize < 1 {
		return fmt.Errorf("min page size %d must be positive", c.MinPageSize)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries %d must not be negative", c.MaxRetries)
	}
	if c.CallTimeout < minTimeout || c.CallTimeout > maxTimeout {
		return fmt.Errorf("timeout %s out of range [%s, %s]", c.CallTimeout, minTimeout, maxTimeout)
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("retry delay %s must not be negative", c.RetryDelay)
	}
	return nil
}
