// Package config loads parcelsync settings from a config file, the
// environment (PARCELSYNC_*, optionally seeded from a .env file) and CLI
// flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/parcelsync/parcelsync/internal/record"
)

// EnvPrefix prefixes every environment variable, e.g. PARCELSYNC_STORE_PATH.
const EnvPrefix = "PARCELSYNC"

// Config is the full application configuration.
type Config struct {
	Store   StoreConfig   `mapstructure:"store"`
	Exports ExportsConfig `mapstructure:"exports"`
	Kinds   []string      `mapstructure:"kinds"`
	Remote  RemoteConfig  `mapstructure:"remote"`
	Log     LogConfig     `mapstructure:"log"`
	Daemon  DaemonConfig  `mapstructure:"daemon"`
}

type StoreConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

type ExportsConfig struct {
	Dir string `mapstructure:"dir" validate:"required"`
}

// RemoteConfig is only validated for commands that talk to Firestore.
type RemoteConfig struct {
	ProjectID           string        `mapstructure:"project_id" validate:"required"`
	DatabaseID          string        `mapstructure:"database_id"`
	CredentialsFile     string        `mapstructure:"credentials_file" validate:"omitempty,file"`
	CredentialsJSON     string        `mapstructure:"credentials_json"`
	MaxRecordsPerCommit int           `mapstructure:"max_records_per_commit" validate:"min=1"`
	MaxWritesPerCommit  int           `mapstructure:"max_writes_per_commit" validate:"min=1,max=500"`
	Concurrency         int           `mapstructure:"concurrency" validate:"min=1,max=16"`
	CommitTimeout       time.Duration `mapstructure:"commit_timeout" validate:"min=0"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" validate:"oneof=trace debug info warn warning error"`
	Format     string `mapstructure:"format" validate:"oneof=text json"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"min=1"`
	MaxBackups int    `mapstructure:"max_backups" validate:"min=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" validate:"min=0"`
	Compress   bool   `mapstructure:"compress"`
}

type DaemonConfig struct {
	Debounce    time.Duration `mapstructure:"debounce" validate:"gt=0"`
	Interval    time.Duration `mapstructure:"interval" validate:"min=0"`
	MetricsAddr string        `mapstructure:"metrics_addr" validate:"omitempty,hostname_port"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("store.path", "parcelsync.db")
	v.SetDefault("exports.dir", "exports")
	v.SetDefault("kinds", []string{record.Invoices.Name, record.ReturnNotes.Name})

	v.SetDefault("remote.project_id", "")
	v.SetDefault("remote.database_id", "(default)")
	v.SetDefault("remote.credentials_file", "")
	v.SetDefault("remote.credentials_json", "")
	v.SetDefault("remote.max_records_per_commit", 50)
	v.SetDefault("remote.max_writes_per_commit", 500)
	v.SetDefault("remote.concurrency", 1)
	v.SetDefault("remote.commit_timeout", 30*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.compress", false)

	v.SetDefault("daemon.debounce", 2*time.Second)
	v.SetDefault("daemon.interval", 15*time.Minute)
	v.SetDefault("daemon.metrics_addr", "")
}

// New returns a viper instance with defaults and environment binding. If
// a .env file exists in the working directory it is loaded first; variables
// already set in the environment win.
func New() *viper.Viper {
	_ = godotenv.Load()

	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file at path (or parcelsync.{yaml,json,toml} in the
// working directory when path is empty; a missing default file is fine)
// into v and decodes it. The result is not validated.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("parcelsync")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, &ConfigurationError{Field: "config", Reason: "cannot read config file", Err: err}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &ConfigurationError{Field: "config", Reason: "cannot decode configuration", Err: err}
	}
	return &cfg, nil
}

// RecordKinds resolves the configured kind names.
func (c *Config) RecordKinds() ([]record.Kind, error) {
	kinds, err := record.LookupAll(c.Kinds)
	if err != nil {
		return nil, &ConfigurationError{Field: "kinds", Reason: "unknown record kind", Err: err}
	}
	return kinds, nil
}

// Validate checks the settings every command needs.
func (c *Config) Validate() error {
	for _, part := range []any{c.Store, c.Exports, c.Log} {
		if err := validate.Struct(part); err != nil {
			return fromValidation(err)
		}
	}
	if err := validate.Var(c.Kinds, "min=1,dive,record_kind"); err != nil {
		return fromValidation(err, "Kinds")
	}
	return nil
}

// ValidateRemote checks the settings of commands that commit remotely.
func (c *Config) ValidateRemote() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if err := validate.Struct(c.Remote); err != nil {
		return fromValidation(err)
	}
	return nil
}

// ValidateDaemon checks the settings of the watch daemon.
func (c *Config) ValidateDaemon() error {
	if err := c.ValidateRemote(); err != nil {
		return err
	}
	if err := validate.Struct(c.Daemon); err != nil {
		return fromValidation(err)
	}
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("record_kind", func(fl validator.FieldLevel) bool {
		_, err := record.Lookup(fl.Field().String())
		return err == nil
	})
	return v
}

// fromValidation converts the first validation failure into a
// ConfigurationError naming the offending field.
func fromValidation(err error, field ...string) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &ConfigurationError{Field: strings.Join(field, "."), Reason: "invalid configuration", Err: err}
	}
	fe := verrs[0]
	name := fe.Namespace()
	if len(field) > 0 {
		name = field[0]
	}
	return &ConfigurationError{
		Field:  name,
		Reason: fmt.Sprintf("failed %q check", fe.Tag()),
		Err:    err,
	}
}

// EnvName returns the environment variable for a config key, e.g.
// "store.path" -> "PARCELSYNC_STORE_PATH".
func EnvName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// Getenv reports the raw environment value of a config key.
func Getenv(key string) (string, bool) {
	return os.LookupEnv(EnvName(key))
}
