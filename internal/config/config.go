package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"docmigrator/internal/logger"
)

const (
	StoreCosmos   = "cosmos"
	StorePostgres = "postgres"

	// DefaultFile is looked up in the working directory and written by init.
	DefaultFile = "config.yaml"

	envPrefix = "DOCMIGRATOR"
)

// Connection holds the Cosmos account endpoint and master key.
// PartitionByID makes new collections partitioned on /id.
type Connection struct {
	Host          string `mapstructure:"host" yaml:"host"`
	MasterKey     string `mapstructure:"master_key" yaml:"master_key"`
	PartitionByID bool   `mapstructure:"partition_by_id" yaml:"partition_by_id,omitempty"`
}

// Config holds the application configuration.
type Config struct {
	Store          string            `mapstructure:"store" yaml:"store"`
	Connection     Connection        `mapstructure:"connection" yaml:"connection"`
	DSN            string            `mapstructure:"dsn" yaml:"dsn,omitempty"`
	Path           string            `mapstructure:"path" yaml:"path"`
	Extension      string            `mapstructure:"extension" yaml:"extension"`
	LoadExtensions []string          `mapstructure:"load_extensions" yaml:"load_extensions"`
	Stub           string            `mapstructure:"stub" yaml:"stub,omitempty"`
	Variables      map[string]string `mapstructure:"variables" yaml:"variables,omitempty"`
	Database       string            `mapstructure:"database" yaml:"database"`
	Collection     string            `mapstructure:"collection" yaml:"collection"`
	MaxRounds      int               `mapstructure:"max_rounds" yaml:"max_rounds"`
	LogLevel       string            `mapstructure:"log_level" yaml:"log_level"`
	Pushgateway    string            `mapstructure:"pushgateway" yaml:"pushgateway,omitempty"`
}

// ConfigError reports an invalid or missing setting.
type ConfigError struct {
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Key, e.Reason)
}

func Default() Config {
	return Config{
		Store:          StoreCosmos,
		Path:           "./migrations",
		Extension:      "yaml",
		LoadExtensions: []string{".yaml", ".yml", ".json"},
		Database:       "migrations",
		Collection:     "migrations",
		LogLevel:       "info",
	}
}

// flagKeys maps flag names whose config key differs.
var flagKeys = map[string]string{
	"host":       "connection.host",
	"master-key": "connection.master_key",
}

// Load reads defaults, then the config file, then DOCMIGRATOR_* variables,
// then flags that were set explicitly. ${VAR} references inside the file
// are expanded from the environment.
func Load(flags *pflag.FlagSet, configFile string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	def := Default()
	_ = v.MergeConfigMap(map[string]any{
		"store": def.Store,
		"connection": map[string]any{
			"host":            "",
			"master_key":      "",
			"partition_by_id": false,
		},
		"dsn":             def.DSN,
		"path":            def.Path,
		"extension":       def.Extension,
		"load_extensions": def.LoadExtensions,
		"stub":            "",
		"database":        def.Database,
		"collection":      def.Collection,
		"max_rounds":      def.MaxRounds,
		"log_level":       def.LogLevel,
		"pushgateway":     "",
	})

	if configFile != "" {
		if err := readAndExpandFile(v, configFile); err != nil {
			return Config{}, err
		}
	} else if _, err := os.Stat(DefaultFile); err == nil {
		if err := readAndExpandFile(v, DefaultFile); err != nil {
			return Config{}, err
		}
	}

	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			key, ok := flagKeys[f.Name]
			if !ok {
				key = strings.ReplaceAll(f.Name, "-", "_")
			}
			bindErr = multierr.Append(bindErr, v.BindPFlag(key, f))
		})
		if bindErr != nil {
			return Config{}, bindErr
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, err
	}
	if err := c.normalize(def); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) normalize(def Config) error {
	c.Store = strings.ToLower(strings.TrimSpace(c.Store))
	switch c.Store {
	case StoreCosmos:
		if c.Connection.Host == "" || c.Connection.MasterKey == "" {
			return &ConfigError{Key: "connection", Reason: "should contain host and master_key values"}
		}
	case StorePostgres:
		if c.DSN == "" {
			return &ConfigError{Key: "dsn", Reason: "is required for the postgres store (env DOCMIGRATOR_DSN or config dsn)"}
		}
	default:
		return &ConfigError{Key: "store", Reason: fmt.Sprintf("unknown store %q, want cosmos or postgres", c.Store)}
	}
	if c.MaxRounds < 0 {
		return &ConfigError{Key: "max_rounds", Reason: "must not be negative"}
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return &ConfigError{Key: "log_level", Reason: err.Error()}
	}

	if c.Path == "" {
		c.Path = def.Path
	}
	if !filepath.IsAbs(c.Path) {
		if p, err := filepath.Abs(c.Path); err == nil {
			c.Path = p
		}
	}
	c.Extension = strings.TrimPrefix(strings.TrimSpace(c.Extension), ".")
	if c.Extension == "" {
		c.Extension = def.Extension
	}
	if len(c.LoadExtensions) == 0 {
		c.LoadExtensions = def.LoadExtensions
	}
	if c.Database == "" {
		c.Database = def.Database
	}
	if c.Collection == "" {
		c.Collection = def.Collection
	}
	return nil
}

func readAndExpandFile(v *viper.Viper, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	expanded := os.ExpandEnv(string(b))
	return v.MergeConfig(strings.NewReader(expanded))
}

// ErrExists is returned by Write when the target file is already present.
var ErrExists = errors.New("configuration file already exists")

// Write stores c as YAML at path without replacing an existing file.
func Write(path string, c Config) error {
	b, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, os.ErrExist) {
		return fmt.Errorf("%s: %w", path, ErrExists)
	}
	if err != nil {
		return err
	}
	_, err = f.Write(b)
	return multierr.Append(err, f.Close())
}

// Sample is the configuration written by init.
func Sample() Config {
	c := Default()
	c.Connection = Connection{Host: "${COSMOS_HOST}", MasterKey: "${COSMOS_MASTER_KEY}"}
	return c
}
