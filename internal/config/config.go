// Package config loads ancdb settings from defaults, an optional config
// file, ANCDB_* environment variables and command-line flags, in increasing
// order of precedence.
package config

import (
	"math"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ancdb/ancdb/internal/storage"
)

const envPrefix = "ANCDB"

type Config struct {
	DBPath       string        `mapstructure:"dbPath" description:"storage location"`
	Engine       string        `mapstructure:"engine" description:"storage engine: bolt or memory"`
	Stdio        bool          `mapstructure:"stdio" description:"serve the protocol on stdin/stdout"`
	Listen       string        `mapstructure:"listen" description:"serve the protocol on this TCP address"`
	MetricsAddr  string        `mapstructure:"metricsAddr" description:"serve Prometheus metrics on this address"`
	LogLevel     string        `mapstructure:"logLevel" description:"debug, info, warn or error"`
	MaxFrameSize string        `mapstructure:"maxFrameSize" description:"largest accepted request, e.g. 64MiB"`
	LockTimeout  time.Duration `mapstructure:"lockTimeout" description:"how long to wait for the storage lock"`
	NoSync       bool          `mapstructure:"noSync" description:"skip fsync on commit"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine", string(storage.KindBolt))
	v.SetDefault("logLevel", "info")
	v.SetDefault("maxFrameSize", "64MiB")
	v.SetDefault("lockTimeout", time.Second)
	v.SetDefault("noSync", false)
}

// flagKeys maps command-line flag names to config keys.
var flagKeys = map[string]string{
	"db-path":      "dbPath",
	"engine":       "engine",
	"stdio":        "stdio",
	"listen":       "listen",
	"metrics-addr": "metricsAddr",
	"log-level":    "logLevel",
}

// Load resolves the configuration. file may be empty. Only flags that were
// set on the command line override file and environment values.
func Load(file string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only consults keys viper already knows about.
	for _, key := range []string{"dbPath", "stdio", "listen", "metricsAddr"} {
		if err := v.BindEnv(key, envPrefix+"_"+strings.ToUpper(key)); err != nil {
			return nil, errors.Wrapf(err, "bind env for %s", key)
		}
	}

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config file %s", file)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, errors.Wrapf(err, "bind flag --%s", name)
				}
			}
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks values that cannot be checked by type alone.
func (c *Config) Validate() error {
	switch storage.Kind(c.Engine) {
	case storage.KindBolt:
		if c.DBPath == "" && (c.Stdio || c.Listen != "") {
			return errors.New("--db-path is required for the bolt engine")
		}
	case storage.KindMemory:
	default:
		return errors.Errorf("unknown engine %q", c.Engine)
	}
	if _, err := c.FrameLimit(); err != nil {
		return err
	}
	return nil
}

// FrameLimit parses MaxFrameSize.
func (c *Config) FrameLimit() (uint32, error) {
	if c.MaxFrameSize == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(c.MaxFrameSize)
	if err != nil {
		return 0, errors.Wrapf(err, "maxFrameSize %q", c.MaxFrameSize)
	}
	if n <= 0 || n > math.MaxUint32 {
		return 0, errors.Errorf("maxFrameSize %q out of range", c.MaxFrameSize)
	}
	return uint32(n), nil
}

// StorageOptions returns the engine options the config selects.
func (c *Config) StorageOptions() storage.Options {
	return storage.Options{LockTimeout: c.LockTimeout, NoSync: c.NoSync}
}
