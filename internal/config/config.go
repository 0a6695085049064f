// Package config loads server configuration via viper, grounded on the
// rclone "serve webdav" command's cobra+viper wiring -- the teacher's own
// ExampleMain instead parsed three flag.* globals by hand, which this
// rework replaces with a proper config file plus environment-variable
// overrides so the realm table (more than one binding) can be expressed
// without a recompile.
package config

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Realm is one URL-prefix-to-local-root binding, as read from the config
// file's "realms" list.
type Realm struct {
	Prefix string `mapstructure:"prefix"`
	Root   string `mapstructure:"root"`
}

// Config is the full set of options the CLI and the server wiring need.
type Config struct {
	Addr               string        `mapstructure:"addr"`
	Realms             []Realm       `mapstructure:"realms"`
	CaseInsensitive    bool          `mapstructure:"case_insensitive"`
	PropStorePath      string        `mapstructure:"prop_store_path"`
	LockStorePath      string        `mapstructure:"lock_store_path"`
	DefaultLockTimeout time.Duration `mapstructure:"default_lock_timeout"`
	AuthRealm          string        `mapstructure:"auth_realm"`
}

// Load reads configuration from path (if non-empty), environment variables
// prefixed WEBDAVD_, and these defaults, in viper's usual precedence order.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetDefault("addr", ":8000")
	v.SetDefault("case_insensitive", false)
	v.SetDefault("prop_store_path", "./data/props.leveldb")
	v.SetDefault("lock_store_path", "./data/locks.leveldb")
	v.SetDefault("default_lock_timeout", "5m")
	v.SetDefault("auth_realm", "Restricted")

	v.SetEnvPrefix("WEBDAVD")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "reading config file %s", path)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, errors.Wrap(err, "decoding config")
	}
	if len(c.Realms) == 0 {
		return nil, errors.New("config: at least one realm binding is required")
	}
	return &c, nil
}
