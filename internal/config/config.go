// Package config reads the YAML configuration and exposes the sections to the plugin.
package config

import (
	"bytes"
	"strings"

	"github.com/roadrunner-server/errors"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix is prepended to environment overrides: JOBWORKER_DRIVER, JOBWORKER_REDIS_ADDR
	EnvPrefix string = "JOBWORKER"
)

type Viper struct {
	v *viper.Viper
}

// NewFromFile reads the config file, environment variables override file values.
func NewFromFile(path string) (*Viper, error) {
	const op = errors.Op("config_new_from_file")

	v := newViper()
	v.SetConfigFile(path)

	err := v.ReadInConfig()
	if err != nil {
		return nil, errors.E(op, err)
	}

	return &Viper{v: v}, nil
}

// NewFromBytes reads YAML from the buffer.
func NewFromBytes(data []byte) (*Viper, error) {
	const op = errors.Op("config_new_from_bytes")

	v := newViper()
	v.SetConfigType("yaml")

	err := v.ReadConfig(bytes.NewReader(data))
	if err != nil {
		return nil, errors.E(op, err)
	}

	return &Viper{v: v}, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// UnmarshalKey takes a single key and unmarshal it into a Struct.
func (c *Viper) UnmarshalKey(name string, out any) error {
	const op = errors.Op("config_unmarshal_key")

	err := c.v.UnmarshalKey(name, out)
	if err != nil {
		return errors.E(op, err)
	}

	return nil
}

// Has checks if config section exists.
func (c *Viper) Has(name string) bool {
	return c.v.IsSet(name)
}
