// Package logger builds the zap logger shared by the plugins.
package logger

import (
	"strings"

	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	// Mode is production or development
	Mode string `mapstructure:"mode"`
	// Level is debug, info, warn or error
	Level string `mapstructure:"level"`
	// Encoding is json or console
	Encoding string `mapstructure:"encoding"`
}

func (c *Config) InitDefaults() {
	if c.Mode == "" {
		c.Mode = "production"
	}
	if c.Level == "" {
		c.Level = "info"
	}
}

type Logger struct {
	base *zap.Logger
}

// New builds the logger from cfg, nil cfg means production defaults.
func New(cfg *Config) (*Logger, error) {
	const op = errors.Op("logger_new")

	if cfg == nil {
		cfg = &Config{}
	}
	cfg.InitDefaults()

	var zc zap.Config
	switch strings.ToLower(cfg.Mode) {
	case "development":
		zc = zap.NewDevelopmentConfig()
	case "production":
		zc = zap.NewProductionConfig()
	default:
		return nil, errors.E(op, errors.Errorf("unknown logger mode: %s", cfg.Mode))
	}

	lvl, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, errors.E(op, err)
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)

	if cfg.Encoding != "" {
		zc.Encoding = cfg.Encoding
	}

	base, err := zc.Build()
	if err != nil {
		return nil, errors.E(op, err)
	}

	return &Logger{base: base}, nil
}

// Wrap uses an existing logger, mostly in tests.
func Wrap(base *zap.Logger) *Logger {
	return &Logger{base: base}
}

func (l *Logger) NamedLogger(name string) *zap.Logger {
	return l.base.Named(name)
}

func (l *Logger) Sync() error {
	return l.base.Sync()
}
