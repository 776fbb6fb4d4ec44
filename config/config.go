// Package config reads drive configuration files.
package config

import (
	"bytes"
	"encoding/json"
	"io"
	"reflect"
	"time"

	"github.com/a8m/envsubst"
	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"

	"go.viam.com/drivectl/motion"
	"go.viam.com/drivectl/sim"
)

// Config describes a drive: the loop period, the sample logging key and the tuning of each axis.
// Sim configures the simulated base used by movesim and is ignored elsewhere.
type Config struct {
	Period     time.Duration `json:"period"`
	PollPeriod time.Duration `json:"poll_period"`
	LoggingKey string        `json:"logging_key"`
	Linear     motion.Tuning `json:"linear"`
	Angular    motion.Tuning `json:"angular"`
	Sim        sim.Config    `json:"sim"`

	// ConfigFilePath is where the config was read from, if a file.
	ConfigFilePath string `json:"-"`
}

// Default returns the config used when no file is given.
func Default() *Config {
	return &Config{
		Period:     motion.DefaultPeriod,
		PollPeriod: motion.DefaultPollPeriod,
		Linear:     motion.DefaultLinearTuning(),
		Angular:    motion.DefaultAngularTuning(),
		Sim:        sim.DefaultConfig(),
	}
}

// Validate ensures all parts of the config are valid and returns warnings for legal but risky
// tuning.
func (cfg *Config) Validate() ([]string, error) {
	if cfg.Period < 0 {
		return nil, motion.NewConfigValidationError("period", errors.New("must not be negative"))
	}
	if cfg.PollPeriod < 0 {
		return nil, motion.NewConfigValidationError("poll_period", errors.New("must not be negative"))
	}
	linearWarnings, err := cfg.Linear.Validate("linear", motion.Linear)
	if err != nil {
		return nil, err
	}
	angularWarnings, err := cfg.Angular.Validate("angular", motion.Angular)
	if err != nil {
		return nil, err
	}
	if err := cfg.Sim.Validate(); err != nil {
		return nil, motion.NewConfigValidationError("sim", err)
	}
	return append(linearWarnings, angularWarnings...), nil
}

// DriveConfig returns the motion settings of cfg.
func (cfg *Config) DriveConfig() motion.DriveConfig {
	return motion.DriveConfig{
		Period:     cfg.Period,
		PollPeriod: cfg.PollPeriod,
		Linear:     cfg.Linear,
		Angular:    cfg.Angular,
		LoggingKey: cfg.LoggingKey,
	}
}

// Read reads a config from the given file. Environment variables in the file are expanded.
func Read(filePath string) (*Config, error) {
	buf, err := envsubst.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	return FromReader(filePath, bytes.NewReader(buf))
}

// FromReader reads a config from the given reader and specifies
// where, if applicable, the file the reader originated from.
//
// Fields missing from the input keep their defaults, so a file only needs to name what it
// changes. Durations may be given as strings such as "150ms" or as nanoseconds.
func FromReader(originalPath string, r io.Reader) (*Config, error) {
	var raw map[string]interface{}
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, errors.Wrap(err, "failed to decode config from json")
	}

	cfg := Default()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:     "json",
		Result:      cfg,
		ErrorUnused: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			numberToDurationHook,
		),
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, errors.Wrap(err, "failed to process config")
	}
	cfg.ConfigFilePath = originalPath

	if _, err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// numberToDurationHook accepts JSON numbers for durations, in nanoseconds.
func numberToDurationHook(from, to reflect.Type, data interface{}) (interface{}, error) {
	if to != reflect.TypeOf(time.Duration(0)) || from.Kind() != reflect.Float64 {
		return data, nil
	}
	return time.Duration(data.(float64)), nil
}
