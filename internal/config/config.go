// Package config loads the runtime configuration of the tracker host.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	jsoniter "github.com/json-iterator/go"

	"image-tracker/internal/tracker"
	"image-tracker/internal/vision"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Environment variables overriding file values.
const (
	EnvSource        = "TRACKER_SOURCE"
	EnvManifest      = "TRACKER_MANIFEST"
	EnvResolution    = "TRACKER_RESOLUTION"
	EnvListen        = "TRACKER_LISTEN"
	EnvLogLevel      = "TRACKER_LOG_LEVEL"
	EnvLogFile       = "TRACKER_LOG_FILE"
	EnvWatchInterval = "TRACKER_WATCH_INTERVAL"
)

// Config is the host configuration.
type Config struct {
	// Source is a camera index or a video file path.
	Source string `json:"source" validate:"required"`

	// Manifest lists the reference images to track.
	Manifest string `json:"manifest" validate:"required"`

	// Listen is the address of the output stream; empty disables it.
	Listen string `json:"listen" validate:"omitempty,hostname_port"`

	LogLevel string `json:"log_level" validate:"omitempty,oneof=trace debug info warn warning error"`
	LogFile  string `json:"log_file"`

	// WatchInterval is how often the manifest is checked for changes;
	// zero disables watching.
	WatchInterval Duration `json:"watch_interval" validate:"gte=0"`

	Tracker tracker.Settings `json:"tracker"`
}

// Duration reads "250ms" style strings as well as nanosecond counts.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value))
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration %s", b)
	}
	return nil
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Source:        "0",
		Manifest:      "targets.json",
		Listen:        "localhost:8090",
		LogLevel:      "info",
		WatchInterval: Duration(2 * time.Second),
		Tracker:       tracker.DefaultSettings(),
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads path over the defaults (a missing path is not an error when
// it is empty), applies .env and environment overrides and validates the
// result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	for name, dst := range map[string]*string{
		EnvSource:   &c.Source,
		EnvManifest: &c.Manifest,
		EnvListen:   &c.Listen,
		EnvLogLevel: &c.LogLevel,
		EnvLogFile:  &c.LogFile,
	} {
		if v, ok := os.LookupEnv(name); ok {
			*dst = v
		}
	}
	if v, ok := os.LookupEnv(EnvResolution); ok {
		r, err := vision.ParseResolution(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvResolution, err)
		}
		c.Tracker.Resolution = r
	}
	if v, ok := os.LookupEnv(EnvWatchInterval); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			if n, nerr := strconv.Atoi(v); nerr == nil {
				d, err = time.Duration(n)*time.Second, nil
			}
		}
		if err != nil {
			return fmt.Errorf("%s: %w", EnvWatchInterval, err)
		}
		c.WatchInterval = Duration(d)
	}
	return nil
}

// Validate checks the host fields and the tracker settings.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return c.Tracker.Validate()
}

// CameraIndex returns the source as a camera index when it is numeric.
func (c Config) CameraIndex() (int, bool) {
	n, err := strconv.Atoi(c.Source)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
