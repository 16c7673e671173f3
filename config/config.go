// Package config loads the doorcam configuration: a JSON file holding
// the required capture/event/camera options, optionally overridden by
// environment variables (including an optional .env file).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"doorcam/capture"
	"doorcam/derrs"
	"doorcam/overlay"
)

// Config is the full on-disk/env-derived configuration for a doorcam
// process.
type Config struct {
	CapturePath     string `json:"capture_path"`
	KeepImages      bool   `json:"keep_images"`
	VideoEncoding   bool   `json:"video_encoding"`
	SaveMetadata    bool   `json:"save_metadata"`
	PrerollSeconds  int    `json:"preroll_seconds"`
	PostrollSeconds int    `json:"postroll_seconds"`
	CameraFPS       int    `json:"camera_fps"`

	TimestampOverlay bool    `json:"timestamp_overlay"`
	TimestampFont    string  `json:"timestamp_font_path"`
	TimestampSize    float64 `json:"timestamp_font_size"`
	TimestampTZ      string  `json:"timestamp_timezone"`
	Rotation         int     `json:"rotation"` // 0, 90, 180, 270

	// CatalogDSN, when set, enables the optional Postgres event catalog.
	CatalogDSN string `json:"catalog_dsn,omitempty"`
	// IPCSocketPath, when set, enables the optional CBOR control socket
	// for an out-of-process camera driver / motion analyzer.
	IPCSocketPath string `json:"ipc_socket_path,omitempty"`
}

// ConfigPath returns the default config file path: a local
// doorcam.config.json, falling back to ~/.doorcam/doorcam.config.json.
func ConfigPath() (string, error) {
	const local = "doorcam.config.json"
	if _, err := os.Stat(local); err == nil {
		return local, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".doorcam", "doorcam.config.json"), nil
}

// Load reads the JSON config file at path (or the default path if
// empty), then applies DOORCAM_-prefixed environment variable overrides,
// loading an optional .env file first.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // optional; absent .env is not an error

	if path == "" {
		var err error
		path, err = ConfigPath()
		if err != nil {
			return nil, derrs.Wrap(derrs.ConfigError, err)
		}
	}

	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, derrs.Wrap(derrs.ConfigError, fmt.Errorf("read config file %s: %w", path, err))
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, derrs.Wrap(derrs.ConfigError, fmt.Errorf("parse config file %s: %w", path, err))
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DOORCAM_CAPTURE_PATH"); v != "" {
		cfg.CapturePath = v
	}
	if v := os.Getenv("DOORCAM_PREROLL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PrerollSeconds = n
		}
	}
	if v := os.Getenv("DOORCAM_POSTROLL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PostrollSeconds = n
		}
	}
	if v := os.Getenv("DOORCAM_CAMERA_FPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CameraFPS = n
		}
	}
	if v := os.Getenv("DOORCAM_CATALOG_DSN"); v != "" {
		cfg.CatalogDSN = v
	}
}

// Validate enforces the required-field contract: a ConfigError is fatal
// at startup, never discovered mid-run.
func (c *Config) Validate() error {
	var missing []string
	if c.CapturePath == "" {
		missing = append(missing, "capture_path")
	}
	if c.PrerollSeconds < 1 {
		missing = append(missing, "preroll_seconds")
	}
	if c.PostrollSeconds < 1 {
		missing = append(missing, "postroll_seconds")
	}
	if len(missing) > 0 {
		return derrs.Wrap(derrs.ConfigError, fmt.Errorf("missing or invalid required fields: %v", missing))
	}
	switch c.Rotation {
	case 0, 90, 180, 270:
	default:
		return derrs.Wrap(derrs.ConfigError, fmt.Errorf("rotation must be one of 0, 90, 180, 270, got %d", c.Rotation))
	}
	return nil
}

// CaptureConfig builds the capture.Config this configuration describes.
func (c *Config) CaptureConfig() capture.Config {
	var loc *time.Location
	if c.TimestampTZ != "" {
		if l, err := time.LoadLocation(c.TimestampTZ); err == nil {
			loc = l
		}
	}
	return capture.Config{
		Path:            c.CapturePath,
		KeepImages:      c.KeepImages,
		VideoEncoding:   c.VideoEncoding,
		SaveMetadata:    c.SaveMetadata,
		PrerollSeconds:  c.PrerollSeconds,
		PostrollSeconds: c.PostrollSeconds,
		FPS:             uint32(c.CameraFPS),
		Overlay: overlay.Config{
			TimestampOverlay: c.TimestampOverlay,
			FontPath:         c.TimestampFont,
			FontSize:         c.TimestampSize,
			Timezone:         loc,
			Rotation:         overlay.Rotation(c.Rotation),
		},
	}
}

// Save writes cfg to path with owner-only permissions, matching the
// server's own config persistence style.
func (c *Config) Save(path string) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}
