package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"epdframe/internal/epd"
	"epdframe/internal/log"
)

// NOTE: This file provides the configuration model and full YAML-based
// load/save behavior, including first-run config creation and 0600
// permissions.

// Image sources.
const (
	SourceURL        = "url"
	SourceInspiroBot = "inspirobot"
	SourceCapture    = "capture"
	SourceQuadrant   = "quadrant"
)

// Defaults used by DefaultConfig and Normalize.
const (
	DefaultListen  = "127.0.0.1:8080"
	DefaultRefresh = "0 * * * *"
	DefaultDataDir = "/var/lib/epdframe"
	DefaultFit     = "contain"
)

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// SPIConfig selects the SPI port.
type SPIConfig struct {
	// Port is the periph.io port name (e.g. "/dev/spidev0.0"); empty picks
	// the first one.
	Port string `yaml:"port" json:"port"`
	// MaxHz is the clock; 0 uses the model's default.
	MaxHz int64 `yaml:"max_hz" json:"max_hz"`
}

// PinsConfig overrides the GPIO wiring. Lists follow the controller order
// of the model: S2, M2, M1, S1 for chip selects and busy lines, M2S2 then
// M1S1 for data/command and reset.
type PinsConfig struct {
	CS    []string `yaml:"cs" json:"cs"`
	DC    []string `yaml:"dc" json:"dc"`
	Reset []string `yaml:"reset" json:"reset"`
	Busy  []string `yaml:"busy" json:"busy"`
}

// BatteryConfig enables the I2C battery gauge.
type BatteryConfig struct {
	// Bus is the periph.io I2C bus name; empty picks the first one.
	Bus string `yaml:"bus" json:"bus"`
	// Addr is the 7-bit device address; 0 means 0x57 (PiSugar 3).
	Addr uint16 `yaml:"addr" json:"addr"`
}

// Config is the top-level application configuration.
type Config struct {
	// Model is the panel: "12in48b" or "2in7b".
	Model string `yaml:"model" json:"model"`

	// Dither enables Floyd-Steinberg error diffusion.
	Dither bool `yaml:"dither" json:"dither"`

	// Fit is how pictures are scaled: "contain", "cover" or "stretch".
	Fit string `yaml:"fit" json:"fit"`

	// Source selects where each refresh gets its picture:
	//   - "url":        ImageURL
	//   - "inspirobot": a freshly generated InspiroBot poster
	//   - "capture":    a headless Chromium screenshot of CaptureURL
	//   - "quadrant":   pre-quantized "bwr-raw" rectangles from QuadrantURL
	Source string `yaml:"source" json:"source"`

	ImageURL      string `yaml:"image_url,omitempty" json:"image_url,omitempty"`
	InspiroBotURL string `yaml:"inspirobot_url,omitempty" json:"inspirobot_url,omitempty"`
	CaptureURL    string `yaml:"capture_url,omitempty" json:"capture_url,omitempty"`
	// CaptureWait is a CSS selector that must be visible before capture.
	CaptureWait string `yaml:"capture_wait,omitempty" json:"capture_wait,omitempty"`
	ChromePath  string `yaml:"chrome_path,omitempty" json:"chrome_path,omitempty"`
	QuadrantURL string `yaml:"quadrant_url,omitempty" json:"quadrant_url,omitempty"`

	// RefreshCron is a cron-style schedule string (e.g. "*/15 * * * *").
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// Listen is the HTTP listen address for the API. Empty disables it.
	Listen string `yaml:"listen" json:"listen"`

	// DataDir holds the frame dump, the preview and the fetch cache.
	DataDir string `yaml:"data_dir" json:"data_dir"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	SPI SPIConfig `yaml:"spi" json:"spi"`

	// Pins, if non-nil, replaces the Waveshare HAT wiring of the model.
	Pins *PinsConfig `yaml:"pins,omitempty" json:"pins,omitempty"`

	// Buttons maps a GPIO name to the command run when it is pressed,
	// e.g. GPIO5: [epdframe, show].
	Buttons map[string][]string `yaml:"buttons,omitempty" json:"buttons,omitempty"`

	// Battery, if non-nil, reports the battery level in the API.
	Battery *BatteryConfig `yaml:"battery,omitempty" json:"battery,omitempty"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Model:       epd.EPD12in48B.Name,
		Dither:      true,
		Fit:         DefaultFit,
		Source:      SourceInspiroBot,
		RefreshCron: DefaultRefresh,
		Listen:      DefaultListen,
		DataDir:     DefaultDataDir,
		LogLevel:    "info",
		BasicAuth:   nil,
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly. Dither is left alone:
// an absent key means false.
func (c *Config) Normalize() {
	if c.Model == "" {
		c.Model = epd.EPD12in48B.Name
	}
	if c.Fit == "" {
		c.Fit = DefaultFit
	}
	if c.Source == "" {
		c.Source = SourceInspiroBot
	}
	if c.RefreshCron == "" {
		c.RefreshCron = DefaultRefresh
	}
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if _, err := epd.Lookup(c.Model); err != nil {
		errs = append(errs, err)
	}
	switch c.Fit {
	case "contain", "cover", "stretch":
	default:
		errs = append(errs, fmt.Errorf("config: unknown fit %q", c.Fit))
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	need := func(field, v string) {
		if v == "" {
			errs = append(errs, fmt.Errorf("config: source %q needs %s", c.Source, field))
			return
		}
		if u, err := url.Parse(v); err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("config: %s %q is not an absolute URL", field, v))
		}
	}
	switch c.Source {
	case SourceURL:
		need("image_url", c.ImageURL)
	case SourceInspiroBot:
	case SourceCapture:
		need("capture_url", c.CaptureURL)
	case SourceQuadrant:
		need("quadrant_url", c.QuadrantURL)
	default:
		errs = append(errs, fmt.Errorf("config: unknown source %q", c.Source))
	}

	for _, pin := range c.ButtonPins() {
		if len(c.Buttons[pin]) == 0 {
			errs = append(errs, fmt.Errorf("config: button %s has no command", pin))
		}
	}
	if c.Battery != nil && c.Battery.Addr > 0x7f {
		errs = append(errs, fmt.Errorf("config: battery addr %#x is not a 7-bit address", c.Battery.Addr))
	}
	return errors.Join(errs...)
}

// ButtonPins returns the configured button GPIO names, sorted.
func (c *Config) ButtonPins() []string {
	pins := make([]string, 0, len(c.Buttons))
	for pin := range c.Buttons {
		pins = append(pins, pin)
	}
	sort.Strings(pins)
	return pins
}

// HostConfig returns the periph.io wiring for m: the model's default pins
// with SPI and any Pins overrides applied.
func (c *Config) HostConfig(m *epd.Model) epd.HostConfig {
	h := epd.DefaultPins(m)
	h.Port = c.SPI.Port
	if c.SPI.MaxHz > 0 {
		h.MaxHz = c.SPI.MaxHz
	}
	if p := c.Pins; p != nil {
		if len(p.CS) > 0 {
			h.CS = p.CS
		}
		if len(p.DC) > 0 {
			h.DC = p.DC
		}
		if len(p.Reset) > 0 {
			h.Reset = p.Reset
		}
		if len(p.Busy) > 0 {
			h.Busy = p.Busy
		}
	}
	return h
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".epdframe-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	// 0600: the file may hold basic auth credentials.
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
