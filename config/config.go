// Package config loads the observatory configuration: observer site, safety
// envelope, polling and tracking parameters, and the devices to control.
package config

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Server    ServerConfig    `mapstructure:"server"`
	Observer  ObserverConfig  `mapstructure:"observer"`
	Envelope  EnvelopeConfig  `mapstructure:"envelope"`
	Tracking  TrackingConfig  `mapstructure:"tracking"`
	Poll      PollConfig      `mapstructure:"poll"`
	Devices   []DeviceConfig  `mapstructure:"devices"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type ServerConfig struct {
	HTTPAddr        string        `mapstructure:"http_addr"`
	RotctldAddr     string        `mapstructure:"rotctld_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type ObserverConfig struct {
	Latitude    float64 `mapstructure:"latitude"`
	Longitude   float64 `mapstructure:"longitude"`
	Elevation   float64 `mapstructure:"elevation"`
	Pressure    float64 `mapstructure:"pressure"`
	Temperature float64 `mapstructure:"temperature"`
}

type EnvelopeConfig struct {
	AltitudeLimit  float64      `mapstructure:"altitude_limit"`
	ZenithLimit    float64      `mapstructure:"zenith_limit"`
	PoleLimit      float64      `mapstructure:"pole_limit"`
	MeridianMargin float64      `mapstructure:"meridian_margin"`
	NoGoZones      []ZoneConfig `mapstructure:"no_go_zones"`
}

type ZoneConfig struct {
	Name   string  `mapstructure:"name"`
	AzMin  float64 `mapstructure:"az_min"`
	AzMax  float64 `mapstructure:"az_max"`
	AltMin float64 `mapstructure:"alt_min"`
	AltMax float64 `mapstructure:"alt_max"`
}

type TrackingConfig struct {
	Window         time.Duration `mapstructure:"window"`
	Delta          time.Duration `mapstructure:"delta"`
	Lead           time.Duration `mapstructure:"lead"`
	RateInterval   time.Duration `mapstructure:"rate_interval"`
	CorrectionTime time.Duration `mapstructure:"correction_time"`
}

// PollConfig zero values in a device section inherit the top level poll
// section.
type PollConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	Timeout          time.Duration `mapstructure:"timeout"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	BackoffInitial   time.Duration `mapstructure:"backoff_initial"`
	BackoffMax       time.Duration `mapstructure:"backoff_max"`
}

const (
	TransportHTTP   = "http"
	TransportSerial = "serial"
	TransportModbus = "modbus"
)

type DeviceConfig struct {
	Name string `mapstructure:"name"`
	Kind string `mapstructure:"kind"`
	// Alignment applies to mounts: alt_az, equatorial or german_polar.
	Alignment string `mapstructure:"alignment"`
	// Transport is http (control daemon), serial (line protocol) or
	// modbus (RTU register protocol).
	Transport string `mapstructure:"transport"`
	// Address is the daemon base URL or the serial port.
	Address string `mapstructure:"address"`
	Baud    int    `mapstructure:"baud"`
	SlaveID int    `mapstructure:"slave_id"`
	// BridgeURL routes modbus traffic through a remote usb_bridge.
	BridgeURL      string  `mapstructure:"bridge_url"`
	BridgePassword string  `mapstructure:"bridge_password"`
	TicksPerDegree float64 `mapstructure:"ticks_per_degree"`

	Tolerance      float64       `mapstructure:"tolerance"`
	ConfirmTimeout time.Duration `mapstructure:"confirm_timeout"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	ConnectRetries int           `mapstructure:"connect_retries"`
	Poll           PollConfig    `mapstructure:"poll"`
}

type TelemetryConfig struct {
	InfluxURL    string `mapstructure:"influx_url"`
	InfluxToken  string `mapstructure:"influx_token"`
	InfluxOrg    string `mapstructure:"influx_org"`
	InfluxBucket string `mapstructure:"influx_bucket"`
	NATSURL      string `mapstructure:"nats_url"`
	NATSSubject  string `mapstructure:"nats_subject"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.rotctld_addr", ":4533")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("observer.latitude", 0.0)
	v.SetDefault("observer.longitude", 0.0)
	v.SetDefault("observer.elevation", 0.0)
	v.SetDefault("observer.pressure", 1010.0)
	v.SetDefault("observer.temperature", 10.0)

	v.SetDefault("envelope.altitude_limit", 0.0)
	v.SetDefault("envelope.zenith_limit", 0.0)
	v.SetDefault("envelope.pole_limit", 1.0)
	v.SetDefault("envelope.meridian_margin", 0.0)

	v.SetDefault("tracking.window", "10s")
	v.SetDefault("tracking.delta", "1s")
	v.SetDefault("tracking.lead", "1s")
	v.SetDefault("tracking.rate_interval", "1s")
	v.SetDefault("tracking.correction_time", "5s")

	v.SetDefault("poll.interval", "500ms")
	v.SetDefault("poll.timeout", "2s")
	v.SetDefault("poll.failure_threshold", 3)
	v.SetDefault("poll.backoff_initial", "1s")
	v.SetDefault("poll.backoff_max", "30s")

	v.SetDefault("telemetry.influx_url", "")
	v.SetDefault("telemetry.influx_token", "")
	v.SetDefault("telemetry.influx_org", "")
	v.SetDefault("telemetry.influx_bucket", "")
	v.SetDefault("telemetry.nats_url", "")
	v.SetDefault("telemetry.nats_subject", "pwi.status")
}

// Load reads the YAML file at path, if any, and applies PWI_ environment
// overrides (PWI_OBSERVER_LATITUDE and so on).
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return decode(v)
}

// Read is Load for YAML held in memory.
func Read(r io.Reader) (*Config, error) {
	v := newViper()
	if err := v.ReadConfig(r); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return decode(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)
	v.SetEnvPrefix("PWI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

var (
	kinds      = []string{"mount", "focuser", "rotator"}
	alignments = []string{"alt_az", "equatorial", "german_polar"}
	transports = map[string][]string{
		"mount":   {TransportHTTP},
		"focuser": {TransportHTTP, TransportSerial},
		"rotator": {TransportHTTP, TransportModbus},
	}
)

func oneOf(s string, set []string) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}

// Validate reports every problem found, not just the first.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		bad("log.level: %v", err)
	}
	if !oneOf(c.Log.Format, []string{"json", "console"}) {
		bad("log.format: %q is not json or console", c.Log.Format)
	}
	if c.Observer.Latitude < -90 || c.Observer.Latitude > 90 {
		bad("observer.latitude: %v out of range", c.Observer.Latitude)
	}
	if c.Observer.Longitude < -180 || c.Observer.Longitude > 360 {
		bad("observer.longitude: %v out of range", c.Observer.Longitude)
	}
	if c.Envelope.AltitudeLimit < -90 || c.Envelope.AltitudeLimit >= 90 {
		bad("envelope.altitude_limit: %v out of range", c.Envelope.AltitudeLimit)
	}
	for i, z := range c.Envelope.NoGoZones {
		if z.AltMin > z.AltMax {
			bad("envelope.no_go_zones[%d]: alt_min above alt_max", i)
		}
	}
	if c.Poll.Interval <= 0 || c.Poll.Timeout <= 0 {
		bad("poll: interval and timeout must be positive")
	}
	if c.Tracking.Lead >= c.Tracking.Window {
		bad("tracking: lead %v must be shorter than window %v", c.Tracking.Lead, c.Tracking.Window)
	}

	names := map[string]bool{}
	for i, d := range c.Devices {
		where := fmt.Sprintf("devices[%d]", i)
		if d.Name == "" {
			bad("%s: name is required", where)
		} else if names[d.Name] {
			bad("%s: duplicate name %q", where, d.Name)
		}
		names[d.Name] = true
		if !oneOf(d.Kind, kinds) {
			bad("%s: kind %q is not one of %v", where, d.Kind, kinds)
			continue
		}
		if !oneOf(d.Transport, transports[d.Kind]) {
			bad("%s: a %s cannot use transport %q", where, d.Kind, d.Transport)
		}
		if d.Address == "" && d.BridgeURL == "" {
			bad("%s: address is required", where)
		}
		if d.Kind == "mount" && !oneOf(d.Alignment, alignments) {
			bad("%s: alignment %q is not one of %v", where, d.Alignment, alignments)
		}
		if d.Transport == TransportModbus && d.TicksPerDegree <= 0 {
			bad("%s: ticks_per_degree must be positive", where)
		}
	}
	return errors.Join(errs...)
}

// PollFor returns the poll settings for d, falling back to the top level
// section for unset values.
func (c *Config) PollFor(d DeviceConfig) PollConfig {
	p := d.Poll
	if p.Interval <= 0 {
		p.Interval = c.Poll.Interval
	}
	if p.Timeout <= 0 {
		p.Timeout = c.Poll.Timeout
	}
	if p.FailureThreshold <= 0 {
		p.FailureThreshold = c.Poll.FailureThreshold
	}
	if p.BackoffInitial <= 0 {
		p.BackoffInitial = c.Poll.BackoffInitial
	}
	if p.BackoffMax <= 0 {
		p.BackoffMax = c.Poll.BackoffMax
	}
	return p
}

// Device looks up a device section by name.
func (c *Config) Device(name string) (DeviceConfig, bool) {
	for _, d := range c.Devices {
		if d.Name == name {
			return d, true
		}
	}
	return DeviceConfig{}, false
}

// NewLogger builds the process logger from the log section.
func (l LogConfig) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if l.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
