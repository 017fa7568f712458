// Package config loads the daemon configuration from YAML. Values may be
// overridden by SKYBUS_* environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPort      = 7624
	DefaultStorePath = "skybus.db"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Bus      BusConfig      `yaml:"bus"`
	Store    StoreConfig    `yaml:"store"`
	Logging  LoggingConfig  `yaml:"logging"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Devices  []DeviceConfig `yaml:"devices"`
	Remotes  []RemoteConfig `yaml:"remotes"`
}

// ServerConfig contains the network endpoint settings.
type ServerConfig struct {
	Name string `yaml:"name"`
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// PublicHost is the host name used in BLOB URLs. Defaults to the
	// machine host name.
	PublicHost string `yaml:"public_host"`
	// Advertise publishes the server with mDNS.
	Advertise bool `yaml:"advertise"`
	// Responder answers UDP discovery broadcasts.
	Responder bool `yaml:"responder"`
}

type BusConfig struct {
	TimerWorkers int `yaml:"timer_workers"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // error, warn, info, debug, trace
	Format string `yaml:"format"` // text or json
}

// MQTTConfig configures the MQTT bridge.
type MQTTConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Broker    string `yaml:"broker"`
	ClientID  string `yaml:"client_id"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	TopicRoot string `yaml:"topic_root"`
	QoS       int    `yaml:"qos"`
}

// InfluxDBConfig configures the property history recorder.
type InfluxDBConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Token   string `yaml:"token"`
	Org     string `yaml:"org"`
	Bucket  string `yaml:"bucket"`
}

// DeviceConfig selects a driver to load at startup.
type DeviceConfig struct {
	Name   string            `yaml:"name"`
	Driver string            `yaml:"driver"`
	Port   string            `yaml:"port"`
	Params map[string]string `yaml:"params"`
}

// RemoteConfig names a server whose devices are mirrored on the local bus.
type RemoteConfig struct {
	Name string `yaml:"name"`
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Name:      "skybus",
			Host:      "",
			Port:      DefaultPort,
			Advertise: true,
			Responder: true,
		},
		Bus: BusConfig{
			TimerWorkers: 4,
		},
		Store: StoreConfig{
			Path: DefaultStorePath,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		MQTT: MQTTConfig{
			Broker:    "tcp://localhost:1883",
			ClientID:  "skybus",
			TopicRoot: "skybus",
		},
		InfluxDB: InfluxDBConfig{
			URL:    "http://localhost:8086",
			Bucket: "skybus",
		},
	}
}

// Load reads path on top of the defaults, applies environment overrides and
// validates the result. An empty path loads the defaults only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(nil); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SKYBUS_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("SKYBUS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SKYBUS_STORE"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("SKYBUS_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SKYBUS_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
	}
	if v := os.Getenv("SKYBUS_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("SKYBUS_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration. knownDriver, if not nil, reports
// whether a driver name can be loaded.
func (c *Config) Validate(knownDriver func(string) bool) error {
	var errs []string

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if c.Bus.TimerWorkers < 0 {
		errs = append(errs, "bus.timer_workers must not be negative")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, "logging.format must be text or json")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, "mqtt.broker is required when mqtt is enabled")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url and influxdb.bucket are required when influxdb is enabled")
	}

	names := make(map[string]bool)
	for i, d := range c.Devices {
		switch {
		case d.Name == "":
			errs = append(errs, fmt.Sprintf("devices[%d].name is required", i))
		case names[d.Name]:
			errs = append(errs, fmt.Sprintf("devices[%d].name %q is duplicated", i, d.Name))
		}
		names[d.Name] = true
		if d.Driver == "" {
			errs = append(errs, fmt.Sprintf("devices[%d].driver is required", i))
		} else if knownDriver != nil && !knownDriver(d.Driver) {
			errs = append(errs, fmt.Sprintf("devices[%d].driver %q is unknown", i, d.Driver))
		}
	}

	for i, r := range c.Remotes {
		if r.Host == "" {
			errs = append(errs, fmt.Sprintf("remotes[%d].host is required", i))
		}
		if r.Port < 1 || r.Port > 65535 {
			errs = append(errs, fmt.Sprintf("remotes[%d].port must be between 1 and 65535", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Param returns the device parameter key, or def if unset.
func (d DeviceConfig) Param(key, def string) string {
	if v, ok := d.Params[key]; ok {
		return v
	}
	return def
}

// FloatParam parses the device parameter key as a float.
func (d DeviceConfig) FloatParam(key string, def float64) (float64, error) {
	v, ok := d.Params[key]
	if !ok {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def, fmt.Errorf("device %s: parameter %s: %w", d.Name, key, err)
	}
	return f, nil
}

// IntParam parses the device parameter key as an integer.
func (d DeviceConfig) IntParam(key string, def int) (int, error) {
	v, ok := d.Params[key]
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("device %s: parameter %s: %w", d.Name, key, err)
	}
	return n, nil
}

// BoolParam parses the device parameter key as a boolean.
func (d DeviceConfig) BoolParam(key string, def bool) (bool, error) {
	v, ok := d.Params[key]
	if !ok {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("device %s: parameter %s: %w", d.Name, key, err)
	}
	return b, nil
}
