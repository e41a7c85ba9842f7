// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the gateway daemon configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. MBGW_SERIAL_DEVICE.
const EnvPrefix = "MBGW"

// Config is the daemon configuration.
type Config struct {
	Hostname  string          `mapstructure:"hostname" yaml:"hostname"`
	Gateway   GatewayConfig   `mapstructure:"gateway" yaml:"gateway"`
	Slave     SlaveConfig     `mapstructure:"slave" yaml:"slave"`
	Serial    SerialConfig    `mapstructure:"serial" yaml:"serial"`
	IO        IOConfig        `mapstructure:"io" yaml:"io"`
	Indicator IndicatorConfig `mapstructure:"indicator" yaml:"indicator"`
	Status    StatusConfig    `mapstructure:"status" yaml:"status"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
}

// GatewayConfig configures the TCP-to-serial gateway.
type GatewayConfig struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled"`
	Listen         string        `mapstructure:"listen" yaml:"listen"`
	MaxConnections int           `mapstructure:"max_connections" yaml:"max_connections"`
	AdmissionPoll  time.Duration `mapstructure:"admission_poll" yaml:"admission_poll"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
}

// SlaveConfig configures the local Modbus TCP slave.
type SlaveConfig struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled"`
	Listen         string        `mapstructure:"listen" yaml:"listen"`
	MaxConnections int           `mapstructure:"max_connections" yaml:"max_connections"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	EventBuffer    int           `mapstructure:"event_buffer" yaml:"event_buffer"`
}

// SerialConfig configures the serial line.
type SerialConfig struct {
	Device      string        `mapstructure:"device" yaml:"device"`
	Mode        string        `mapstructure:"mode" yaml:"mode"`
	BaudRate    int           `mapstructure:"baud_rate" yaml:"baud_rate"`
	DataBits    int           `mapstructure:"data_bits" yaml:"data_bits"`
	Parity      string        `mapstructure:"parity" yaml:"parity"`
	StopBits    int           `mapstructure:"stop_bits" yaml:"stop_bits"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	RS485       bool          `mapstructure:"rs485" yaml:"rs485"`
}

// IOConfig configures the expander task and syslog queue.
type IOConfig struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled"`
	PollInterval   time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	ActiveLow      bool          `mapstructure:"active_low" yaml:"active_low"`
	SyslogCapacity int           `mapstructure:"syslog_capacity" yaml:"syslog_capacity"`
}

// IndicatorConfig configures the pattern scheduler.
type IndicatorConfig struct {
	Enabled bool          `mapstructure:"enabled" yaml:"enabled"`
	Tick    time.Duration `mapstructure:"tick" yaml:"tick"`
}

// StatusConfig configures the read-only status API.
type StatusConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("hostname", "modbus_gateway")

	v.SetDefault("gateway.enabled", true)
	v.SetDefault("gateway.listen", ":503")
	v.SetDefault("gateway.max_connections", 8)
	v.SetDefault("gateway.admission_poll", "100ms")
	v.SetDefault("gateway.read_timeout", "0s")

	v.SetDefault("slave.enabled", true)
	v.SetDefault("slave.listen", ":502")
	v.SetDefault("slave.max_connections", 8)
	v.SetDefault("slave.read_timeout", "30s")
	v.SetDefault("slave.event_buffer", 64)

	v.SetDefault("serial.device", "/dev/ttyUSB0")
	v.SetDefault("serial.mode", "rtu")
	v.SetDefault("serial.baud_rate", 9600)
	v.SetDefault("serial.data_bits", 8)
	v.SetDefault("serial.parity", "E")
	v.SetDefault("serial.stop_bits", 1)
	v.SetDefault("serial.timeout", "1s")
	v.SetDefault("serial.idle_timeout", "60s")
	v.SetDefault("serial.rs485", true)

	v.SetDefault("io.enabled", true)
	v.SetDefault("io.poll_interval", "10ms")
	v.SetDefault("io.active_low", true)
	v.SetDefault("io.syslog_capacity", 4096)

	v.SetDefault("indicator.enabled", true)
	v.SetDefault("indicator.tick", "10ms")

	v.SetDefault("status.enabled", true)
	v.SetDefault("status.listen", ":8080")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads the configuration from v. When path is set the file is read
// first; environment variables override both file and defaults.
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration without changing it. All problems
// are reported together.
func Validate(cfg *Config) error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	if cfg.Gateway.Enabled {
		check(validAddr(cfg.Gateway.Listen), "gateway.listen: invalid address %q", cfg.Gateway.Listen)
		check(cfg.Gateway.MaxConnections > 0, "gateway.max_connections must be positive")
		check(cfg.Gateway.AdmissionPoll > 0, "gateway.admission_poll must be positive")
		check(cfg.Gateway.ReadTimeout >= 0, "gateway.read_timeout must not be negative")

		check(cfg.Serial.Device != "", "serial.device is required")
		check(cfg.Serial.Mode == "rtu" || cfg.Serial.Mode == "ascii",
			"serial.mode must be rtu or ascii, got %q", cfg.Serial.Mode)
		check(cfg.Serial.BaudRate > 0, "serial.baud_rate must be positive")
		check(cfg.Serial.DataBits >= 5 && cfg.Serial.DataBits <= 8,
			"serial.data_bits must be 5-8, got %d", cfg.Serial.DataBits)
		check(cfg.Serial.StopBits == 1 || cfg.Serial.StopBits == 2,
			"serial.stop_bits must be 1 or 2, got %d", cfg.Serial.StopBits)
		check(cfg.Serial.Parity == "N" || cfg.Serial.Parity == "E" || cfg.Serial.Parity == "O",
			"serial.parity must be N, E or O, got %q", cfg.Serial.Parity)
		check(cfg.Serial.Timeout > 0, "serial.timeout must be positive")
	}

	if cfg.Slave.Enabled {
		check(validAddr(cfg.Slave.Listen), "slave.listen: invalid address %q", cfg.Slave.Listen)
		check(cfg.Slave.MaxConnections > 0, "slave.max_connections must be positive")
		check(cfg.Slave.EventBuffer > 0, "slave.event_buffer must be positive")
	}

	if cfg.Gateway.Enabled && cfg.Slave.Enabled {
		check(cfg.Gateway.Listen != cfg.Slave.Listen,
			"gateway.listen and slave.listen must differ")
	}

	if cfg.IO.Enabled {
		check(cfg.IO.PollInterval > 0, "io.poll_interval must be positive")
		check(cfg.IO.SyslogCapacity > 0, "io.syslog_capacity must be positive")
	}

	if cfg.Indicator.Enabled {
		check(cfg.Indicator.Tick > 0, "indicator.tick must be positive")
	}

	if cfg.Status.Enabled {
		check(validAddr(cfg.Status.Listen), "status.listen: invalid address %q", cfg.Status.Listen)
	}

	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		check(false, "log.level must be debug, info, warn or error, got %q", cfg.Log.Level)
	}
	check(cfg.Log.Format == "text" || cfg.Log.Format == "json",
		"log.format must be text or json, got %q", cfg.Log.Format)

	return errors.Join(errs...)
}

func validAddr(addr string) bool {
	_, port, err := net.SplitHostPort(addr)
	return err == nil && port != ""
}
