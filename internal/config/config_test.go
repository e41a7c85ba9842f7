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

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(viper.New(), "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Gateway.Listen != ":503" {
		t.Errorf("Gateway.Listen = %q, want :503", cfg.Gateway.Listen)
	}
	if cfg.Slave.Listen != ":502" {
		t.Errorf("Slave.Listen = %q, want :502", cfg.Slave.Listen)
	}
	if cfg.Gateway.MaxConnections != 8 {
		t.Errorf("Gateway.MaxConnections = %d, want 8", cfg.Gateway.MaxConnections)
	}
	if cfg.Serial.Parity != "E" || cfg.Serial.Mode != "rtu" || !cfg.Serial.RS485 {
		t.Errorf("Serial = %+v", cfg.Serial)
	}
	if cfg.Serial.Timeout != time.Second {
		t.Errorf("Serial.Timeout = %v, want 1s", cfg.Serial.Timeout)
	}
	if cfg.IO.PollInterval != 10*time.Millisecond {
		t.Errorf("IO.PollInterval = %v, want 10ms", cfg.IO.PollInterval)
	}
	if cfg.IO.SyslogCapacity != 4096 {
		t.Errorf("IO.SyslogCapacity = %d, want 4096", cfg.IO.SyslogCapacity)
	}
	if cfg.Gateway.ReadTimeout != 0 {
		t.Errorf("Gateway.ReadTimeout = %v, want 0", cfg.Gateway.ReadTimeout)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	content := `
gateway:
  listen: ":1503"
  max_connections: 2
serial:
  device: /dev/ttyS1
  mode: ascii
  baud_rate: 19200
  parity: N
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(viper.New(), path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Gateway.Listen != ":1503" || cfg.Gateway.MaxConnections != 2 {
		t.Errorf("Gateway = %+v", cfg.Gateway)
	}
	if cfg.Serial.Device != "/dev/ttyS1" || cfg.Serial.Mode != "ascii" || cfg.Serial.BaudRate != 19200 {
		t.Errorf("Serial = %+v", cfg.Serial)
	}
	// untouched keys keep defaults
	if cfg.Slave.Listen != ":502" {
		t.Errorf("Slave.Listen = %q, want :502", cfg.Slave.Listen)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("MBGW_SERIAL_DEVICE", "/dev/ttyAMA0")
	t.Setenv("MBGW_GATEWAY_MAX_CONNECTIONS", "4")

	cfg, err := Load(viper.New(), "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Serial.Device != "/dev/ttyAMA0" {
		t.Errorf("Serial.Device = %q", cfg.Serial.Device)
	}
	if cfg.Gateway.MaxConnections != 4 {
		t.Errorf("Gateway.MaxConnections = %d, want 4", cfg.Gateway.MaxConnections)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(viper.New(), filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load(viper.New(), "")
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad mode", func(c *Config) { c.Serial.Mode = "tcp" }, "serial.mode"},
		{"bad parity", func(c *Config) { c.Serial.Parity = "X" }, "serial.parity"},
		{"zero conns", func(c *Config) { c.Gateway.MaxConnections = 0 }, "gateway.max_connections"},
		{"same port", func(c *Config) { c.Gateway.Listen = c.Slave.Listen }, "must differ"},
		{"bad listen", func(c *Config) { c.Status.Listen = "nowhere" }, "status.listen"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"zero queue", func(c *Config) { c.IO.SyslogCapacity = 0 }, "io.syslog_capacity"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestValidateSkipsDisabledSections(t *testing.T) {
	cfg, err := Load(viper.New(), "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	cfg.Gateway.Enabled = false
	cfg.Serial.Mode = "bogus"

	if err := Validate(cfg); err != nil {
		t.Errorf("disabled gateway should skip serial checks: %v", err)
	}
}
