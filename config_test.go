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

package modbus

import (
	"errors"
	"testing"

	"go.bug.st/serial"
	"gopkg.in/yaml.v3"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Network.Host != "0.0.0.0" || cfg.Network.Port != DefaultPort {
		t.Errorf("unexpected network defaults %+v", cfg.Network)
	}
	if err := cfg.Network.Validate(); err != nil {
		t.Errorf("default network config invalid: %v", err)
	}

	mode, err := cfg.Serial.Mode()
	if err != nil {
		t.Fatalf("Mode failed: %v", err)
	}
	if mode.BaudRate != 9600 || mode.DataBits != 8 || mode.Parity != serial.NoParity || mode.StopBits != serial.OneStopBit {
		t.Errorf("unexpected serial mode %+v", mode)
	}
}

func TestParseParity(t *testing.T) {
	tests := []struct {
		in     string
		expect serial.Parity
	}{
		{"", serial.NoParity},
		{"none", serial.NoParity},
		{"ODD", serial.OddParity},
		{"e", serial.EvenParity},
		{"mark", serial.MarkParity},
		{"space", serial.SpaceParity},
	}

	for _, tt := range tests {
		got, err := ParseParity(tt.in)
		if err != nil {
			t.Errorf("ParseParity(%q): %v", tt.in, err)
			continue
		}
		if got != tt.expect {
			t.Errorf("ParseParity(%q): expected %v, got %v", tt.in, tt.expect, got)
		}
	}

	if _, err := ParseParity("x"); !errors.Is(err, ErrConfigurationInvalid) {
		t.Errorf("expected ErrConfigurationInvalid, got %v", err)
	}
}

func TestParseStopBits(t *testing.T) {
	tests := []struct {
		in     string
		expect serial.StopBits
	}{
		{"", serial.OneStopBit},
		{"1", serial.OneStopBit},
		{"1.5", serial.OnePointFiveStopBits},
		{"2", serial.TwoStopBits},
	}

	for _, tt := range tests {
		got, err := ParseStopBits(tt.in)
		if err != nil || got != tt.expect {
			t.Errorf("ParseStopBits(%q): expected %v, got %v (%v)", tt.in, tt.expect, got, err)
		}
	}

	if _, err := ParseStopBits("0"); !errors.Is(err, ErrConfigurationInvalid) {
		t.Errorf("expected ErrConfigurationInvalid, got %v", err)
	}
}

func TestConfigYAML(t *testing.T) {
	data := []byte(`
network:
  host: 192.168.1.10
  port: 1502
serial:
  port: /dev/ttyUSB0
  baud: 19200
  data_bits: 7
  parity: even
  stop_bits: "2"
`)

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if cfg.Network.Host != "192.168.1.10" || cfg.Network.Port != 1502 {
		t.Errorf("unexpected network %+v", cfg.Network)
	}
	if err := cfg.Serial.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
	mode, _ := cfg.Serial.Mode()
	if mode.BaudRate != 19200 || mode.DataBits != 7 || mode.Parity != serial.EvenParity || mode.StopBits != serial.TwoStopBits {
		t.Errorf("unexpected mode %+v", mode)
	}
}
