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
	"fmt"
	"strings"

	"go.bug.st/serial"
)

// NetworkConfig configures a TCP or UDP binding.
type NetworkConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
}

// SerialConfig configures an RTU or ASCII binding.
type SerialConfig struct {
	Port     string `mapstructure:"port" yaml:"port"`
	BaudRate int    `mapstructure:"baud" yaml:"baud"`
	DataBits int    `mapstructure:"data_bits" yaml:"data_bits"`
	Parity   string `mapstructure:"parity" yaml:"parity"`
	StopBits string `mapstructure:"stop_bits" yaml:"stop_bits"`
}

// Config holds the settings of every transport kind. Only the section
// matching the opened kind is used.
type Config struct {
	Network NetworkConfig `mapstructure:"network" yaml:"network"`
	Serial  SerialConfig  `mapstructure:"serial" yaml:"serial"`
}

// DefaultConfig returns the settings the simulator starts with.
func DefaultConfig() Config {
	return Config{
		Network: NetworkConfig{
			Host: "0.0.0.0",
			Port: DefaultPort,
		},
		Serial: SerialConfig{
			BaudRate: 9600,
			DataBits: 8,
			Parity:   "none",
			StopBits: "1",
		},
	}
}

// Validate checks the network settings without resolving the host.
func (c NetworkConfig) Validate() error {
	if strings.TrimSpace(c.Host) == "" {
		return fmt.Errorf("%w: host is required", ErrConfigurationInvalid)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range 0..65535", ErrConfigurationInvalid, c.Port)
	}
	return nil
}

// Validate checks the serial settings without touching the port.
func (c SerialConfig) Validate() error {
	if strings.TrimSpace(c.Port) == "" {
		return fmt.Errorf("%w: serial port is required", ErrConfigurationInvalid)
	}
	_, err := c.Mode()
	return err
}

// Mode converts the settings to a go.bug.st/serial mode.
func (c SerialConfig) Mode() (*serial.Mode, error) {
	if c.BaudRate <= 0 {
		return nil, fmt.Errorf("%w: baud rate %d", ErrConfigurationInvalid, c.BaudRate)
	}
	if c.DataBits < 5 || c.DataBits > 8 {
		return nil, fmt.Errorf("%w: data bits %d out of range 5..8", ErrConfigurationInvalid, c.DataBits)
	}
	parity, err := ParseParity(c.Parity)
	if err != nil {
		return nil, err
	}
	stopBits, err := ParseStopBits(c.StopBits)
	if err != nil {
		return nil, err
	}
	return &serial.Mode{
		BaudRate: c.BaudRate,
		DataBits: c.DataBits,
		Parity:   parity,
		StopBits: stopBits,
	}, nil
}

// ParseParity parses none, odd, even, mark or space. An empty string means none.
func ParseParity(s string) (serial.Parity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "n":
		return serial.NoParity, nil
	case "odd", "o":
		return serial.OddParity, nil
	case "even", "e":
		return serial.EvenParity, nil
	case "mark", "m":
		return serial.MarkParity, nil
	case "space", "s":
		return serial.SpaceParity, nil
	default:
		return 0, fmt.Errorf("%w: parity %q", ErrConfigurationInvalid, s)
	}
}

// ParseStopBits parses 1, 1.5 or 2. An empty string means 1.
func ParseStopBits(s string) (serial.StopBits, error) {
	switch strings.TrimSpace(s) {
	case "", "1":
		return serial.OneStopBit, nil
	case "1.5":
		return serial.OnePointFiveStopBits, nil
	case "2":
		return serial.TwoStopBits, nil
	default:
		return 0, fmt.Errorf("%w: stop bits %q", ErrConfigurationInvalid, s)
	}
}
