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
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"slices"
	"strconv"
)

// Factory validates transport settings and builds idle sessions bound to a
// store. Building never touches a port or socket.
type Factory struct {
	store *Store
	opts  *factoryOptions
}

// NewFactory creates a factory for sessions serving store.
func NewFactory(store *Store, opts ...FactoryOption) *Factory {
	options := defaultFactoryOptions()
	for _, opt := range opts {
		opt(options)
	}
	return &Factory{store: store, opts: options}
}

// Ports enumerates the serial ports present on the system.
func (f *Factory) Ports() ([]string, error) {
	return f.opts.listPorts()
}

// Build validates cfg for kind and returns an idle session. Invalid settings
// yield ErrConfigurationInvalid.
func (f *Factory) Build(ctx context.Context, kind TransportKind, cfg Config, opts ...SessionOption) (*Session, error) {
	sessionOpts := append([]SessionOption{WithLogger(f.opts.logger)}, f.opts.sessionOpts...)
	sessionOpts = append(sessionOpts, opts...)

	switch kind {
	case KindTCP, KindUDP:
		address, err := f.resolve(ctx, cfg.Network)
		if err != nil {
			return nil, err
		}
		s := newSession(kind, cfg, f.store, sessionOpts...)
		if kind == KindTCP {
			s.transport = newTCPTransport(s, address)
		} else {
			s.transport = newUDPTransport(s, address)
		}
		return s, nil

	case KindRTU, KindASCII:
		if err := cfg.Serial.Validate(); err != nil {
			return nil, err
		}
		if err := f.checkPort(cfg.Serial.Port); err != nil {
			return nil, err
		}
		mode, err := cfg.Serial.Mode()
		if err != nil {
			return nil, err
		}
		s := newSession(kind, cfg, f.store, sessionOpts...)
		s.transport = newSerialTransport(s, cfg.Serial.Port, mode, kind == KindASCII, f.opts.openSerial)
		return s, nil

	default:
		return nil, fmt.Errorf("%w: unknown transport kind %d", ErrConfigurationInvalid, uint8(kind))
	}
}

// resolve turns a host name or IP literal into a listen address. IPv4
// results are preferred.
func (f *Factory) resolve(ctx context.Context, cfg NetworkConfig) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	port := strconv.Itoa(cfg.Port)
	if ip := net.ParseIP(cfg.Host); ip != nil {
		return net.JoinHostPort(ip.String(), port), nil
	}

	addrs, err := f.opts.lookupHost(ctx, cfg.Host)
	if err != nil || len(addrs) == 0 {
		f.opts.logger.Debug("host lookup failed",
			slog.String("host", cfg.Host),
			slog.Any("error", err))
		return "", fmt.Errorf("%w: invalid IP address or hostname %q", ErrConfigurationInvalid, cfg.Host)
	}
	chosen := addrs[0].IP
	for _, a := range addrs {
		if a.IP.To4() != nil {
			chosen = a.IP
			break
		}
	}
	return net.JoinHostPort(chosen.String(), port), nil
}

// checkPort accepts an enumerated port or an existing device path.
func (f *Factory) checkPort(name string) error {
	ports, err := f.opts.listPorts()
	if err == nil && slices.Contains(ports, name) {
		return nil
	}
	if _, statErr := os.Stat(name); statErr == nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: serial port %q not found (enumeration failed: %v)", ErrConfigurationInvalid, name, err)
	}
	return fmt.Errorf("%w: serial port %q not found", ErrConfigurationInvalid, name)
}
