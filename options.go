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
	"log/slog"
	"net"
	"time"
)

// EngineOption is a functional option for configuring the protocol engine.
type EngineOption func(*engineOptions)

type engineOptions struct {
	logger    *slog.Logger
	serverID  []byte
	onRequest func(Request)
	onAccess  func(Access)
}

func defaultEngineOptions() *engineOptions {
	return &engineOptions{
		logger:   slog.Default(),
		serverID: []byte("Modbus Slave Simulator"),
	}
}

// WithEngineLogger sets the logger for the engine.
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(o *engineOptions) {
		o.logger = logger
	}
}

// WithServerID sets the identifier returned by Report Server ID (FC17).
func WithServerID(id []byte) EngineOption {
	return func(o *engineOptions) {
		o.serverID = append([]byte(nil), id...)
	}
}

// WithOnRequest sets a callback invoked after every processed request.
func WithOnRequest(fn func(Request)) EngineOption {
	return func(o *engineOptions) {
		o.onRequest = fn
	}
}

// WithOnAccess sets a callback invoked for every store access made on
// behalf of a master.
func WithOnAccess(fn func(Access)) EngineOption {
	return func(o *engineOptions) {
		o.onAccess = fn
	}
}

// SessionOption is a functional option for configuring a transport session.
type SessionOption func(*sessionOptions)

type sessionOptions struct {
	logger      *slog.Logger
	relay       *Relay
	maxConns    int
	readTimeout time.Duration
	joinTimeout time.Duration
	logRequests func() bool
	onStopped   func(*Session, error)
	engineOpts  []EngineOption
}

func defaultSessionOptions() *sessionOptions {
	return &sessionOptions{
		logger:      slog.Default(),
		maxConns:    100,
		joinTimeout: DefaultJoinTimeout,
		logRequests: func() bool { return true },
	}
}

// WithLogger sets the logger for the session.
func WithLogger(logger *slog.Logger) SessionOption {
	return func(o *sessionOptions) {
		o.logger = logger
	}
}

// WithRelay sets the relay that receives the session's request log and
// status events.
func WithRelay(r *Relay) SessionOption {
	return func(o *sessionOptions) {
		o.relay = r
	}
}

// WithMaxConnections sets the maximum number of concurrent TCP masters.
func WithMaxConnections(n int) SessionOption {
	return func(o *sessionOptions) {
		o.maxConns = n
	}
}

// WithReadTimeout closes TCP connections idle for longer than d. Zero
// disables the timeout.
func WithReadTimeout(d time.Duration) SessionOption {
	return func(o *sessionOptions) {
		o.readTimeout = d
	}
}

// WithJoinTimeout bounds how long Close waits for the worker to exit.
func WithJoinTimeout(d time.Duration) SessionOption {
	return func(o *sessionOptions) {
		o.joinTimeout = d
	}
}

// WithRequestLogging sets a predicate consulted before each request is
// published to the relay.
func WithRequestLogging(enabled func() bool) SessionOption {
	return func(o *sessionOptions) {
		o.logRequests = enabled
	}
}

// WithOnStopped sets a callback invoked when a transport fault stops the
// session. It is not invoked for sessions stopped by Close.
func WithOnStopped(fn func(*Session, error)) SessionOption {
	return func(o *sessionOptions) {
		o.onStopped = fn
	}
}

// WithEngineOptions sets the options for the session's protocol engine.
func WithEngineOptions(opts ...EngineOption) SessionOption {
	return func(o *sessionOptions) {
		o.engineOpts = opts
	}
}

// FactoryOption is a functional option for configuring a Factory.
type FactoryOption func(*factoryOptions)

type factoryOptions struct {
	logger      *slog.Logger
	listPorts   PortLister
	openSerial  SerialOpener
	lookupHost  func(ctx context.Context, host string) ([]net.IPAddr, error)
	sessionOpts []SessionOption
}

func defaultFactoryOptions() *factoryOptions {
	return &factoryOptions{
		logger:     slog.Default(),
		listPorts:  ListSerialPorts,
		openSerial: OpenSerialPort,
		lookupHost: net.DefaultResolver.LookupIPAddr,
	}
}

// WithFactoryLogger sets the logger for the factory.
func WithFactoryLogger(logger *slog.Logger) FactoryOption {
	return func(o *factoryOptions) {
		o.logger = logger
	}
}

// WithPortLister replaces the serial port enumerator.
func WithPortLister(fn PortLister) FactoryOption {
	return func(o *factoryOptions) {
		o.listPorts = fn
	}
}

// WithSerialOpener replaces the function used to open serial ports.
func WithSerialOpener(fn SerialOpener) FactoryOption {
	return func(o *factoryOptions) {
		o.openSerial = fn
	}
}

// WithHostResolver replaces the DNS lookup used for TCP and UDP hosts.
func WithHostResolver(fn func(ctx context.Context, host string) ([]net.IPAddr, error)) FactoryOption {
	return func(o *factoryOptions) {
		o.lookupHost = fn
	}
}

// WithSessionOptions sets options applied to every session the factory builds.
func WithSessionOptions(opts ...SessionOption) FactoryOption {
	return func(o *factoryOptions) {
		o.sessionOpts = append(o.sessionOpts, opts...)
	}
}

// SimulatorOption is a functional option for configuring a Simulator.
type SimulatorOption func(*simulatorOptions)

type simulatorOptions struct {
	logger      *slog.Logger
	relayOpts   []RelayOption
	factoryOpts []FactoryOption
	sessionOpts []SessionOption
	logRequests bool
}

func defaultSimulatorOptions() *simulatorOptions {
	return &simulatorOptions{
		logger:      slog.Default(),
		logRequests: true,
	}
}

// WithSimulatorLogger sets the logger for the simulator and everything it builds.
func WithSimulatorLogger(logger *slog.Logger) SimulatorOption {
	return func(o *simulatorOptions) {
		o.logger = logger
	}
}

// WithRelayOptions sets the options of the simulator's relay.
func WithRelayOptions(opts ...RelayOption) SimulatorOption {
	return func(o *simulatorOptions) {
		o.relayOpts = append(o.relayOpts, opts...)
	}
}

// WithFactoryOptions sets the options of the simulator's transport factory.
func WithFactoryOptions(opts ...FactoryOption) SimulatorOption {
	return func(o *simulatorOptions) {
		o.factoryOpts = append(o.factoryOpts, opts...)
	}
}

// WithSimulatorSessionOptions sets options applied to every session the
// simulator opens.
func WithSimulatorSessionOptions(opts ...SessionOption) SimulatorOption {
	return func(o *simulatorOptions) {
		o.sessionOpts = append(o.sessionOpts, opts...)
	}
}

// WithInitialRequestLogging sets whether master requests are logged to the
// relay when the simulator starts.
func WithInitialRequestLogging(enabled bool) SimulatorOption {
	return func(o *simulatorOptions) {
		o.logRequests = enabled
	}
}
