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
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// SessionState represents the lifecycle state of a transport session.
type SessionState int32

const (
	StateIdle SessionState = iota
	StateStarting
	StateListening
	StateStopping
	StateStopped
	StateFailed
)

// String returns the string representation of the session state.
func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateListening:
		return "listening"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Active reports whether the session holds or is acquiring its resource.
func (s SessionState) Active() bool {
	return s == StateStarting || s == StateListening || s == StateStopping
}

// transport is one binding of the engine to a medium.
type transport interface {
	// open acquires the port or socket.
	open(ctx context.Context) error
	// serve runs the receive loop. It returns nil once close has been
	// called and an error for any fault it cannot recover from.
	serve(ctx context.Context) error
	// close releases the resource and unblocks serve. It is idempotent.
	close() error
	// addr describes the bound endpoint.
	addr() string
}

// timeNow is a variable for testing
var timeNow = time.Now

// Session binds one transport to the store for one listen period. A session
// is started once; reopening a transport builds a new session.
type Session struct {
	id        string
	kind      TransportKind
	cfg       Config
	engine    *Engine
	transport transport
	opts      *sessionOptions
	metrics   *SessionMetrics
	logger    *slog.Logger

	mu      sync.Mutex
	state   atomic.Int32
	cancel  context.CancelFunc
	done    chan struct{}
	lastErr error

	commsOK atomic.Bool
}

func newSession(kind TransportKind, cfg Config, store *Store, opts ...SessionOption) *Session {
	options := defaultSessionOptions()
	for _, opt := range opts {
		opt(options)
	}

	id := uuid.NewString()
	s := &Session{
		id:      id,
		kind:    kind,
		cfg:     cfg,
		opts:    options,
		metrics: NewSessionMetrics(),
		logger: options.logger.With(
			slog.String("session", id),
			slog.String("transport", kind.String())),
	}

	engineOpts := append([]EngineOption{WithEngineLogger(s.logger)}, options.engineOpts...)
	engineOpts = append(engineOpts, WithOnRequest(s.onRequest), WithOnAccess(s.onAccess))
	s.engine = NewEngine(store, engineOpts...)
	return s
}

// ID returns the session's unique identifier.
func (s *Session) ID() string {
	return s.id
}

// Kind returns the transport kind.
func (s *Session) Kind() TransportKind {
	return s.kind
}

// Config returns the configuration the session was built with.
func (s *Session) Config() Config {
	return s.cfg
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Metrics returns the session metrics.
func (s *Session) Metrics() *SessionMetrics {
	return s.metrics
}

// Addr describes the bound endpoint, such as "127.0.0.1:502" or "/dev/ttyUSB0".
func (s *Session) Addr() string {
	return s.transport.addr()
}

// Err returns the error that failed or stopped the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Done returns a channel closed when the worker has exited. It is nil before
// a successful Start.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *Session) setState(st SessionState) {
	s.state.Store(int32(st))
}

// Start acquires the transport's resource and launches the worker. It is
// valid only on an idle session.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st := s.State(); st != StateIdle {
		return fmt.Errorf("%w: cannot start a %s session", ErrSessionState, st)
	}
	s.setState(StateStarting)

	if err := s.transport.open(ctx); err != nil {
		s.lastErr = fmt.Errorf("%w: %s %s: %v", ErrResourceUnavailable, s.kind, s.transport.addr(), err)
		s.setState(StateFailed)
		s.status(slog.LevelError, "failed to open: "+err.Error())
		return s.lastErr
	}

	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.done = make(chan struct{})
	s.commsOK.Store(false)
	s.setState(StateListening)
	s.status(slog.LevelInfo, "listening on "+s.transport.addr())

	go s.run(workerCtx, s.done)
	return nil
}

// Close stops the worker and releases the resource. It is idempotent and a
// no-op on idle, stopped or failed sessions. A request already received is
// answered before the worker exits. If the worker does not exit within the
// join timeout the session is marked stopped anyway.
func (s *Session) Close() error {
	s.mu.Lock()
	switch st := s.State(); st {
	case StateIdle, StateStopped, StateFailed:
		s.mu.Unlock()
		return nil
	case StateStopping:
		done := s.done
		s.mu.Unlock()
		s.join(done)
		return nil
	}
	s.setState(StateStopping)
	done := s.done
	s.mu.Unlock()

	s.cancel()
	err := s.transport.close()
	s.join(done)
	s.setState(StateStopped)
	s.status(slog.LevelInfo, "stopped")

	if err != nil {
		s.logger.Warn("close error", slog.String("error", err.Error()))
		return fmt.Errorf("%w: close: %v", ErrTransportFault, err)
	}
	return nil
}

func (s *Session) join(done <-chan struct{}) {
	if done == nil {
		return
	}
	timer := time.NewTimer(s.opts.joinTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		s.logger.Warn("worker did not exit in time",
			slog.Duration("timeout", s.opts.joinTimeout))
	}
}

func (s *Session) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	err := s.serve(ctx)
	if ctx.Err() != nil {
		return
	}
	if err == nil {
		err = fmt.Errorf("%w: receive loop exited", ErrTransportFault)
	}
	s.fault(err)
}

func (s *Session) serve(ctx context.Context) (err error) {
	defer func() {
		// Recover from panic so a transport bug cannot take the process down
		if r := recover(); r != nil {
			s.logger.Error("panic in transport worker",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("%w: panic: %v", ErrTransportFault, r)
		}
	}()
	return s.transport.serve(ctx)
}

// fault stops a listening session after an unrecoverable transport error.
func (s *Session) fault(err error) {
	s.mu.Lock()
	if s.State() != StateListening {
		s.mu.Unlock()
		return
	}
	s.setState(StateStopping)
	s.lastErr = err
	s.mu.Unlock()

	s.cancel()
	s.transport.close()
	s.setState(StateStopped)
	s.status(slog.LevelError, "transport fault: "+err.Error())

	if s.opts.onStopped != nil {
		s.opts.onStopped(s, err)
	}
}

// handle runs one request through the engine.
func (s *Session) handle(unit UnitID, pdu []byte) []byte {
	start := timeNow()
	resp := s.engine.Process(unit, pdu)

	var fc FunctionCode
	if len(pdu) > 0 {
		fc = FunctionCode(pdu[0])
	}
	s.metrics.observe(fc, IsExceptionPDU(resp), timeNow().Sub(start))
	return resp
}

// peerClosed records a master disconnect. The session keeps listening and
// reports comms okay again on the next store access.
func (s *Session) peerClosed(remote string) {
	s.commsOK.Store(false)
	s.status(slog.LevelInfo, "master closed connection "+remote)
	s.metrics.PeerDisconnects.Add(1)
}

// frameDropped records a frame discarded by the framing layer.
func (s *Session) frameDropped(err error) {
	s.metrics.FramesDropped.Add(1)
	s.logger.Debug("frame dropped", slog.String("error", err.Error()))
}

func (s *Session) status(level slog.Level, text string) {
	s.logger.Log(context.Background(), level, text)
	if s.opts.relay != nil {
		s.opts.relay.PublishStatus(s.id, text)
	}
}

func (s *Session) onRequest(req Request) {
	if s.opts.relay != nil && s.opts.logRequests() {
		s.opts.relay.PublishRequest(s.id, req.String())
	}
}

func (s *Session) onAccess(Access) {
	if !s.commsOK.Swap(true) {
		s.status(slog.LevelInfo, "comms okay")
	}
}
