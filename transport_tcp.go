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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// tcpTransport serves MBAP frames to any number of concurrent masters.
type tcpTransport struct {
	s       *Session
	address string

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   atomic.Bool
	wg       sync.WaitGroup
}

func newTCPTransport(s *Session, address string) *tcpTransport {
	return &tcpTransport{
		s:       s,
		address: address,
		conns:   make(map[net.Conn]struct{}),
	}
}

func (t *tcpTransport) open(ctx context.Context) error {
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", t.address)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.listener = listener
	t.mu.Unlock()
	return nil
}

func (t *tcpTransport) addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener != nil {
		return t.listener.Addr().String()
	}
	return t.address
}

func (t *tcpTransport) serve(ctx context.Context) error {
	defer t.wg.Wait()

	t.mu.Lock()
	listener := t.listener
	t.mu.Unlock()
	if listener == nil {
		return fmt.Errorf("%w: listener not open", ErrTransportFault)
	}

	for {
		conn, err := listener.Accept()
		if err != nil {
			if t.closed.Load() || ctx.Err() != nil {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return fmt.Errorf("%w: accept: %v", ErrTransportFault, err)
		}

		t.mu.Lock()
		if len(t.conns) >= t.s.opts.maxConns {
			t.mu.Unlock()
			t.s.logger.Warn("max connections reached, rejecting",
				slog.String("remote", conn.RemoteAddr().String()))
			conn.Close()
			continue
		}
		t.conns[conn] = struct{}{}
		t.s.metrics.ActiveConns.Add(1)
		t.s.metrics.TotalConns.Add(1)
		t.mu.Unlock()

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetKeepAlive(true)
			tcpConn.SetKeepAlivePeriod(30 * time.Second)
			tcpConn.SetNoDelay(true)
		}

		t.wg.Add(1)
		go t.handleConn(conn)
	}
}

func (t *tcpTransport) close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	var err error
	if t.listener != nil {
		err = t.listener.Close()
	}
	for conn := range t.conns {
		conn.Close()
	}
	return err
}

func (t *tcpTransport) handleConn(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	defer func() {
		// Recover from panic to keep the accept loop alive
		if r := recover(); r != nil {
			t.s.logger.Error("panic in connection handler",
				slog.String("remote", remote),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}

		t.wg.Done()
		conn.Close()
		t.mu.Lock()
		delete(t.conns, conn)
		t.s.metrics.ActiveConns.Add(-1)
		t.mu.Unlock()
	}()

	t.s.logger.Debug("connection accepted", slog.String("remote", remote))

	for {
		if t.closed.Load() {
			return
		}

		if timeout := t.s.opts.readTimeout; timeout > 0 {
			conn.SetReadDeadline(timeNow().Add(timeout))
		}

		frame, err := ReadFrame(conn)
		if err != nil {
			if t.closed.Load() {
				return
			}
			switch {
			case isPeerClosed(err):
				t.s.peerClosed(remote)
			case errors.Is(err, ErrInvalidFrame):
				// The stream cannot be resynchronized after a bad header.
				t.s.frameDropped(err)
			default:
				t.s.logger.Debug("read error",
					slog.String("remote", remote),
					slog.String("error", err.Error()))
			}
			return
		}

		resp := Frame{
			Header: MBAPHeader{
				TransactionID: frame.Header.TransactionID,
				ProtocolID:    ProtocolID,
				UnitID:        frame.Header.UnitID,
			},
			PDU: t.s.handle(frame.Header.UnitID, frame.PDU),
		}

		if timeout := t.s.opts.readTimeout; timeout > 0 {
			conn.SetWriteDeadline(timeNow().Add(timeout))
		}
		if _, err := conn.Write(resp.Encode()); err != nil {
			if isPeerClosed(err) && !t.closed.Load() {
				t.s.peerClosed(remote)
			}
			return
		}
	}
}

// isPeerClosed reports whether err means the master went away.
func isPeerClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
