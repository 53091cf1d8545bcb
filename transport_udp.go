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
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
)

// udpTransport serves one MBAP frame per datagram and replies to the sender.
type udpTransport struct {
	s       *Session
	address string

	mu     sync.Mutex
	conn   net.PacketConn
	closed atomic.Bool
}

func newUDPTransport(s *Session, address string) *udpTransport {
	return &udpTransport{s: s, address: address}
}

func (t *udpTransport) open(ctx context.Context) error {
	var lc net.ListenConfig
	conn, err := lc.ListenPacket(ctx, "udp", t.address)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	return nil
}

func (t *udpTransport) addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return t.conn.LocalAddr().String()
	}
	return t.address
}

func (t *udpTransport) serve(ctx context.Context) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%w: socket not open", ErrTransportFault)
	}

	buf := make([]byte, MBAPHeaderSize+MaxPDUSize)
	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			if t.closed.Load() || ctx.Err() != nil {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return fmt.Errorf("%w: read: %v", ErrTransportFault, err)
		}

		var frame Frame
		if err := frame.Decode(buf[:n]); err != nil {
			t.s.frameDropped(err)
			continue
		}

		resp := Frame{
			Header: MBAPHeader{
				TransactionID: frame.Header.TransactionID,
				ProtocolID:    ProtocolID,
				UnitID:        frame.Header.UnitID,
			},
			PDU: t.s.handle(frame.Header.UnitID, frame.PDU),
		}
		if _, err := conn.WriteTo(resp.Encode(), peer); err != nil {
			if t.closed.Load() {
				return nil
			}
			t.s.logger.Debug("write error",
				slog.String("remote", peer.String()),
				slog.String("error", err.Error()))
		}
	}
}

func (t *udpTransport) close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}
