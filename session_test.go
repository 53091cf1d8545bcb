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
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	goburrow "github.com/goburrow/modbus"
	mbclient "github.com/simonvetter/modbus"
	"go.bug.st/serial"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func loopback(port int) Config {
	return Config{Network: NetworkConfig{Host: "127.0.0.1", Port: port}}
}

func buildSession(t *testing.T, store *Store, kind TransportKind, cfg Config, opts ...SessionOption) *Session {
	t.Helper()
	f := NewFactory(store, WithFactoryLogger(discardLogger()))
	s, err := f.Build(context.Background(), kind, cfg, opts...)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func startSession(t *testing.T, store *Store, kind TransportKind, cfg Config, opts ...SessionOption) *Session {
	t.Helper()
	s := buildSession(t, store, kind, cfg, opts...)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return s
}

func TestSessionStateString(t *testing.T) {
	tests := []struct {
		state  SessionState
		expect string
		active bool
	}{
		{StateIdle, "idle", false},
		{StateStarting, "starting", true},
		{StateListening, "listening", true},
		{StateStopping, "stopping", true},
		{StateStopped, "stopped", false},
		{StateFailed, "failed", false},
	}

	for _, tt := range tests {
		t.Run(tt.expect, func(t *testing.T) {
			if got := tt.state.String(); got != tt.expect {
				t.Errorf("expected %s, got %s", tt.expect, got)
			}
			if got := tt.state.Active(); got != tt.active {
				t.Errorf("Active: expected %v, got %v", tt.active, got)
			}
		})
	}
}

func TestSession_CloseIdleIsNoop(t *testing.T) {
	s := buildSession(t, NewStore(), KindTCP, loopback(0))

	if err := s.Close(); err != nil {
		t.Fatalf("Close on idle session: %v", err)
	}
	if got := s.State(); got != StateIdle {
		t.Errorf("state: expected idle, got %s", got)
	}
	if s.ID() == "" {
		t.Error("session should carry an id")
	}
}

func TestSession_StartTwice(t *testing.T) {
	s := startSession(t, NewStore(), KindTCP, loopback(0))

	if err := s.Start(context.Background()); !errors.Is(err, ErrSessionState) {
		t.Errorf("second Start: expected ErrSessionState, got %v", err)
	}
}

func TestSession_ResourceUnavailable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	s := buildSession(t, NewStore(), KindTCP, loopback(port))
	if err := s.Start(context.Background()); !errors.Is(err, ErrResourceUnavailable) {
		t.Fatalf("expected ErrResourceUnavailable, got %v", err)
	}
	if got := s.State(); got != StateFailed {
		t.Errorf("state: expected failed, got %s", got)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close on failed session: %v", err)
	}
}

func TestSession_CloseThenReopenSamePort(t *testing.T) {
	store := NewStore()
	s := startSession(t, store, KindTCP, loopback(0))
	if got := s.State(); got != StateListening {
		t.Fatalf("state: expected listening, got %s", got)
	}
	_, portStr, _ := net.SplitHostPort(s.Addr())
	port, _ := strconv.Atoi(portStr)

	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if got := s.State(); got != StateStopped {
		t.Errorf("state: expected stopped, got %s", got)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	again := startSession(t, store, KindTCP, loopback(port))
	if got := again.State(); got != StateListening {
		t.Errorf("reopened state: expected listening, got %s", got)
	}
}

func TestSession_TCPWithGoburrowMaster(t *testing.T) {
	store := NewStore()
	store.Set(HoldingRegisters, 0, 1234)
	relay := NewRelay()
	s := startSession(t, store, KindTCP, loopback(0), WithRelay(relay))

	handler := goburrow.NewTCPClientHandler(s.Addr())
	handler.Timeout = 2 * time.Second
	handler.SlaveId = 1
	if err := handler.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	client := goburrow.NewClient(handler)

	results, err := client.ReadHoldingRegisters(0, 1)
	if err != nil {
		t.Fatalf("ReadHoldingRegisters failed: %v", err)
	}
	if !bytes.Equal(results, []byte{0x04, 0xD2}) {
		t.Errorf("Expected 04d2, got %x", results)
	}

	if _, err := client.WriteSingleRegister(5, 4321); err != nil {
		t.Fatalf("WriteSingleRegister failed: %v", err)
	}
	if v, _ := store.Get(HoldingRegisters, 5); v != 4321 {
		t.Errorf("register 5: expected 4321, got %d", v)
	}

	// The master goes away; the session keeps accepting.
	handler.Close()
	waitFor(t, "peer disconnect", func() bool {
		return s.Metrics().PeerDisconnects.Value() == 1
	})
	if got := s.State(); got != StateListening {
		t.Fatalf("state after disconnect: expected listening, got %s", got)
	}

	handler2 := goburrow.NewTCPClientHandler(s.Addr())
	handler2.Timeout = 2 * time.Second
	if err := handler2.Connect(); err != nil {
		t.Fatalf("reconnect failed: %v", err)
	}
	defer handler2.Close()
	results, err = goburrow.NewClient(handler2).ReadHoldingRegisters(5, 1)
	if err != nil {
		t.Fatalf("read after reconnect failed: %v", err)
	}
	if !bytes.Equal(results, []byte{0x10, 0xE1}) {
		t.Errorf("Expected 10e1, got %x", results)
	}

	var statuses []string
	for e := range relay.Drain() {
		if e.Kind == ConnectionStatus {
			statuses = append(statuses, e.Text)
		}
	}
	joined := strings.Join(statuses, "|")
	for _, want := range []string{"listening on", "comms okay", "master closed connection"} {
		if !strings.Contains(joined, want) {
			t.Errorf("status events %q should contain %q", joined, want)
		}
	}
	if n := strings.Count(joined, "comms okay"); n != 2 {
		t.Errorf("expected comms okay once per master, got %d in %q", n, joined)
	}
	closedAt := strings.Index(joined, "master closed connection")
	if last := strings.LastIndex(joined, "comms okay"); last < closedAt {
		t.Errorf("comms okay should follow the disconnect in %q", joined)
	}
}

func TestSession_TCPWithSimonvetterMaster(t *testing.T) {
	store := NewStore()
	store.Set(InputRegisters, 7, 65535)
	s := startSession(t, store, KindTCP, loopback(0))

	client, err := mbclient.NewClient(&mbclient.ClientConfiguration{
		URL:     "tcp://" + s.Addr(),
		Timeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if err := client.Open(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer client.Close()

	v, err := client.ReadRegister(7, mbclient.INPUT_REGISTER)
	if err != nil {
		t.Fatalf("ReadRegister failed: %v", err)
	}
	if v != 65535 {
		t.Errorf("input register 7: expected 65535, got %d", v)
	}

	if err := client.WriteRegister(100, 0xBEEF); err != nil {
		t.Fatalf("WriteRegister failed: %v", err)
	}
	hr, err := client.ReadRegister(100, mbclient.HOLDING_REGISTER)
	if err != nil {
		t.Fatalf("ReadRegister failed: %v", err)
	}
	if hr != 0xBEEF {
		t.Errorf("holding register 100: expected 0xBEEF, got 0x%04X", hr)
	}

	if err := client.WriteCoil(3, true); err != nil {
		t.Fatalf("WriteCoil failed: %v", err)
	}
	if on, _ := store.GetBool(CoilDiscretes, 3); !on {
		t.Error("coil 3 should be set")
	}

	if got := s.Metrics().RequestsTotal.Value(); got != 4 {
		t.Errorf("RequestsTotal: expected 4, got %d", got)
	}
}

func TestSession_UDP(t *testing.T) {
	store := NewStore()
	store.Set(HoldingRegisters, 2, 0x0102)
	s := startSession(t, store, KindUDP, loopback(0))

	conn, err := net.Dial("udp", s.Addr())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	req := Frame{
		Header: MBAPHeader{TransactionID: 0x1234, UnitID: 1},
		PDU:    readPDU(FuncReadHoldingRegisters, 2, 1),
	}
	if _, err := conn.Write(req.Encode()); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 300)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}

	var resp Frame
	if err := resp.Decode(buf[:n]); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if resp.Header.TransactionID != 0x1234 {
		t.Errorf("TransactionID: expected 0x1234, got 0x%04X", resp.Header.TransactionID)
	}
	expected := []byte{0x03, 0x02, 0x01, 0x02}
	if !bytes.Equal(resp.PDU, expected) {
		t.Errorf("PDU: expected %x, got %x", expected, resp.PDU)
	}

	// A malformed datagram is dropped and the loop continues.
	conn.Write([]byte{0x00, 0x01, 0x00})
	waitFor(t, "dropped frame", func() bool {
		return s.Metrics().FramesDropped.Value() == 1
	})
	if got := s.State(); got != StateListening {
		t.Errorf("state: expected listening, got %s", got)
	}
}

// fakePort is an in-memory serial port. Bytes sent with feed are returned by
// Read; bytes the session writes are collected on tx.
type fakePort struct {
	rx      chan []byte
	tx      chan []byte
	errs    chan error
	closed  chan struct{}
	once    sync.Once
	pending []byte

	mu      sync.Mutex
	timeout time.Duration
	dtr     bool
	rts     bool
}

func newFakePort() *fakePort {
	return &fakePort{
		rx:      make(chan []byte, 16),
		tx:      make(chan []byte, 16),
		errs:    make(chan error, 1),
		closed:  make(chan struct{}),
		timeout: 10 * time.Millisecond,
	}
}

func (p *fakePort) feed(data []byte) {
	p.rx <- append([]byte(nil), data...)
}

func (p *fakePort) Read(b []byte) (int, error) {
	if len(p.pending) > 0 {
		n := copy(b, p.pending)
		p.pending = p.pending[n:]
		return n, nil
	}
	p.mu.Lock()
	timeout := p.timeout
	p.mu.Unlock()

	select {
	case data := <-p.rx:
		n := copy(b, data)
		p.pending = data[n:]
		return n, nil
	case err := <-p.errs:
		return 0, err
	case <-p.closed:
		return 0, errors.New("port closed")
	case <-time.After(timeout):
		return 0, nil
	}
}

func (p *fakePort) Write(b []byte) (int, error) {
	select {
	case <-p.closed:
		return 0, errors.New("port closed")
	case p.tx <- append([]byte(nil), b...):
		return len(b), nil
	}
}

func (p *fakePort) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *fakePort) SetReadTimeout(d time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	// Keep the fake responsive regardless of the requested poll interval.
	if d < p.timeout {
		p.timeout = d
	}
	return nil
}

func (p *fakePort) ResetInputBuffer() error  { return nil }
func (p *fakePort) ResetOutputBuffer() error { return nil }

func (p *fakePort) SetDTR(v bool) error {
	p.mu.Lock()
	p.dtr = v
	p.mu.Unlock()
	return nil
}

func (p *fakePort) SetRTS(v bool) error {
	p.mu.Lock()
	p.rts = v
	p.mu.Unlock()
	return nil
}

func (p *fakePort) expect(t *testing.T, want []byte) {
	t.Helper()
	var got []byte
	deadline := time.After(2 * time.Second)
	for len(got) < len(want) {
		select {
		case b := <-p.tx:
			got = append(got, b...)
		case <-deadline:
			t.Fatalf("timed out waiting for %x, got %x", want, got)
		}
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("Expected %x, got %x", want, got)
	}
}

func (p *fakePort) expectSilence(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case b := <-p.tx:
		t.Fatalf("expected no reply, got %x", b)
	case <-time.After(d):
	}
}

func serialSession(t *testing.T, store *Store, kind TransportKind, port SerialPort, opts ...SessionOption) *Session {
	t.Helper()
	f := NewFactory(store,
		WithFactoryLogger(discardLogger()),
		WithPortLister(func() ([]string, error) { return []string{"fake0"}, nil }),
		WithSerialOpener(func(name string, mode *serial.Mode) (SerialPort, error) {
			if name != "fake0" || mode.BaudRate != 9600 {
				t.Errorf("unexpected open of %s at %d baud", name, mode.BaudRate)
			}
			return port, nil
		}))
	cfg := DefaultConfig()
	cfg.Serial.Port = "fake0"
	s, err := f.Build(context.Background(), kind, cfg, opts...)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSession_RTU(t *testing.T) {
	store := NewStore()
	store.Set(HoldingRegisters, 0, 1234)
	port := newFakePort()
	s := serialSession(t, store, KindRTU, port)

	if !port.dtr || !port.rts {
		t.Error("DTR and RTS should be asserted on open")
	}

	port.feed(EncodeRTU(1, readPDU(FuncReadHoldingRegisters, 0, 1)))
	port.expect(t, EncodeRTU(1, []byte{0x03, 0x02, 0x04, 0xD2}))

	// A frame split across reads is reassembled.
	adu := EncodeRTU(7, []byte{0x06, 0x00, 0x01, 0x00, 0x2A})
	port.feed(adu[:3])
	port.feed(adu[3:])
	port.expect(t, adu)
	if v, _ := store.Get(HoldingRegisters, 1); v != 42 {
		t.Errorf("register 1: expected 42, got %d", v)
	}

	// Corrupted CRC is dropped without a reply.
	bad := EncodeRTU(1, readPDU(FuncReadHoldingRegisters, 0, 1))
	bad[len(bad)-1] ^= 0xFF
	port.feed(bad)
	port.expectSilence(t, 100*time.Millisecond)
	if got := s.Metrics().FramesDropped.Value(); got != 1 {
		t.Errorf("FramesDropped: expected 1, got %d", got)
	}

	// Broadcast writes are applied but never answered.
	port.feed(EncodeRTU(BroadcastUnit, []byte{0x06, 0x00, 0x02, 0x00, 0x09}))
	port.expectSilence(t, 100*time.Millisecond)
	if v, _ := store.Get(HoldingRegisters, 2); v != 9 {
		t.Errorf("register 2: expected 9, got %d", v)
	}
	if got := s.Metrics().Broadcasts.Value(); got != 1 {
		t.Errorf("Broadcasts: expected 1, got %d", got)
	}
}

func TestSession_RTUUnknownFunctionEndsAtGap(t *testing.T) {
	port := newFakePort()
	serialSession(t, NewStore(), KindRTU, port)

	port.feed(EncodeRTU(1, []byte{0x2B, 0x0E, 0x01, 0x00}))
	port.expect(t, EncodeRTU(1, []byte{0xAB, 0x01}))
}

func TestSession_ASCII(t *testing.T) {
	store := NewStore()
	store.Set(HoldingRegisters, 0, 1)
	port := newFakePort()
	serialSession(t, store, KindASCII, port)

	// Line noise before the start character is skipped.
	port.feed(append([]byte("xx"), EncodeASCII(1, readPDU(FuncReadHoldingRegisters, 0, 1))...))
	port.expect(t, EncodeASCII(1, []byte{0x03, 0x02, 0x00, 0x01}))

	frame := EncodeASCII(2, []byte{0x05, 0x00, 0x04, 0xFF, 0x00})
	port.feed(frame[:5])
	port.feed(frame[5:])
	port.expect(t, frame)
	if on, _ := store.GetBool(CoilDiscretes, 4); !on {
		t.Error("coil 4 should be set")
	}
}

func TestSession_SerialFaultStops(t *testing.T) {
	port := newFakePort()
	stopped := make(chan error, 1)
	s := serialSession(t, NewStore(), KindRTU, port,
		WithOnStopped(func(_ *Session, err error) { stopped <- err }))

	port.errs <- errors.New("device removed")

	select {
	case err := <-stopped:
		if !errors.Is(err, ErrTransportFault) {
			t.Errorf("expected ErrTransportFault, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnStopped was not called")
	}
	if got := s.State(); got != StateStopped {
		t.Errorf("state: expected stopped, got %s", got)
	}
	if !errors.Is(s.Err(), ErrTransportFault) {
		t.Errorf("Err: expected ErrTransportFault, got %v", s.Err())
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close after fault: %v", err)
	}
}

func TestSession_SerialPeerEOFKeepsListening(t *testing.T) {
	port := newFakePort()
	s := serialSession(t, NewStore(), KindRTU, port)

	port.errs <- io.EOF
	waitFor(t, "peer disconnect", func() bool {
		return s.Metrics().PeerDisconnects.Value() == 1
	})
	if got := s.State(); got != StateListening {
		t.Fatalf("state: expected listening, got %s", got)
	}

	port.feed(EncodeRTU(1, readPDU(FuncReadCoils, 0, 1)))
	port.expect(t, EncodeRTU(1, []byte{0x01, 0x01, 0x00}))
}

// stuckPort is a serial port whose Read blocks until the test releases it,
// even after Close.
type stuckPort struct {
	*fakePort
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (p *stuckPort) Read([]byte) (int, error) {
	p.once.Do(func() { close(p.entered) })
	<-p.release
	return 0, errors.New("port closed")
}

func TestSession_CloseSlowWorker(t *testing.T) {
	port := &stuckPort{
		fakePort: newFakePort(),
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	s := serialSession(t, NewStore(), KindRTU, port, WithJoinTimeout(100*time.Millisecond))
	defer close(port.release)

	select {
	case <-port.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never reached Read")
	}

	start := time.Now()
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond || elapsed > time.Second {
		t.Errorf("Close should return after the join timeout, took %v", elapsed)
	}
	if got := s.State(); got != StateStopped {
		t.Errorf("state: expected stopped, got %s", got)
	}
	select {
	case <-s.Done():
		t.Error("worker should still be running")
	default:
	}
}
