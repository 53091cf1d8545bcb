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
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
)

// serialPollInterval is the read timeout of the serial receive loop. It
// bounds how quickly a stop request is noticed.
const serialPollInterval = 50 * time.Millisecond

// SerialPort is the subset of go.bug.st/serial.Port the serial transports use.
type SerialPort interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
	ResetOutputBuffer() error
	SetDTR(dtr bool) error
	SetRTS(rts bool) error
}

// SerialOpener opens a serial port.
type SerialOpener func(name string, mode *serial.Mode) (SerialPort, error)

// PortLister enumerates the serial ports present on the system.
type PortLister func() ([]string, error)

// OpenSerialPort opens a serial port with go.bug.st/serial.
func OpenSerialPort(name string, mode *serial.Mode) (SerialPort, error) {
	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, err
	}
	return port, nil
}

// ListSerialPorts enumerates serial ports with go.bug.st/serial.
func ListSerialPorts() ([]string, error) {
	return serial.GetPortsList()
}

// serialTransport serves RTU or ASCII frames on one serial port.
type serialTransport struct {
	s      *Session
	name   string
	mode   *serial.Mode
	ascii  bool
	opener SerialOpener

	mu     sync.Mutex
	port   SerialPort
	closed atomic.Bool
}

func newSerialTransport(s *Session, name string, mode *serial.Mode, ascii bool, opener SerialOpener) *serialTransport {
	return &serialTransport{
		s:      s,
		name:   name,
		mode:   mode,
		ascii:  ascii,
		opener: opener,
	}
}

func (t *serialTransport) open(ctx context.Context) error {
	port, err := t.opener(t.name, t.mode)
	if err != nil {
		return err
	}
	if err := port.SetReadTimeout(serialPollInterval); err != nil {
		port.Close()
		return err
	}
	// No handshake; both modem lines are asserted for adapters that need them.
	if err := port.SetDTR(true); err != nil {
		t.s.logger.Debug("set DTR", slog.String("error", err.Error()))
	}
	if err := port.SetRTS(true); err != nil {
		t.s.logger.Debug("set RTS", slog.String("error", err.Error()))
	}

	t.mu.Lock()
	t.port = port
	t.mu.Unlock()
	return nil
}

func (t *serialTransport) addr() string {
	return t.name
}

func (t *serialTransport) close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return nil
	}
	t.port.ResetInputBuffer()
	t.port.ResetOutputBuffer()
	return t.port.Close()
}

func (t *serialTransport) serve(ctx context.Context) error {
	t.mu.Lock()
	port := t.port
	t.mu.Unlock()
	if port == nil {
		return fmt.Errorf("%w: port not open", ErrTransportFault)
	}

	var buf []byte
	chunk := make([]byte, MaxASCIIFrameSize)
	eof := false

	for {
		if t.closed.Load() || ctx.Err() != nil {
			return nil
		}

		n, err := port.Read(chunk)
		if err != nil {
			if t.closed.Load() || ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				// The other end of a virtual port went away; wait for it to return.
				if !eof {
					eof = true
					buf = buf[:0]
					t.s.peerClosed(t.name)
				}
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(serialPollInterval):
				}
				continue
			}
			return fmt.Errorf("%w: read %s: %v", ErrTransportFault, t.name, err)
		}
		eof = false

		if t.ascii {
			buf = append(buf, chunk[:n]...)
			buf, err = t.processASCII(port, buf)
		} else if n == 0 {
			buf, err = t.rtuSilence(port, buf)
		} else {
			buf = append(buf, chunk[:n]...)
			buf, err = t.processRTU(port, buf)
		}
		if err != nil {
			if t.closed.Load() {
				return nil
			}
			return err
		}
	}
}

// processRTU consumes every complete request at the head of buf.
func (t *serialTransport) processRTU(port SerialPort, buf []byte) ([]byte, error) {
	for {
		want := rtuRequestLength(buf)
		if want <= 0 || len(buf) < want {
			break
		}
		if err := t.rtuFrame(port, buf[:want]); err != nil {
			return buf[:0], err
		}
		buf = append(buf[:0], buf[want:]...)
	}
	if len(buf) > MaxRTUFrameSize {
		t.s.frameDropped(fmt.Errorf("%w: %d bytes without a frame boundary", ErrInvalidFrame, len(buf)))
		return buf[:0], nil
	}
	return buf, nil
}

// rtuSilence handles a quiet line: it ends a frame of unknown layout and
// discards a partial one.
func (t *serialTransport) rtuSilence(port SerialPort, buf []byte) ([]byte, error) {
	if len(buf) == 0 {
		return buf, nil
	}
	if rtuRequestLength(buf) < 0 {
		err := t.rtuFrame(port, buf)
		return buf[:0], err
	}
	t.s.frameDropped(fmt.Errorf("%w: incomplete RTU frame (%d bytes)", ErrInvalidFrame, len(buf)))
	return buf[:0], nil
}

func (t *serialTransport) rtuFrame(port SerialPort, adu []byte) error {
	unit, pdu, err := DecodeRTU(adu)
	if err != nil {
		t.s.frameDropped(err)
		return nil
	}
	resp := t.s.handle(unit, pdu)
	if unit == BroadcastUnit {
		t.s.metrics.Broadcasts.Add(1)
		return nil
	}
	if _, err := port.Write(EncodeRTU(unit, resp)); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrTransportFault, t.name, err)
	}
	return nil
}

// processASCII consumes every complete ':' ... LF frame in buf.
func (t *serialTransport) processASCII(port SerialPort, buf []byte) ([]byte, error) {
	for {
		start := bytes.IndexByte(buf, ':')
		if start < 0 {
			return buf[:0], nil
		}
		if start > 0 {
			buf = append(buf[:0], buf[start:]...)
		}
		end := bytes.IndexByte(buf, '\n')
		if end < 0 {
			if len(buf) > MaxASCIIFrameSize {
				t.s.frameDropped(fmt.Errorf("%w: ASCII frame without terminator", ErrInvalidFrame))
				return buf[:0], nil
			}
			return buf, nil
		}
		// A new ':' before the terminator restarts the frame.
		if next := bytes.IndexByte(buf[1:end], ':'); next >= 0 {
			t.s.frameDropped(fmt.Errorf("%w: ASCII frame restarted", ErrInvalidFrame))
			buf = append(buf[:0], buf[1+next:]...)
			continue
		}

		if err := t.asciiFrame(port, buf[:end+1]); err != nil {
			return buf[:0], err
		}
		buf = append(buf[:0], buf[end+1:]...)
	}
}

func (t *serialTransport) asciiFrame(port SerialPort, frame []byte) error {
	unit, pdu, err := DecodeASCII(frame)
	if err != nil {
		t.s.frameDropped(err)
		return nil
	}
	resp := t.s.handle(unit, pdu)
	if unit == BroadcastUnit {
		t.s.metrics.Broadcasts.Add(1)
		return nil
	}
	if _, err := port.Write(EncodeASCII(unit, resp)); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrTransportFault, t.name, err)
	}
	return nil
}
