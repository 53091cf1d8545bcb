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
	"encoding/hex"
	"fmt"
	"time"
)

// Serial framing limits.
const (
	// MaxRTUFrameSize is the largest RTU ADU: address + PDU + CRC.
	MaxRTUFrameSize = 256

	// MaxASCIIFrameSize is the largest ASCII frame including ':' and CRLF.
	MaxASCIIFrameSize = 513

	// BroadcastUnit is the RTU/ASCII broadcast address. Requests sent to it
	// are executed but never answered.
	BroadcastUnit UnitID = 0
)

// crc16 computes the Modbus CRC-16 (polynomial 0xA001, init 0xFFFF).
func crc16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// lrc computes the Modbus ASCII longitudinal redundancy check.
func lrc(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return -sum
}

// EncodeRTU builds an RTU ADU: unit, PDU, CRC low byte, CRC high byte.
func EncodeRTU(unit UnitID, pdu []byte) []byte {
	adu := make([]byte, 0, len(pdu)+3)
	adu = append(adu, byte(unit))
	adu = append(adu, pdu...)
	crc := crc16(adu)
	return append(adu, byte(crc), byte(crc>>8))
}

// DecodeRTU validates an RTU ADU and splits it into unit and PDU.
func DecodeRTU(adu []byte) (UnitID, []byte, error) {
	if len(adu) < 4 {
		return 0, nil, fmt.Errorf("%w: RTU frame too short (%d bytes)", ErrInvalidFrame, len(adu))
	}
	if len(adu) > MaxRTUFrameSize {
		return 0, nil, fmt.Errorf("%w: RTU frame too long (%d bytes)", ErrInvalidFrame, len(adu))
	}
	n := len(adu) - 2
	want := uint16(adu[n]) | uint16(adu[n+1])<<8
	if got := crc16(adu[:n]); got != want {
		return 0, nil, fmt.Errorf("%w: got %04X, frame carries %04X", ErrInvalidCRC, got, want)
	}
	pdu := make([]byte, n-1)
	copy(pdu, adu[1:n])
	return UnitID(adu[0]), pdu, nil
}

// rtuRequestLength returns the expected length of an RTU request given its
// leading bytes. It returns 0 when more bytes are needed to decide and -1
// when the function code has no known layout, in which case the frame ends
// at the next inter-frame gap.
func rtuRequestLength(buf []byte) int {
	if len(buf) < 2 {
		return 0
	}
	switch FunctionCode(buf[1]) {
	case FuncReadCoils, FuncReadDiscreteInputs, FuncReadHoldingRegisters,
		FuncReadInputRegisters, FuncWriteSingleCoil, FuncWriteSingleRegister,
		FuncDiagnostics:
		return 8
	case FuncReadExceptionStatus, FuncGetCommEventCounter, FuncReportServerID:
		return 4
	case FuncMaskWriteRegister:
		return 10
	case FuncWriteMultipleCoils, FuncWriteMultipleRegisters:
		if len(buf) < 7 {
			return 0
		}
		return 9 + int(buf[6])
	case FuncReadWriteMultipleRegisters:
		if len(buf) < 11 {
			return 0
		}
		return 13 + int(buf[10])
	default:
		return -1
	}
}

// rtuFrameGap returns the silent interval that terminates an RTU frame:
// 3.5 character times, fixed at 1750us above 19200 baud.
func rtuFrameGap(baud int) time.Duration {
	if baud <= 0 || baud > 19200 {
		return 1750 * time.Microsecond
	}
	// 11 bits per character on the wire.
	return time.Duration(35*11) * time.Second / time.Duration(10*baud)
}

// EncodeASCII builds an ASCII frame: ':' hex(unit PDU LRC) CRLF.
func EncodeASCII(unit UnitID, pdu []byte) []byte {
	raw := make([]byte, 0, len(pdu)+2)
	raw = append(raw, byte(unit))
	raw = append(raw, pdu...)
	raw = append(raw, lrc(raw))

	frame := make([]byte, 0, 3+2*len(raw))
	frame = append(frame, ':')
	frame = append(frame, bytes.ToUpper([]byte(hex.EncodeToString(raw)))...)
	return append(frame, '\r', '\n')
}

// DecodeASCII validates an ASCII frame and splits it into unit and PDU.
// The trailing CRLF is optional.
func DecodeASCII(frame []byte) (UnitID, []byte, error) {
	frame = bytes.TrimRight(frame, "\r\n")
	if len(frame) < 1 || frame[0] != ':' {
		return 0, nil, fmt.Errorf("%w: ASCII frame must start with ':'", ErrInvalidFrame)
	}
	body := frame[1:]
	if len(body) < 6 || len(body)%2 != 0 {
		return 0, nil, fmt.Errorf("%w: ASCII frame has %d hex digits", ErrInvalidFrame, len(body))
	}
	raw := make([]byte, len(body)/2)
	if _, err := hex.Decode(raw, body); err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	n := len(raw) - 1
	if got := lrc(raw[:n]); got != raw[n] {
		return 0, nil, fmt.Errorf("%w: got %02X, frame carries %02X", ErrInvalidLRC, got, raw[n])
	}
	pdu := make([]byte, n-1)
	copy(pdu, raw[1:n])
	return UnitID(raw[0]), pdu, nil
}
