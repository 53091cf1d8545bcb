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

// Package modbus provides a Modbus slave simulator: a shared register store
// served over serial RTU, serial ASCII, TCP and UDP transports that can be
// opened, closed and swapped at runtime.
package modbus

import (
	"fmt"
	"strings"
	"time"
)

// UnitID represents the Modbus unit identifier (slave address).
type UnitID uint8

// FunctionCode represents a Modbus function code.
type FunctionCode uint8

// Function codes served by the simulator.
const (
	FuncReadCoils                  FunctionCode = 0x01
	FuncReadDiscreteInputs         FunctionCode = 0x02
	FuncReadHoldingRegisters       FunctionCode = 0x03
	FuncReadInputRegisters         FunctionCode = 0x04
	FuncWriteSingleCoil            FunctionCode = 0x05
	FuncWriteSingleRegister        FunctionCode = 0x06
	FuncReadExceptionStatus        FunctionCode = 0x07
	FuncDiagnostics                FunctionCode = 0x08
	FuncGetCommEventCounter        FunctionCode = 0x0B
	FuncWriteMultipleCoils         FunctionCode = 0x0F
	FuncWriteMultipleRegisters     FunctionCode = 0x10
	FuncReportServerID             FunctionCode = 0x11
	FuncMaskWriteRegister          FunctionCode = 0x16
	FuncReadWriteMultipleRegisters FunctionCode = 0x17
)

// DiagReturnQueryData is the only diagnostics sub-function (FC08) served.
const DiagReturnQueryData uint16 = 0x00

// Protocol constants.
const (
	// MaxQuantityCoils is the maximum number of coils that can be read/written.
	MaxQuantityCoils = 2000

	// MaxQuantityDiscreteInputs is the maximum number of discrete inputs that can be read.
	MaxQuantityDiscreteInputs = 2000

	// MaxQuantityRegisters is the maximum number of registers that can be read.
	MaxQuantityRegisters = 125

	// MaxQuantityWriteRegisters is the maximum number of registers that can be written.
	MaxQuantityWriteRegisters = 123

	// MaxQuantityReadWriteRegisters is the write limit of FC23.
	MaxQuantityReadWriteRegisters = 121

	// MBAPHeaderSize is the size of the MBAP header in bytes.
	MBAPHeaderSize = 7

	// MaxPDUSize is the largest PDU carried by any framing.
	MaxPDUSize = 253

	// ProtocolID is the Modbus protocol identifier (always 0 for Modbus TCP).
	ProtocolID = 0

	// DefaultPort is the default Modbus TCP port.
	DefaultPort = 502

	// DefaultJoinTimeout bounds how long closing a session waits for its worker.
	DefaultJoinTimeout = 500 * time.Millisecond
)

// Coil values for write operations.
const (
	CoilOn  uint16 = 0xFF00
	CoilOff uint16 = 0x0000
)

// Bank is one of the four addressable register categories.
type Bank uint8

const (
	CoilDiscretes Bank = iota
	InputDiscretes
	InputRegisters
	HoldingRegisters
)

// Banks lists every bank in display order.
var Banks = [...]Bank{CoilDiscretes, InputDiscretes, InputRegisters, HoldingRegisters}

// String returns the string representation of the bank.
func (b Bank) String() string {
	switch b {
	case CoilDiscretes:
		return "coils"
	case InputDiscretes:
		return "discrete-inputs"
	case InputRegisters:
		return "input-registers"
	case HoldingRegisters:
		return "holding-registers"
	default:
		return fmt.Sprintf("bank(%d)", uint8(b))
	}
}

// IsDiscrete reports whether the bank stores single bits.
func (b Bank) IsDiscrete() bool {
	return b == CoilDiscretes || b == InputDiscretes
}

// Prefix returns the leading digit of the bank's conventional address range.
func (b Bank) Prefix() byte {
	switch b {
	case CoilDiscretes:
		return '0'
	case InputDiscretes:
		return '1'
	case InputRegisters:
		return '3'
	default:
		return '4'
	}
}

func (b Bank) valid() bool {
	return b <= HoldingRegisters
}

// ParseBank parses a bank name or one of its short aliases.
func ParseBank(s string) (Bank, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "coils", "coil", "c", "co", "cd":
		return CoilDiscretes, nil
	case "discrete-inputs", "discrete", "di", "id", "inputs":
		return InputDiscretes, nil
	case "input-registers", "input", "ir":
		return InputRegisters, nil
	case "holding-registers", "holding", "hr":
		return HoldingRegisters, nil
	default:
		return 0, fmt.Errorf("%w: unknown bank %q", ErrConfigurationInvalid, s)
	}
}

// TransportKind identifies a transport binding.
type TransportKind uint8

const (
	KindRTU TransportKind = iota
	KindTCP
	KindUDP
	KindASCII
)

// String returns the string representation of the transport kind.
func (k TransportKind) String() string {
	switch k {
	case KindRTU:
		return "rtu"
	case KindTCP:
		return "tcp"
	case KindUDP:
		return "udp"
	case KindASCII:
		return "ascii"
	default:
		return "unknown"
	}
}

// IsSerial reports whether the kind belongs to the serial family.
func (k TransportKind) IsSerial() bool {
	return k == KindRTU || k == KindASCII
}

// ParseTransportKind parses a transport kind name.
func ParseTransportKind(s string) (TransportKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rtu":
		return KindRTU, nil
	case "tcp":
		return KindTCP, nil
	case "udp":
		return KindUDP, nil
	case "ascii", "asciioverrtu":
		return KindASCII, nil
	default:
		return 0, fmt.Errorf("%w: unknown transport %q", ErrConfigurationInvalid, s)
	}
}
