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

// Package modbus implements a Modbus TCP to serial gateway and the local
// Modbus TCP slave server that exposes on-board IO.
package modbus

import (
	"context"
	"time"
)

// UnitID represents the Modbus unit identifier (slave address).
type UnitID uint8

// FunctionCode represents a Modbus function code.
type FunctionCode uint8

// Standard Modbus function codes.
const (
	FuncReadCoils              FunctionCode = 0x01
	FuncReadDiscreteInputs     FunctionCode = 0x02
	FuncReadHoldingRegisters   FunctionCode = 0x03
	FuncReadInputRegisters     FunctionCode = 0x04
	FuncWriteSingleCoil        FunctionCode = 0x05
	FuncWriteSingleRegister    FunctionCode = 0x06
	FuncWriteMultipleCoils     FunctionCode = 0x0F
	FuncWriteMultipleRegisters FunctionCode = 0x10
)

// IsRegisterRead reports whether fc reads holding or input registers.
func (fc FunctionCode) IsRegisterRead() bool {
	return fc == FuncReadHoldingRegisters || fc == FuncReadInputRegisters
}

// String returns a string representation of FunctionCode.
func (fc FunctionCode) String() string {
	switch fc {
	case FuncReadCoils:
		return "ReadCoils"
	case FuncReadDiscreteInputs:
		return "ReadDiscreteInputs"
	case FuncReadHoldingRegisters:
		return "ReadHoldingRegisters"
	case FuncReadInputRegisters:
		return "ReadInputRegisters"
	case FuncWriteSingleCoil:
		return "WriteSingleCoil"
	case FuncWriteSingleRegister:
		return "WriteSingleRegister"
	case FuncWriteMultipleCoils:
		return "WriteMultipleCoils"
	case FuncWriteMultipleRegisters:
		return "WriteMultipleRegisters"
	default:
		if fc&0x80 != 0 {
			return "Exception(" + (fc & 0x7F).String() + ")"
		}
		return "Passthrough"
	}
}

// Protocol constants.
const (
	// MaxQuantityCoils is the maximum number of coils that can be read/written.
	MaxQuantityCoils = 2000

	// MaxQuantityRegisters is the maximum number of registers that can be read.
	MaxQuantityRegisters = 125

	// MaxQuantityWriteRegisters is the maximum number of registers that can be written.
	MaxQuantityWriteRegisters = 123

	// MBAPHeaderSize is the size of the MBAP header in bytes.
	MBAPHeaderSize = 7

	// MaxPDUSize is the largest PDU a Modbus TCP frame may carry.
	MaxPDUSize = 253

	// MaxFrameSize bounds every frame the gateway writes back to a client.
	MaxFrameSize = 255

	// MaxSerialPayload bounds the data carried by a SerialResponse.
	MaxSerialPayload = 256

	// ProtocolID is the Modbus protocol identifier (always 0 for Modbus TCP).
	ProtocolID = 0

	// DefaultTimeout is the default per-call serial bus timeout.
	DefaultTimeout = 1 * time.Second

	// DefaultPort is the default Modbus TCP port of the local slave.
	DefaultPort = 502

	// DefaultGatewayPort is the default gateway port, one above the slave.
	DefaultGatewayPort = DefaultPort + 1

	// DefaultMaxConnections is the gateway admission limit.
	DefaultMaxConnections = 8
)

// Coil values for write operations.
const (
	CoilOn  uint16 = 0xFF00
	CoilOff uint16 = 0x0000
)

// SerialRequest is one request destined for a device on the serial bus.
type SerialRequest struct {
	UnitID       UnitID
	FunctionCode FunctionCode
	Address      uint16
	Quantity     uint16
	// Data is the request PDU after the function code, forwarded verbatim.
	Data []byte
}

// SerialResponse is the device reply, PDU data after the function code.
// A function code with the high bit set is a device exception.
type SerialResponse struct {
	FunctionCode FunctionCode
	Data         []byte
}

// Bus executes requests on the shared serial line. Implementations must
// serialize calls so that at most one exchange is in flight.
type Bus interface {
	Execute(ctx context.Context, req *SerialRequest) (*SerialResponse, error)
}

// Handler defines the interface for handling Modbus requests on the server side.
type Handler interface {
	// Coil operations
	ReadCoils(unitID UnitID, addr, qty uint16) ([]bool, error)
	ReadDiscreteInputs(unitID UnitID, addr, qty uint16) ([]bool, error)
	WriteSingleCoil(unitID UnitID, addr uint16, value bool) error
	WriteMultipleCoils(unitID UnitID, addr uint16, values []bool) error

	// Register operations
	ReadHoldingRegisters(unitID UnitID, addr, qty uint16) ([]uint16, error)
	ReadInputRegisters(unitID UnitID, addr, qty uint16) ([]uint16, error)
	WriteSingleRegister(unitID UnitID, addr, value uint16) error
	WriteMultipleRegisters(unitID UnitID, addr uint16, values []uint16) error
}
