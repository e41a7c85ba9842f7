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
	"errors"
	"fmt"
)

// ExceptionCode represents a Modbus exception code.
type ExceptionCode uint8

// Modbus exception codes.
const (
	ExceptionIllegalFunction                    ExceptionCode = 0x01
	ExceptionIllegalDataAddress                 ExceptionCode = 0x02
	ExceptionIllegalDataValue                   ExceptionCode = 0x03
	ExceptionServerDeviceFailure                ExceptionCode = 0x04
	ExceptionServerDeviceBusy                   ExceptionCode = 0x06
	ExceptionGatewayPathUnavailable             ExceptionCode = 0x0A
	ExceptionGatewayTargetDeviceFailedToRespond ExceptionCode = 0x0B
)

// String returns the string representation of the exception code.
func (e ExceptionCode) String() string {
	switch e {
	case ExceptionIllegalFunction:
		return "illegal function"
	case ExceptionIllegalDataAddress:
		return "illegal data address"
	case ExceptionIllegalDataValue:
		return "illegal data value"
	case ExceptionServerDeviceFailure:
		return "server device failure"
	case ExceptionServerDeviceBusy:
		return "server device busy"
	case ExceptionGatewayPathUnavailable:
		return "gateway path unavailable"
	case ExceptionGatewayTargetDeviceFailedToRespond:
		return "gateway target device failed to respond"
	default:
		return fmt.Sprintf("unknown exception (0x%02X)", uint8(e))
	}
}

// ModbusError represents a Modbus protocol error (exception response).
type ModbusError struct {
	FunctionCode  FunctionCode
	ExceptionCode ExceptionCode
}

// Error implements the error interface.
func (e *ModbusError) Error() string {
	return fmt.Sprintf("modbus: exception %s (FC=%02X)", e.ExceptionCode, uint8(e.FunctionCode))
}

// Is checks if the error matches the target.
func (e *ModbusError) Is(target error) bool {
	t, ok := target.(*ModbusError)
	if !ok {
		return false
	}
	return e.ExceptionCode == t.ExceptionCode
}

// BusError reports a failed exchange on the serial bus: timeout, checksum
// mismatch, short or oversized reply.
type BusError struct {
	UnitID       UnitID
	FunctionCode FunctionCode
	Err          error
}

// Error implements the error interface.
func (e *BusError) Error() string {
	return fmt.Sprintf("modbus: bus error (unit=%d FC=%02X): %v", e.UnitID, uint8(e.FunctionCode), e.Err)
}

// Unwrap returns the underlying cause.
func (e *BusError) Unwrap() error {
	return e.Err
}

// Common errors.
var (
	// ErrInvalidResponse indicates the response was malformed or unexpected.
	ErrInvalidResponse = errors.New("modbus: invalid response")

	// ErrInvalidFrame indicates a malformed frame.
	ErrInvalidFrame = errors.New("modbus: invalid frame")

	// ErrShortPDU indicates a request PDU too short for its function code.
	ErrShortPDU = errors.New("modbus: PDU too short")

	// ErrTimeout indicates a timeout occurred.
	ErrTimeout = errors.New("modbus: timeout")

	// ErrResponseTooLarge indicates a response that cannot fit in one frame.
	ErrResponseTooLarge = errors.New("modbus: response exceeds frame size")

	// ErrBusClosed indicates the serial bus is not open.
	ErrBusClosed = errors.New("modbus: bus closed")

	// ErrInvalidAddress indicates an address outside the register map.
	ErrInvalidAddress = errors.New("modbus: invalid address")
)

// NewModbusError creates a new Modbus exception error.
func NewModbusError(fc FunctionCode, ec ExceptionCode) *ModbusError {
	return &ModbusError{
		FunctionCode:  fc,
		ExceptionCode: ec,
	}
}

// IsException checks if an error is a specific Modbus exception.
func IsException(err error, code ExceptionCode) bool {
	var modbusErr *ModbusError
	if errors.As(err, &modbusErr) {
		return modbusErr.ExceptionCode == code
	}
	return false
}

// IsBusError reports whether err came from a failed serial exchange.
func IsBusError(err error) bool {
	var busErr *BusError
	return errors.As(err, &busErr)
}

// IsIllegalDataAddress checks if the error is an illegal data address exception.
func IsIllegalDataAddress(err error) bool {
	return IsException(err, ExceptionIllegalDataAddress)
}
