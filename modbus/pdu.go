// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package modbus holds the wire-level types shared by the TCP and RTU
// framers: the protocol data unit and the function/exception code tables.
package modbus

// ProtocolDataUnit is the function code plus data bytes, identical across
// the TCP and RTU transports. It never carries an address or a CRC; those
// belong to the transport-specific ADU.
type ProtocolDataUnit struct {
	FunctionCode byte
	Data         []byte
}

// Function codes.
const (
	FuncCodeReadCoils            = 0x01
	FuncCodeReadDiscreteInputs   = 0x02
	FuncCodeReadHoldingRegisters = 0x03
	FuncCodeReadInputRegisters   = 0x04

	FuncCodeWriteSingleCoil        = 0x05
	FuncCodeWriteSingleRegister    = 0x06
	FuncCodeWriteMultipleCoils     = 0x0F
	FuncCodeWriteMultipleRegisters = 0x10
	FuncCodeMaskWriteRegister      = 0x16

	FuncCodeReadWriteMultipleRegisters = 0x17
	FuncCodeReadFIFOQueue              = 0x18
	FuncCodeReadDeviceIdentification   = 0x2B

	// exceptionBit is OR'd onto the request function code to mark an
	// exception response.
	exceptionBit = 0x80
)

// ExceptionFunctionCode returns fc with the exception bit set.
func ExceptionFunctionCode(fc byte) byte {
	return fc | exceptionBit
}

// IsException reports whether fc carries the exception bit.
func IsException(fc byte) bool {
	return fc&exceptionBit != 0
}

// Exception codes (Modbus Application Protocol, table 7).
const (
	ExceptionCodeIllegalFunction                    = 0x01
	ExceptionCodeIllegalDataAddress                 = 0x02
	ExceptionCodeIllegalDataValue                   = 0x03
	ExceptionCodeServerDeviceFailure                = 0x04
	ExceptionCodeAcknowledge                        = 0x05
	ExceptionCodeServerDeviceBusy                   = 0x06
	ExceptionCodeGatewayPathUnavailable             = 0x0A
	ExceptionCodeGatewayTargetDeviceFailedToRespond = 0x0B
)
