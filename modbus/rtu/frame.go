// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package rtu encodes and decodes Modbus RTU frames
// ([unit_id][pdu][crc_lo][crc_hi]) and classifies the expected shape of a
// response so the RTU worker knows how many bytes to read off the bus.
package rtu

import (
	"fmt"

	"github.com/modbusbridge/rtu-gateway/modbus"
	"github.com/modbusbridge/rtu-gateway/modbus/crc"
)

const (
	// MinSize is the smallest possible RTU frame: unit, function code, 2
	// CRC bytes.
	MinSize = 4
	// MaxSize is the largest possible RTU frame: unit, 253-byte PDU, 2 CRC
	// bytes.
	MaxSize = 256

	// ExceptionSize is the fixed length of an exception response frame.
	ExceptionSize = 5
)

// Frame is a decoded RTU ADU.
type Frame struct {
	UnitID byte
	Pdu    modbus.ProtocolDataUnit
}

// Encode renders unitID and pdu as [unit_id][pdu][crc_lo][crc_hi].
func Encode(unitID byte, pdu modbus.ProtocolDataUnit) ([]byte, error) {
	length := len(pdu.Data) + 4
	if length > MaxSize {
		return nil, fmt.Errorf("modbus: rtu frame length %d exceeds maximum %d", length, MaxSize)
	}
	raw := make([]byte, length-2, length)
	raw[0] = unitID
	raw[1] = pdu.FunctionCode
	copy(raw[2:], pdu.Data)
	return crc.Append(raw), nil
}

// Decode verifies the CRC of raw and splits it into a Frame.
func Decode(raw []byte) (Frame, error) {
	if len(raw) < MinSize {
		return Frame{}, fmt.Errorf("modbus: rtu frame length %d below minimum %d", len(raw), MinSize)
	}
	if !crc.Verify(raw) {
		return Frame{}, fmt.Errorf("modbus: rtu frame crc mismatch")
	}
	return Frame{
		UnitID: raw[0],
		Pdu: modbus.ProtocolDataUnit{
			FunctionCode: raw[1],
			Data:         raw[2 : len(raw)-2],
		},
	}, nil
}

// ResponseShape names how many more bytes the worker must read once it has
// seen [unit_id][fc] of a response, per §4.1 of the frame codec.
type ResponseShape int

const (
	// ShapeException: fc has the high bit set; one exception-code byte
	// follows before the CRC.
	ShapeException ResponseShape = iota
	// ShapeFixedEcho: 4 data bytes follow fc, echoing the first 4 data
	// bytes of the request (the whole request data for 0x05/0x06).
	ShapeFixedEcho
	// ShapeByteCountPrefixed: a byte-count byte follows fc, naming how many
	// data bytes come next. This is the default for any function code this
	// package doesn't otherwise recognize — a response whose true shape
	// differs (e.g. 0x2B, Encapsulated Interface Transport) will be
	// misread and rejected on CRC or length, surfacing to the client as a
	// Gateway Target Device Failed to Respond (0x0B) exception rather than
	// a decode.
	ShapeByteCountPrefixed
)

// Classify returns the response shape for a request function code fc, given
// the actual response function code byte seen on the wire (so an exception
// reply can be recognized regardless of fc).
func Classify(fc, respFc byte) ResponseShape {
	if modbus.IsException(respFc) {
		return ShapeException
	}
	switch fc {
	case modbus.FuncCodeWriteSingleCoil, modbus.FuncCodeWriteSingleRegister,
		modbus.FuncCodeWriteMultipleCoils, modbus.FuncCodeWriteMultipleRegisters:
		return ShapeFixedEcho
	default:
		return ShapeByteCountPrefixed
	}
}

// ResponseFrameLength returns the total RTU frame length implied by shape,
// given the byte-count byte already read for ShapeByteCountPrefixed (0
// otherwise). It does not itself read from the bus; it tells the caller how
// many more bytes to expect.
func ResponseFrameLength(shape ResponseShape, byteCount byte) (int, error) {
	switch shape {
	case ShapeException:
		return ExceptionSize, nil
	case ShapeFixedEcho:
		return 8, nil
	case ShapeByteCountPrefixed:
		n := int(byteCount)
		if n > 252 {
			return 0, fmt.Errorf("modbus: byte count %d exceeds maximum 252", n)
		}
		// unit(1) + fc(1) + count(1) + n + crc(2)
		return 1 + 1 + 1 + n + 2, nil
	default:
		return 0, fmt.Errorf("modbus: unknown response shape %d", shape)
	}
}

// RequestFrameLength returns the total RTU request frame length implied by
// the leading bytes of a request ([unit, fc, ...]: 2 bytes suffice, except
// 0x0F/0x10 need 7 to expose the byte count), used by a server-side
// reader (not the gateway's worker, which only ever reads responses) to
// know how much of a write-style request to pull off the wire. Kept for
// symmetry with ResponseFrameLength and exercised by tests that build
// synthetic requests.
func RequestFrameLength(header []byte) (int, error) {
	if len(header) < 2 {
		return 0, fmt.Errorf("modbus: need at least 2 bytes, got %d", len(header))
	}
	fc := header[1]
	switch fc {
	case modbus.FuncCodeReadCoils, modbus.FuncCodeReadDiscreteInputs,
		modbus.FuncCodeReadHoldingRegisters, modbus.FuncCodeReadInputRegisters,
		modbus.FuncCodeWriteSingleCoil, modbus.FuncCodeWriteSingleRegister:
		return 8, nil
	case modbus.FuncCodeWriteMultipleCoils, modbus.FuncCodeWriteMultipleRegisters:
		if len(header) < 7 {
			return 0, fmt.Errorf("modbus: need 7 bytes to determine length for 0x%02X, got %d", fc, len(header))
		}
		byteCount := int(header[6])
		return 7 + byteCount + 2, nil
	default:
		return 0, fmt.Errorf("modbus: unsupported function code 0x%02X", fc)
	}
}
