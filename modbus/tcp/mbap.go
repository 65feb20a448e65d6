// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package tcp encodes and decodes the Modbus Application Protocol (MBAP)
// header used to frame Modbus TCP requests and responses.
package tcp

import (
	"errors"
	"fmt"

	"github.com/modbusbridge/rtu-gateway/modbus"
)

const (
	// HeaderSize is the fixed 7-byte MBAP header length.
	HeaderSize = 7

	minPduLen = 1
	maxPduLen = 253
)

// ErrBadProtocolID and ErrPduLenOutOfRange distinguish the two ways an
// MBAP header can be malformed. Either is grounds for the client session
// to drop the connection without replying: a malformed frame has no
// trustworthy tx_id to echo a response against, and stream
// re-synchronization is unreliable once the framing can't be trusted.
var (
	ErrBadProtocolID    = errors.New("modbus: unexpected protocol id")
	ErrPduLenOutOfRange = errors.New("modbus: pdu length out of range")
)

// Frame is a decoded MBAP ADU.
type Frame struct {
	TransactionID uint16
	UnitID        byte
	Pdu           modbus.ProtocolDataUnit
}

// Encode renders txID, unitID and pdu as [tx_id BE][0x0000][length BE][unit_id][pdu].
func Encode(txID uint16, unitID byte, pdu modbus.ProtocolDataUnit) ([]byte, error) {
	pduLen := 1 + len(pdu.Data)
	if pduLen < minPduLen || pduLen > maxPduLen {
		return nil, fmt.Errorf("modbus: pdu length %d out of range [%d,%d]", pduLen, minPduLen, maxPduLen)
	}

	length := 1 + pduLen // unit_id + pdu
	raw := make([]byte, HeaderSize+1+len(pdu.Data))
	raw[0] = byte(txID >> 8)
	raw[1] = byte(txID)
	raw[2] = 0
	raw[3] = 0
	raw[4] = byte(length >> 8)
	raw[5] = byte(length)
	raw[6] = unitID
	raw[7] = pdu.FunctionCode
	copy(raw[8:], pdu.Data)
	return raw, nil
}

// DecodeHeader parses the 7-byte MBAP header and returns the transaction
// id, unit id, and the PDU length to read next. It rejects any protocol id
// other than 0 and any out-of-range PDU length without consuming a body.
func DecodeHeader(header []byte) (txID uint16, unitID byte, pduLen int, err error) {
	if len(header) != HeaderSize {
		return 0, 0, 0, fmt.Errorf("modbus: mbap header must be %d bytes, got %d", HeaderSize, len(header))
	}
	protoID := uint16(header[2])<<8 | uint16(header[3])
	if protoID != 0 {
		return 0, 0, 0, fmt.Errorf("%w: %d", ErrBadProtocolID, protoID)
	}
	length := int(header[4])<<8 | int(header[5])
	pduLen = length - 1
	if pduLen < minPduLen || pduLen > maxPduLen {
		return 0, 0, 0, fmt.Errorf("%w: %d not in [%d,%d]", ErrPduLenOutOfRange, pduLen, minPduLen, maxPduLen)
	}
	txID = uint16(header[0])<<8 | uint16(header[1])
	unitID = header[6]
	return txID, unitID, pduLen, nil
}

// Decode parses a full MBAP ADU (header plus body already read). It is a
// convenience wrapper around DecodeHeader for callers (tests, in
// particular) that already have the whole frame in hand.
func Decode(raw []byte) (Frame, error) {
	if len(raw) < HeaderSize+1 {
		return Frame{}, fmt.Errorf("modbus: mbap frame too short: %d bytes", len(raw))
	}
	txID, unitID, pduLen, err := DecodeHeader(raw[:HeaderSize])
	if err != nil {
		return Frame{}, err
	}
	if len(raw) != HeaderSize+pduLen {
		return Frame{}, fmt.Errorf("modbus: mbap body length mismatch: header says %d, got %d", pduLen, len(raw)-HeaderSize)
	}
	return Frame{
		TransactionID: txID,
		UnitID:        unitID,
		Pdu: modbus.ProtocolDataUnit{
			FunctionCode: raw[HeaderSize],
			Data:         raw[HeaderSize+1:],
		},
	}, nil
}
