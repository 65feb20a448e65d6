// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/modbusbridge/rtu-gateway/modbus"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 200; trial++ {
		unitID := byte(rng.Intn(256))
		data := make([]byte, rng.Intn(250))
		rng.Read(data)
		pdu := modbus.ProtocolDataUnit{FunctionCode: byte(1 + rng.Intn(254)), Data: data}

		raw, err := Encode(unitID, pdu)
		require.NoError(t, err)

		got, err := Decode(raw)
		require.NoError(t, err)
		require.Equal(t, unitID, got.UnitID)
		require.Equal(t, pdu.FunctionCode, got.Pdu.FunctionCode)
		require.Equal(t, pdu.Data, got.Pdu.Data)
	}
}

func TestDecode_RejectsBadCRC(t *testing.T) {
	raw, err := Encode(0x11, modbus.ProtocolDataUnit{FunctionCode: 0x03, Data: []byte{0x00, 0x01}})
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xFF

	_, err = Decode(raw)
	require.Error(t, err)
}

func TestDecode_RejectsShortFrame(t *testing.T) {
	_, err := Decode([]byte{0x01, 0x02, 0x03})
	require.Error(t, err)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		fc     byte
		respFc byte
		want   ResponseShape
	}{
		{"exception overrides everything", modbus.FuncCodeReadHoldingRegisters, modbus.ExceptionFunctionCode(modbus.FuncCodeReadHoldingRegisters), ShapeException},
		{"write single coil echoes", modbus.FuncCodeWriteSingleCoil, modbus.FuncCodeWriteSingleCoil, ShapeFixedEcho},
		{"write single register echoes", modbus.FuncCodeWriteSingleRegister, modbus.FuncCodeWriteSingleRegister, ShapeFixedEcho},
		{"write multiple coils echoes", modbus.FuncCodeWriteMultipleCoils, modbus.FuncCodeWriteMultipleCoils, ShapeFixedEcho},
		{"write multiple registers echoes", modbus.FuncCodeWriteMultipleRegisters, modbus.FuncCodeWriteMultipleRegisters, ShapeFixedEcho},
		{"read holding registers is byte-count prefixed", modbus.FuncCodeReadHoldingRegisters, modbus.FuncCodeReadHoldingRegisters, ShapeByteCountPrefixed},
		{"read coils is byte-count prefixed", modbus.FuncCodeReadCoils, modbus.FuncCodeReadCoils, ShapeByteCountPrefixed},
		{"unknown function code defaults to byte-count prefixed", 0x55, 0x55, ShapeByteCountPrefixed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Classify(tt.fc, tt.respFc))
		})
	}
}

func TestResponseFrameLength(t *testing.T) {
	n, err := ResponseFrameLength(ShapeException, 0)
	require.NoError(t, err)
	require.Equal(t, ExceptionSize, n)

	n, err = ResponseFrameLength(ShapeFixedEcho, 0)
	require.NoError(t, err)
	require.Equal(t, 8, n)

	n, err = ResponseFrameLength(ShapeByteCountPrefixed, 6)
	require.NoError(t, err)
	require.Equal(t, 1+1+1+6+2, n)

	_, err = ResponseFrameLength(ShapeByteCountPrefixed, 253)
	require.Error(t, err)
}

func TestRequestFrameLength(t *testing.T) {
	n, err := RequestFrameLength([]byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01})
	require.NoError(t, err)
	require.Equal(t, 8, n)

	_, err = RequestFrameLength([]byte{0x01, 0x10, 0x00, 0x01, 0x00, 0x01})
	require.Error(t, err, "0x10 needs 7 bytes to expose the byte count")

	n, err = RequestFrameLength([]byte{0x01, 0x10, 0x00, 0x01, 0x00, 0x01, 0x02})
	require.NoError(t, err)
	require.Equal(t, 7+2+2, n)

	_, err = RequestFrameLength([]byte{0x01, 0x99})
	require.Error(t, err)
}
