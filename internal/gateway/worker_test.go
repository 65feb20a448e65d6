// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package gateway

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/modbusbridge/rtu-gateway/modbus"
	"github.com/modbusbridge/rtu-gateway/modbus/crc"
)

// mockTimeout satisfies the Timeout() bool interface isTimeout checks for,
// the same shape grid-x/serial's own read-deadline errors take.
type mockTimeout struct{}

func (mockTimeout) Error() string { return "mock serial: i/o timeout" }
func (mockTimeout) Timeout() bool { return true }

// portEvent scripts how the mock bus responds to one Write: a verbatim RTU
// response frame, a silent timeout, or a hard serial I/O error.
type portEvent struct {
	response []byte
	ioErr    bool
}

// mockSerial is a scripted stand-in for the real RS-485 device, recording
// write order (for the FIFO/single-master properties) and replaying one
// portEvent per Write call.
type mockSerial struct {
	mu      sync.Mutex
	events  []portEvent
	writes  [][]byte
	readBuf []byte
	timeout bool
	closed  bool

	openCount int
}

func (m *mockSerial) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = false
	m.openCount++
	return nil
}

func (m *mockSerial) Reopen() error { return m.Open() }

func (m *mockSerial) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockSerial) DiscardInput(time.Duration) {}

func (m *mockSerial) Write(b []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, fmt.Errorf("mock serial: port closed")
	}
	m.writes = append(m.writes, append([]byte{}, b...))
	if len(m.events) == 0 {
		return 0, fmt.Errorf("mock serial: no more scripted events")
	}
	ev := m.events[0]
	m.events = m.events[1:]
	if ev.ioErr {
		return 0, fmt.Errorf("mock serial: write failed")
	}
	m.readBuf = ev.response
	m.timeout = ev.response == nil
	return len(b), nil
}

func (m *mockSerial) Read(b []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, fmt.Errorf("mock serial: port closed")
	}
	if len(m.readBuf) == 0 {
		return 0, mockTimeout{}
	}
	n := copy(b, m.readBuf)
	m.readBuf = m.readBuf[n:]
	return n, nil
}

func rtuFrame(unitID, fc byte, data ...byte) []byte {
	raw := append([]byte{unitID, fc}, data...)
	return crc.Append(raw)
}

func newTestWorker(port SerialPort, retryCount uint32) *Worker {
	return NewWorker(port, WorkerConfig{RetryCount: retryCount, InterFrameDelay: time.Millisecond}, nil, nil)
}

func TestWorker_SucceedsFirstAttempt(t *testing.T) {
	resp := rtuFrame(0x11, 0x03, 0x06, 0x02, 0x2B, 0x00, 0x00, 0x00, 0x64)
	port := &mockSerial{events: []portEvent{{response: resp}}}
	w := newTestWorker(port, 3)

	tx := NewTransaction(1, 0x11, modbus.ProtocolDataUnit{FunctionCode: 0x03, Data: []byte{0x00, 0x6B, 0x00, 0x03}})
	w.execute(tx)

	result := tx.Await(time.Second)
	require.Equal(t, OutcomeOk, result.Outcome)
	require.Equal(t, byte(0x03), result.ResponsePDU.FunctionCode)
	require.Equal(t, []byte{0x06, 0x02, 0x2B, 0x00, 0x00, 0x00, 0x64}, result.ResponsePDU.Data)
}

func TestWorker_RetryThenSucceed(t *testing.T) {
	resp := rtuFrame(0x11, 0x06, 0x00, 0x01, 0x00, 0x03)
	port := &mockSerial{events: []portEvent{
		{response: nil}, // 1st attempt: silent bus, times out
		{response: resp},
	}}
	w := newTestWorker(port, 3)

	tx := NewTransaction(2, 0x11, modbus.ProtocolDataUnit{FunctionCode: 0x06, Data: []byte{0x00, 0x01, 0x00, 0x03}})
	w.execute(tx)

	result := tx.Await(time.Second)
	require.Equal(t, OutcomeOk, result.Outcome)
	require.Equal(t, []byte{0x00, 0x01, 0x00, 0x03}, result.ResponsePDU.Data)
}

func TestWorker_AllAttemptsFail(t *testing.T) {
	port := &mockSerial{events: []portEvent{{response: nil}, {response: nil}, {response: nil}}}
	w := newTestWorker(port, 3)

	tx := NewTransaction(3, 0x11, modbus.ProtocolDataUnit{FunctionCode: 0x03, Data: []byte{0x00, 0x6B, 0x00, 0x03}})
	w.execute(tx)

	result := tx.Await(time.Second)
	require.Equal(t, OutcomeFailed, result.Outcome)
	require.Equal(t, ErrBusTimeout, result.Err)
}

func TestWorker_CrcMismatchIsRetried(t *testing.T) {
	good := rtuFrame(0x11, 0x03, 0x02, 0x00, 0x01)
	bad := append([]byte{}, good...)
	bad[len(bad)-1] ^= 0xFF // corrupt CRC

	port := &mockSerial{events: []portEvent{{response: bad}, {response: good}}}
	w := newTestWorker(port, 3)

	tx := NewTransaction(4, 0x11, modbus.ProtocolDataUnit{FunctionCode: 0x03, Data: []byte{0x00, 0x00, 0x00, 0x01}})
	w.execute(tx)

	result := tx.Await(time.Second)
	require.Equal(t, OutcomeOk, result.Outcome)
}

// TestWorker_ExceptionResponseCompletesOk covers S4: a legitimate Modbus
// exception from the slave is still a completed transaction from the
// bus's point of view; the session, not the worker, decides how to relay
// it (verbatim, since it already carries fc|0x80).
func TestWorker_ExceptionResponseCompletesOk(t *testing.T) {
	resp := rtuFrame(0x11, 0x83, 0x02)
	port := &mockSerial{events: []portEvent{{response: resp}}}
	w := newTestWorker(port, 3)

	tx := NewTransaction(4, 0x11, modbus.ProtocolDataUnit{FunctionCode: 0x03, Data: []byte{0x00, 0x6B, 0x00, 0x03}})
	w.execute(tx)

	result := tx.Await(time.Second)
	require.Equal(t, OutcomeOk, result.Outcome)
	require.Equal(t, byte(0x83), result.ResponsePDU.FunctionCode)
	require.Equal(t, []byte{0x02}, result.ResponsePDU.Data)
}

func TestWorker_SerialErrorTriggersReopen(t *testing.T) {
	resp := rtuFrame(0x11, 0x03, 0x02, 0x00, 0x01)
	port := &mockSerial{events: []portEvent{{ioErr: true}, {response: resp}}}
	w := newTestWorker(port, 3)

	tx := NewTransaction(5, 0x11, modbus.ProtocolDataUnit{FunctionCode: 0x03, Data: []byte{0x00, 0x00, 0x00, 0x01}})
	w.execute(tx)

	result := tx.Await(time.Second)
	require.Equal(t, OutcomeOk, result.Outcome)
	require.GreaterOrEqual(t, port.openCount, 1, "a serial I/O error must trigger a reopen")
}

// TestWorker_FIFOOrdering covers property 3: transactions submitted in
// order a, b must be written to the bus in order a, b. Overlapping writes
// (property 4) are checked under load by server_test.go's echoSerial.
func TestWorker_FIFOOrdering(t *testing.T) {
	respA := rtuFrame(0x01, 0x03, 0x02, 0x00, 0x01)
	respB := rtuFrame(0x02, 0x03, 0x02, 0x00, 0x02)
	port := &mockSerial{events: []portEvent{{response: respA}, {response: respB}}}
	w := newTestWorker(port, 1)

	handoff := make(chan *Transaction, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() { w.Run(ctx, handoff); close(done) }()

	txA := NewTransaction(1, 0x01, modbus.ProtocolDataUnit{FunctionCode: 0x03, Data: []byte{0x00, 0x00, 0x00, 0x01}})
	txB := NewTransaction(2, 0x02, modbus.ProtocolDataUnit{FunctionCode: 0x03, Data: []byte{0x00, 0x00, 0x00, 0x01}})
	handoff <- txA
	handoff <- txB

	require.Equal(t, OutcomeOk, txA.Await(time.Second).Outcome)
	require.Equal(t, OutcomeOk, txB.Await(time.Second).Outcome)

	cancel()
	<-done

	require.Len(t, port.writes, 2)
	require.Equal(t, byte(0x01), port.writes[0][0], "a's write must precede b's")
	require.Equal(t, byte(0x02), port.writes[1][0])
}
