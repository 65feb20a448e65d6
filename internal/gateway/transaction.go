// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package gateway implements the concurrency, framing, and transaction
// engine that bridges many concurrent Modbus TCP clients onto one RS-485
// RTU bus: the Transaction value object, the sole-owner RTU worker, the
// per-connection client session, and the server core that wires them
// together. This generalizes the teacher's root-level gateway.go (a
// blocking queue plus a channel-per-request callback) into an explicit,
// owned Transaction handle with a one-shot completion signal, per the
// source's "queuedRequest"/"queuedResponse" pair.
package gateway

import (
	"sync"
	"time"

	"github.com/modbusbridge/rtu-gateway/modbus"
)

// ErrorKind names why a Transaction failed, so exception mapping (§7) and
// metrics can discriminate without string matching.
type ErrorKind int

const (
	// ErrNone is the zero value; only meaningful alongside OutcomeOk.
	ErrNone ErrorKind = iota
	// ErrBusTimeout: no header byte pair read within the serial timeout.
	ErrBusTimeout
	// ErrCrcMismatch: bytes were read but the CRC didn't check out.
	ErrCrcMismatch
	// ErrSerialIO: the device itself faulted (write failure, port closed).
	ErrSerialIO
	// ErrGatewayTimeout: the session's own await deadline fired before the
	// worker completed the transaction.
	ErrGatewayTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case ErrBusTimeout:
		return "bus_timeout"
	case ErrCrcMismatch:
		return "crc_mismatch"
	case ErrSerialIO:
		return "serial_io"
	case ErrGatewayTimeout:
		return "gateway_timeout"
	default:
		return "none"
	}
}

// Outcome is the three-state result of a Transaction (§3).
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeOk
	OutcomeFailed
)

// Result is what Transaction.Await returns: either a response PDU or the
// kind of failure.
type Result struct {
	Outcome     Outcome
	ResponsePDU modbus.ProtocolDataUnit
	Err         ErrorKind
}

// Transaction is one in-flight request crossing from a client session to
// the RTU worker (§3). The worker is its sole writer; the originating
// session is its sole reader. Outcome transitions Pending -> (Ok|Failed)
// exactly once, enforced here by sync.Once rather than by convention.
type Transaction struct {
	TxID   uint16
	UnitID byte
	Pdu    modbus.ProtocolDataUnit

	once   sync.Once
	done   chan struct{}
	result Result
}

// NewTransaction constructs a Pending transaction. It carries no deadline
// of its own: Await takes its wait duration explicitly so the caller
// controls exactly how long it blocks.
func NewTransaction(txID uint16, unitID byte, pdu modbus.ProtocolDataUnit) *Transaction {
	return &Transaction{
		TxID:   txID,
		UnitID: unitID,
		Pdu:    pdu,
		done:   make(chan struct{}),
	}
}

// CompleteOk sets the outcome to Ok and releases the one-shot signal.
// Safe to call from only the worker; a second call on an already-completed
// transaction is silently absorbed rather than panicking, since a late,
// abandoned completion (§9 "Late completions") must never fault.
func (t *Transaction) CompleteOk(pdu modbus.ProtocolDataUnit) {
	t.complete(Result{Outcome: OutcomeOk, ResponsePDU: pdu})
}

// CompleteErr sets the outcome to Failed with kind.
func (t *Transaction) CompleteErr(kind ErrorKind) {
	t.complete(Result{Outcome: OutcomeFailed, Err: kind})
}

func (t *Transaction) complete(r Result) {
	t.once.Do(func() {
		t.result = r
		close(t.done)
	})
}

// Await blocks until the worker completes the transaction or maxWait
// elapses, whichever comes first. On timeout it synthesizes a
// GatewayTimeout outcome locally; the worker may still complete the
// transaction afterwards, but nothing observes it, so the late write is
// harmless (§4.2, §9).
func (t *Transaction) Await(maxWait time.Duration) Result {
	timer := time.NewTimer(maxWait)
	defer timer.Stop()
	select {
	case <-t.done:
		return t.result
	case <-timer.C:
		return Result{Outcome: OutcomeFailed, Err: ErrGatewayTimeout}
	}
}
