// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/modbusbridge/rtu-gateway/internal/metrics"
	"github.com/modbusbridge/rtu-gateway/modbus"
	"github.com/modbusbridge/rtu-gateway/modbus/rtu"
)

// reopenBackoff is the fixed pause after a serial I/O error before
// retrying the reopen, per §4.3's "Serial recovery" (~100 ms).
const reopenBackoff = 100 * time.Millisecond

// discardBound caps how long DiscardInput is allowed to wait for stale
// bytes before the worker moves on to writing the request.
const discardBound = 20 * time.Millisecond

// SerialPort is the abstract byte-stream the worker drives (§1: "the
// physical serial driver is specified only by the abstract byte-stream
// interface the core consumes"). internal/serialport.Port satisfies this
// for the real RS-485 device; tests satisfy it with a mock bus.
type SerialPort interface {
	io.ReadWriteCloser
	Open() error
	Reopen() error
	DiscardInput(bound time.Duration)
}

// WorkerConfig is the subset of §3's rtu.* fields the worker needs at
// execution time (serial port open/read parameters live in
// serialport.Config instead).
type WorkerConfig struct {
	RetryCount      uint32
	InterFrameDelay time.Duration
}

// Worker is the sole owner of the serial port (§4.3). It dequeues one
// Transaction at a time from a handoff channel and executes it to
// completion before dequeuing the next — the single-master invariant.
type Worker struct {
	port    SerialPort
	cfg     WorkerConfig
	metrics *metrics.Metrics
	logger  *slog.Logger

	// portBroken tracks whether the last attempt's serial I/O error means
	// the port needs a Reopen before the next attempt proceeds.
	portBroken bool
}

// NewWorker constructs a Worker over an already-built (but not yet opened)
// serial port.
func NewWorker(port SerialPort, cfg WorkerConfig, m *metrics.Metrics, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RetryCount == 0 {
		cfg.RetryCount = 1
	}
	return &Worker{port: port, cfg: cfg, metrics: m, logger: logger}
}

// Run dequeues transactions from handoff until ctx is canceled. Go's
// select over both channels gives the "short blocking poll so shutdown
// can be observed promptly" the source's blocking-queue design needed a
// literal poll for (§4.3 step 2) — here cancellation is itself a channel.
func (w *Worker) Run(ctx context.Context, handoff <-chan *Transaction) {
	w.logger.Debug("rtu worker started")
	defer w.logger.Debug("rtu worker stopped")

	for {
		select {
		case <-ctx.Done():
			_ = w.port.Close()
			return
		case tx, ok := <-handoff:
			if !ok {
				_ = w.port.Close()
				return
			}
			w.execute(tx)
		}
	}
}

// execute performs up to cfg.RetryCount attempts of tx and completes it
// (success or terminal failure) before returning, per §4.3.
func (w *Worker) execute(tx *Transaction) {
	w.metrics.SetBusBusy(true)
	defer w.metrics.SetBusBusy(false)

	lastKind := ErrBusTimeout

	for attempt := uint32(1); attempt <= w.cfg.RetryCount; attempt++ {
		if attempt > 1 {
			w.metrics.Retry()
			time.Sleep(w.cfg.InterFrameDelay)
			if w.portBroken {
				if err := w.port.Reopen(); err != nil {
					w.logger.Warn("rtu worker: reopen failed", "err", err)
					lastKind = ErrSerialIO
					continue
				}
				w.portBroken = false
			}
		}

		kind, pdu, ok := w.attemptOnce(tx)
		if ok {
			tx.CompleteOk(pdu)
			w.metrics.Outcome("ok")
			return
		}
		lastKind = kind
	}

	tx.CompleteErr(lastKind)
	w.metrics.Outcome(lastKind.String())
}

// attemptOnce performs a single write/read cycle for tx (§4.3 steps a-h).
// ok is true only once the response frame's CRC has verified.
func (w *Worker) attemptOnce(tx *Transaction) (kind ErrorKind, respPdu modbus.ProtocolDataUnit, ok bool) {
	w.port.DiscardInput(discardBound)

	frame, err := rtu.Encode(tx.UnitID, tx.Pdu)
	if err != nil {
		// The session already bounds PDU length before submitting, so an
		// encode failure here means a PDU too large slipped through;
		// there's no dedicated codec-error kind on the write path, so it
		// surfaces the same as a bus failure.
		w.logger.Error("rtu worker: encode failed", "err", err)
		return ErrSerialIO, modbus.ProtocolDataUnit{}, false
	}

	if _, err := w.port.Write(frame); err != nil {
		w.logger.Warn("rtu worker: write failed", "err", err)
		w.recoverFromSerialError()
		return ErrSerialIO, modbus.ProtocolDataUnit{}, false
	}

	time.Sleep(w.cfg.InterFrameDelay)

	header := make([]byte, 2)
	if _, err := io.ReadFull(w.port, header); err != nil {
		if isTimeout(err) {
			return ErrBusTimeout, modbus.ProtocolDataUnit{}, false
		}
		w.logger.Warn("rtu worker: read header failed", "err", err)
		w.recoverFromSerialError()
		return ErrSerialIO, modbus.ProtocolDataUnit{}, false
	}

	shape := rtu.Classify(tx.Pdu.FunctionCode, header[1])

	var rest []byte
	switch shape {
	case rtu.ShapeException:
		rest = make([]byte, rtu.ExceptionSize-2)
		if _, err := io.ReadFull(w.port, rest); err != nil {
			if isTimeout(err) {
				return ErrBusTimeout, modbus.ProtocolDataUnit{}, false
			}
			w.recoverFromSerialError()
			return ErrSerialIO, modbus.ProtocolDataUnit{}, false
		}
	case rtu.ShapeFixedEcho:
		rest = make([]byte, 8-2)
		if _, err := io.ReadFull(w.port, rest); err != nil {
			if isTimeout(err) {
				return ErrBusTimeout, modbus.ProtocolDataUnit{}, false
			}
			w.recoverFromSerialError()
			return ErrSerialIO, modbus.ProtocolDataUnit{}, false
		}
	case rtu.ShapeByteCountPrefixed:
		bc := make([]byte, 1)
		if _, err := io.ReadFull(w.port, bc); err != nil {
			if isTimeout(err) {
				return ErrBusTimeout, modbus.ProtocolDataUnit{}, false
			}
			w.recoverFromSerialError()
			return ErrSerialIO, modbus.ProtocolDataUnit{}, false
		}
		total, err := rtu.ResponseFrameLength(shape, bc[0])
		if err != nil {
			return ErrCrcMismatch, modbus.ProtocolDataUnit{}, false
		}
		remaining := total - 3 // unit(1) + fc(1) + byteCount(1) already read
		tail := make([]byte, remaining)
		if remaining > 0 {
			if _, err := io.ReadFull(w.port, tail); err != nil {
				if isTimeout(err) {
					return ErrBusTimeout, modbus.ProtocolDataUnit{}, false
				}
				w.recoverFromSerialError()
				return ErrSerialIO, modbus.ProtocolDataUnit{}, false
			}
		}
		rest = append(bc, tail...)
	}

	full := make([]byte, 0, len(header)+len(rest))
	full = append(full, header...)
	full = append(full, rest...)

	decoded, err := rtu.Decode(full)
	if err != nil {
		return ErrCrcMismatch, modbus.ProtocolDataUnit{}, false
	}

	return ErrNone, decoded.Pdu, true
}

func (w *Worker) recoverFromSerialError() {
	w.portBroken = true
	_ = w.port.Close()
	time.Sleep(reopenBackoff)
	if err := w.port.Reopen(); err == nil {
		w.portBroken = false
	}
}

// timeoutError matches the subset of grid-x/serial's (and the stdlib's)
// timeout errors: anything exposing Timeout() bool.
type timeoutError interface {
	Timeout() bool
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var te timeoutError
	return errors.As(err, &te) && te.Timeout()
}
