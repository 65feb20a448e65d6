// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package gateway

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/modbusbridge/rtu-gateway/internal/metrics"
	"github.com/modbusbridge/rtu-gateway/modbus"
	"github.com/modbusbridge/rtu-gateway/modbus/tcp"
)

// awaitSlack is added to rtu.response_timeout_s when computing a session's
// await deadline, bounding how long a session waits beyond the worker's
// own internal retry budget (§4.4 step 4).
const awaitSlack = 2 * time.Second

// handoffSendWait is how long a session will block trying to submit onto
// an already-full handoff channel before giving up with ServerBusy (§4.4
// step 5: "may block briefly then synthesize a ServerBusy exception").
const handoffSendWait = 200 * time.Millisecond

// SessionConfig is the per-connection slice of ServerConfig a session
// needs (§3's tcp.idle_timeout_s and rtu.response_timeout_s).
type SessionConfig struct {
	IdleTimeout     time.Duration
	ResponseTimeout time.Duration
}

// Session is one accepted TCP connection's MBAP<->RTU read/await/write
// loop (§4.4). Sessions are mutually independent and share nothing but
// the handoff channel.
type Session struct {
	conn    net.Conn
	cfg     SessionConfig
	handoff chan<- *Transaction
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewSession wraps an accepted connection.
func NewSession(conn net.Conn, cfg SessionConfig, handoff chan<- *Transaction, m *metrics.Metrics, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{conn: conn, cfg: cfg, handoff: handoff, metrics: m, logger: logger}
}

// Serve runs the session's read/await/write loop until the peer closes
// the connection, the idle timeout fires, or a malformed frame forces a
// drop (§4.4's state machine: ReadingHeader -> ReadingBody -> AwaitingBus
// -> Writing -> ReadingHeader, terminating in Closed).
func (s *Session) Serve() {
	defer s.conn.Close()

	for {
		header := make([]byte, tcp.HeaderSize)
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		if _, err := io.ReadFull(s.conn, header); err != nil {
			if isCleanClose(err) {
				return
			}
			s.logger.Debug("session: header read failed", "addr", s.conn.RemoteAddr(), "err", err)
			return
		}

		txID, unitID, pduLen, err := tcp.DecodeHeader(header)
		if err != nil {
			// A malformed header has no trustworthy tx_id to echo a
			// response against, and once the framing can't be trusted,
			// re-synchronization on a stream protocol is unreliable. Log
			// and drop the connection without fabricating a response.
			s.logger.Warn("session: dropping connection on malformed mbap header", "addr", s.conn.RemoteAddr(), "err", err)
			return
		}

		body := make([]byte, pduLen)
		if _, err := io.ReadFull(s.conn, body); err != nil {
			s.logger.Debug("session: body read failed", "addr", s.conn.RemoteAddr(), "err", err)
			return
		}

		reqPdu := modbus.ProtocolDataUnit{FunctionCode: body[0], Data: body[1:]}
		s.handleRequest(txID, unitID, reqPdu)
	}
}

func (s *Session) handleRequest(txID uint16, unitID byte, reqPdu modbus.ProtocolDataUnit) {
	tx := NewTransaction(txID, unitID, reqPdu)

	if !s.submit(tx) {
		s.metrics.Outcome("server_busy")
		s.writeException(txID, unitID, reqPdu.FunctionCode, modbus.ExceptionCodeServerDeviceBusy)
		return
	}

	s.metrics.InFlight(1)
	result := tx.Await(s.cfg.ResponseTimeout + awaitSlack)
	s.metrics.InFlight(-1)

	switch result.Outcome {
	case OutcomeOk:
		s.writeResponse(txID, unitID, result.ResponsePDU)
	default:
		// The worker records its own terminal failures; only the
		// session-side await timeout is counted here.
		if result.Err == ErrGatewayTimeout {
			s.metrics.Outcome(result.Err.String())
		}
		s.writeException(txID, unitID, reqPdu.FunctionCode, modbus.ExceptionCodeGatewayTargetDeviceFailedToRespond)
	}
}

// submit offers tx to the handoff channel, trying a non-blocking send
// first and falling back to a brief bounded wait before giving up.
func (s *Session) submit(tx *Transaction) bool {
	select {
	case s.handoff <- tx:
		return true
	default:
	}

	timer := time.NewTimer(handoffSendWait)
	defer timer.Stop()
	select {
	case s.handoff <- tx:
		return true
	case <-timer.C:
		return false
	}
}

func (s *Session) writeResponse(txID uint16, unitID byte, pdu modbus.ProtocolDataUnit) {
	raw, err := tcp.Encode(txID, unitID, pdu)
	if err != nil {
		s.logger.Error("session: failed to encode response", "err", err)
		return
	}
	if _, err := s.conn.Write(raw); err != nil {
		s.logger.Debug("session: failed to write response", "addr", s.conn.RemoteAddr(), "err", err)
	}
}

func (s *Session) writeException(txID uint16, unitID byte, origFc byte, exceptionCode byte) {
	pdu := modbus.ProtocolDataUnit{
		FunctionCode: modbus.ExceptionFunctionCode(origFc),
		Data:         []byte{exceptionCode},
	}
	s.writeResponse(txID, unitID, pdu)
}

func isCleanClose(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
