// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/modbusbridge/rtu-gateway/internal/metrics"
)

// handoffBufferSize bounds the FIFO channel between sessions and the
// worker (§5 "the handoff channel is bounded"). It is not configurable by
// spec.md's ServerConfig; a large-but-finite buffer absorbs bursts without
// letting a stuck client queue unboundedly.
const handoffBufferSize = 64

// workerDrainGrace is how long Run waits for the worker to finish its
// current transaction and exit on shutdown (§4.5).
const workerDrainGrace = 5 * time.Second

// ServerConfig is everything Run needs to bind the TCP listener and start
// the RTU worker: the network address, the per-session timeouts, and the
// worker's retry settings. The serial port itself is passed to New.
type ServerConfig struct {
	TCPAddr string
	Session SessionConfig
	Worker  WorkerConfig
}

// Server is the accept loop, lifecycle owner, and single handoff channel
// described in §4.5. It corresponds to the teacher's root Gateway.Run,
// generalized onto an explicit Transaction/Worker/Session split.
type Server struct {
	cfg     ServerConfig
	port    SerialPort
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New constructs a Server. port must not yet be open; Run opens it.
func New(cfg ServerConfig, port SerialPort, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, port: port, metrics: m, logger: logger}
}

// Run opens the serial port, starts the RTU worker, and accepts TCP
// clients until ctx is canceled. It returns a fatal error only if the
// serial port cannot be opened or the listener cannot bind (§6 exit
// codes); client-handling errors are logged, not returned.
func (s *Server) Run(ctx context.Context) error {
	if err := s.port.Open(); err != nil {
		return fmt.Errorf("gateway: failed to open serial port: %w", err)
	}

	listener, err := net.Listen("tcp", s.cfg.TCPAddr)
	if err != nil {
		_ = s.port.Close()
		return fmt.Errorf("gateway: failed to listen on %s: %w", s.cfg.TCPAddr, err)
	}
	s.logger.Info("modbus tcp server listening", "addr", s.cfg.TCPAddr)

	handoff := make(chan *Transaction, handoffBufferSize)
	worker := NewWorker(s.port, s.cfg.Worker, s.metrics, s.logger)

	workerCtx, cancelWorker := context.WithCancel(context.Background())
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		worker.Run(workerCtx, handoff)
	}()

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				goto shutdown
			default:
				s.logger.Error("gateway: accept failed", "err", err)
				continue
			}
		}
		s.logger.Info("new tcp client connected", "addr", conn.RemoteAddr())
		go NewSession(conn, s.cfg.Session, handoff, s.metrics, s.logger).Serve()
	}

shutdown:
	cancelWorker()
	select {
	case <-workerDone:
	case <-time.After(workerDrainGrace):
		s.logger.Warn("gateway: worker did not drain within grace period")
	}
	return nil
}
