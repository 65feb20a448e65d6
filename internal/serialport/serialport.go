// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package serialport is the thin glue between the RTU worker's abstract
// byte-stream requirement and the concrete RS-485 device. It is the only
// place the gateway imports a platform serial driver.
package serialport

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/grid-x/serial"
)

// Config mirrors the subset of ServerConfig (§3) relevant to opening the
// bus.
type Config struct {
	Device   string
	BaudRate int
	DataBits int
	Parity   string
	StopBits int
	// ReadTimeout becomes the port's read timeout (rtu.response_timeout_s,
	// §4.3 step 1): with no byte from the slave within this window, a Read
	// returns a timeout error and the worker counts the attempt as failed.
	ReadTimeout time.Duration
}

// Port owns the serial handle. It is not safe for concurrent use by more
// than one goroutine — the RTU worker is its sole owner, per the
// single-master invariant.
type Port struct {
	cfg Config

	mu     sync.Mutex
	handle io.ReadWriteCloser
}

// New returns an unopened Port for cfg.
func New(cfg Config) *Port {
	return &Port{cfg: cfg}
}

// Open opens the underlying device if it is not already open.
func (p *Port) Open() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open()
}

func (p *Port) open() error {
	if p.handle != nil {
		return nil
	}
	handle, err := serial.Open(&serial.Config{
		Address:  p.cfg.Device,
		BaudRate: p.cfg.BaudRate,
		DataBits: p.cfg.DataBits,
		Parity:   normalizeParity(p.cfg.Parity),
		StopBits: p.cfg.StopBits,
		Timeout:  p.cfg.ReadTimeout,
	})
	if err != nil {
		return fmt.Errorf("serialport: could not open %s: %w", p.cfg.Device, err)
	}
	p.handle = handle
	return nil
}

// Reopen unconditionally closes and reopens the device, used by the
// worker's recovery path after a serial I/O error.
func (p *Port) Reopen() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.close()
	return p.open()
}

// Read forwards to the open handle, returning an error if the port is not
// open. Flushing stale bytes ahead of a write is the caller's job, via
// DiscardInput (§4.3 step b) — Read itself is a plain passthrough.
func (p *Port) Read(b []byte) (int, error) {
	p.mu.Lock()
	handle := p.handle
	p.mu.Unlock()
	if handle == nil {
		return 0, fmt.Errorf("serialport: port is not open")
	}
	return handle.Read(b)
}

// Write forwards to the open handle, returning an error if the port is not
// open.
func (p *Port) Write(b []byte) (int, error) {
	p.mu.Lock()
	handle := p.handle
	p.mu.Unlock()
	if handle == nil {
		return 0, fmt.Errorf("serialport: port is not open")
	}
	return handle.Write(b)
}

// Close closes the underlying device, if open.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.close()
}

func (p *Port) close() error {
	if p.handle == nil {
		return nil
	}
	err := p.handle.Close()
	p.handle = nil
	return err
}

// readTimeoutSetter is the subset of grid-x/serial's *serial.Port the
// real device satisfies (it descends from goburrow/serial's API, see the
// transport-serial.go pattern in the example pack): a live read timeout
// the worker can shorten for the duration of a discard and put back
// afterwards.
type readTimeoutSetter interface {
	SetReadTimeout(time.Duration) error
}

// DiscardInput drains whatever is already sitting in the receive buffer
// (stale bus noise ahead of a fresh request, §4.3 step b). It does this
// synchronously, by shortening the port's own read timeout to bound for
// the duration of the drain and restoring it before returning — unlike a
// detached goroutine, this can never leave a stray reader racing the
// worker's own read of the real response that follows.
func (p *Port) DiscardInput(bound time.Duration) {
	p.mu.Lock()
	handle := p.handle
	p.mu.Unlock()
	if handle == nil {
		return
	}

	setter, ok := handle.(readTimeoutSetter)
	if !ok {
		// No way to bound the read without racing a stray goroutine
		// against the caller's own upcoming read; skip the drain rather
		// than risk stealing the real response.
		return
	}

	if err := setter.SetReadTimeout(bound); err != nil {
		return
	}
	defer setter.SetReadTimeout(p.cfg.ReadTimeout)

	buf := make([]byte, 256)
	for {
		if _, err := handle.Read(buf); err != nil {
			return
		}
	}
}

func normalizeParity(parity string) string {
	if parity == "" {
		return "N"
	}
	return parity
}
