// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package metrics exposes Prometheus counters and gauges for the gateway's
// transaction engine: outcomes by kind, in-flight transactions, and bus
// busy state. This is pure ambient observability (see SPEC_FULL.md's
// DOMAIN STACK) — it carries no Modbus semantics and nothing in
// internal/gateway depends on its presence to function correctly.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's Prometheus collectors.
type Metrics struct {
	transactions *prometheus.CounterVec
	retries      prometheus.Counter
	inFlight     prometheus.Gauge
	busBusy      prometheus.Gauge
}

// New registers the gateway's collectors against reg. Pass
// prometheus.NewRegistry() for an isolated registry (tests) or nil to use
// the default global registry (production).
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		transactions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modbus_gateway",
			Name:      "transactions_total",
			Help:      "RTU transactions completed, by outcome.",
		}, []string{"outcome"}),
		retries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "modbus_gateway",
			Name:      "rtu_retries_total",
			Help:      "RTU attempt retries performed across all transactions.",
		}),
		inFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "modbus_gateway",
			Name:      "transactions_in_flight",
			Help:      "Transactions currently awaiting a bus verdict.",
		}),
		busBusy: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "modbus_gateway",
			Name:      "bus_busy",
			Help:      "1 while the RTU worker holds an in-progress bus transaction, else 0.",
		}),
	}
}

// Outcome records a completed transaction's terminal outcome (e.g. "ok",
// "bus_timeout", "crc_mismatch", "serial_io", "gateway_timeout",
// "server_busy").
func (m *Metrics) Outcome(kind string) {
	if m == nil {
		return
	}
	m.transactions.WithLabelValues(kind).Inc()
}

// Retry records one more attempt spent on a transaction beyond its first.
func (m *Metrics) Retry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

// InFlight adjusts the in-flight gauge by delta (+1 on submit, -1 on
// completion).
func (m *Metrics) InFlight(delta int) {
	if m == nil {
		return
	}
	m.inFlight.Add(float64(delta))
}

// SetBusBusy reports whether the worker currently holds the bus.
func (m *Metrics) SetBusBusy(busy bool) {
	if m == nil {
		return
	}
	if busy {
		m.busBusy.Set(1)
	} else {
		m.busBusy.Set(0)
	}
}

// ServeDiagnostics runs a small HTTP server exposing /metrics and
// /healthz until ctx is canceled. It is deliberately separate from the
// Modbus TCP listener so scraping never competes with bus traffic.
func ServeDiagnostics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return srv.Close()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
