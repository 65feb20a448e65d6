// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/modbusbridge/rtu-gateway/internal/config"
	"github.com/modbusbridge/rtu-gateway/internal/gateway"
	"github.com/modbusbridge/rtu-gateway/internal/metrics"
	"github.com/modbusbridge/rtu-gateway/internal/serialport"
)

func main() {
	configFile := pflag.StringP("config", "c", "", "Path to config file")
	config.RegisterFlags(pflag.CommandLine)
	pflag.Parse()

	cfg, err := config.Load(*configFile, pflag.CommandLine)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	setupLogger(cfg.Log)
	slog.Info("starting modbus rtu gateway",
		"tcp_addr", fmt.Sprintf("%s:%d", cfg.TCP.Host, cfg.TCP.Port),
		"rtu_port", cfg.RTU.Port)

	port := serialport.New(serialport.Config{
		Device:      cfg.RTU.Port,
		BaudRate:    int(cfg.RTU.Baud),
		DataBits:    cfg.RTU.ByteSize,
		Parity:      cfg.RTU.Parity,
		StopBits:    cfg.RTU.StopBits,
		ReadTimeout: cfg.RTU.ResponseTimeout(),
	})

	reg := metrics.New(nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Diagnostics.Enabled {
		go func() {
			if err := metrics.ServeDiagnostics(ctx, cfg.Diagnostics.Addr); err != nil {
				slog.Error("diagnostics server stopped with error", "err", err)
			}
		}()
	}

	srv := gateway.New(gateway.ServerConfig{
		TCPAddr: fmt.Sprintf("%s:%d", cfg.TCP.Host, cfg.TCP.Port),
		Session: gateway.SessionConfig{
			IdleTimeout:     cfg.TCP.IdleTimeout(),
			ResponseTimeout: cfg.RTU.ResponseTimeout(),
		},
		Worker: gateway.WorkerConfig{
			RetryCount:      cfg.RTU.RetryCount,
			InterFrameDelay: cfg.RTU.InterFrameDelay(),
		},
	}, port, reg, slog.Default())

	runErr := make(chan error, 1)
	go func() { runErr <- srv.Run(ctx) }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		slog.Info("shutting down...")
		cancel()
		<-runErr
	case err := <-runErr:
		if err != nil {
			slog.Error("gateway stopped with error", "err", err)
			os.Exit(1)
		}
	}

	slog.Info("goodbye.")
}

func setupLogger(cfg config.LogConfig) {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.File != "" && cfg.File != "-" {
		f, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Printf("Failed to open log file, falling back to stdout: %v\n", err)
			handler = slog.NewTextHandler(os.Stdout, opts)
		} else {
			handler = slog.NewTextHandler(f, opts)
		}
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
