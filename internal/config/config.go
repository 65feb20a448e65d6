// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package config loads the gateway's ServerConfig (§3) from a config file
// and command-line flags via viper/pflag, the way the teacher's root
// config.go does for its single-gateway predecessor.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the static snapshot captured at startup (§3's ServerConfig).
// Unknown keys are ignored by viper; missing keys fall back to the
// defaults set in Load.
type Config struct {
	TCP         TCPConfig         `mapstructure:"tcp"`
	RTU         RTUConfig         `mapstructure:"rtu"`
	Log         LogConfig         `mapstructure:"log"`
	Diagnostics DiagnosticsConfig `mapstructure:"diagnostics"`
}

// DiagnosticsConfig is outside spec.md's ServerConfig proper (§3 names only
// tcp.*/rtu.*); it configures the ambient /metrics + /healthz listener
// described in SPEC_FULL.md's DOMAIN STACK. Loopback-only by default so
// enabling it never widens the gateway's network exposure by accident.
type DiagnosticsConfig struct {
	Addr    string `mapstructure:"addr"`
	Enabled bool   `mapstructure:"enabled"`
}

// TCPConfig is the §3 `tcp.*` section.
type TCPConfig struct {
	Host         string  `mapstructure:"host"`
	Port         uint16  `mapstructure:"port"`
	IdleTimeoutS float64 `mapstructure:"idle_timeout_s"`
}

// RTUConfig is the §3 `rtu.*` section.
type RTUConfig struct {
	Port             string  `mapstructure:"port"`
	Baud             uint32  `mapstructure:"baud"`
	Parity           string  `mapstructure:"parity"`   // N, E, O
	StopBits         int     `mapstructure:"stopbits"` // 1 or 2
	ByteSize         int     `mapstructure:"bytesize"` // 7 or 8
	ResponseTimeoutS float64 `mapstructure:"response_timeout_s"`
	RetryCount       uint32  `mapstructure:"retry_count"`
	InterFrameDelayS float64 `mapstructure:"inter_frame_delay_s"`
}

// LogConfig configures the slog handler set up in main.go.
type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
	File  string `mapstructure:"file"`  // log file path; "" or "-" means stdout
}

// IdleTimeout is IdleTimeoutS as a time.Duration.
func (c TCPConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutS * float64(time.Second))
}

// ResponseTimeout is ResponseTimeoutS as a time.Duration.
func (c RTUConfig) ResponseTimeout() time.Duration {
	return time.Duration(c.ResponseTimeoutS * float64(time.Second))
}

// InterFrameDelay is InterFrameDelayS as a time.Duration.
func (c RTUConfig) InterFrameDelay() time.Duration {
	return time.Duration(c.InterFrameDelayS * float64(time.Second))
}

// Load reads configFile (or the default search path, if empty) and any
// matching command-line flags in flags (typically pflag.CommandLine),
// applying the defaults named in §3.
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	v.SetDefault("tcp.host", "0.0.0.0")
	v.SetDefault("tcp.port", 502)
	v.SetDefault("tcp.idle_timeout_s", 60.0)

	v.SetDefault("rtu.port", "/dev/ttyUSB0")
	v.SetDefault("rtu.baud", 9600)
	v.SetDefault("rtu.parity", "N")
	v.SetDefault("rtu.stopbits", 1)
	v.SetDefault("rtu.bytesize", 8)
	v.SetDefault("rtu.response_timeout_s", 1.0)
	v.SetDefault("rtu.retry_count", 3)
	v.SetDefault("rtu.inter_frame_delay_s", 0.05)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")

	v.SetDefault("diagnostics.addr", "127.0.0.1:9101")
	v.SetDefault("diagnostics.enabled", true)

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("config: failed to bind flags: %w", err)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/modbus-rtu-gateway/")
		v.AddConfigPath("$HOME/.modbus-rtu-gateway")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: failed to read config file: %w", err)
		}
		// No config file found: fall through on defaults + flags, as §6
		// says a missing configuration file is not itself fatal.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal: %w", err)
	}

	normalize(&cfg)
	return &cfg, nil
}

// RegisterFlags defines the command-line overrides for Load's defaults,
// mirroring the teacher's root config.go pflag set but named with §3's
// dotted key names (tcp.host, rtu.baud, ...), so Load's BindPFlags maps
// each flag onto the config key of the same name.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String("tcp.host", "0.0.0.0", "TCP listen address.")
	flags.Uint16("tcp.port", 502, "TCP listen port.")
	flags.Float64("tcp.idle_timeout_s", 60, "Idle TCP connection timeout, in seconds.")

	flags.String("rtu.port", "/dev/ttyUSB0", "Serial device path.")
	flags.Uint32("rtu.baud", 9600, "Serial baud rate.")
	flags.String("rtu.parity", "N", "Serial parity: N, E, or O.")
	flags.Int("rtu.stopbits", 1, "Serial stop bits: 1 or 2.")
	flags.Int("rtu.bytesize", 8, "Serial byte size: 7 or 8.")
	flags.Float64("rtu.response_timeout_s", 1.0, "Per-attempt RTU response timeout, in seconds.")
	flags.Uint32("rtu.retry_count", 3, "RTU transaction retry count.")
	flags.Float64("rtu.inter_frame_delay_s", 0.05, "Fixed inter-frame delay, in seconds.")

	flags.String("log.level", "info", "Log verbosity: debug, info, warn, error.")
	flags.String("log.file", "", "Log file path ('' or '-' for stdout).")

	flags.String("diagnostics.addr", "127.0.0.1:9101", "Diagnostics (/metrics, /healthz) listen address.")
	flags.Bool("diagnostics.enabled", true, "Whether to serve the diagnostics endpoint at all.")
}

// normalize applies the fixups the teacher's fixupSerial does for its
// SerialConfig: uppercase parity, and falling back to sane values for
// fields a config file left as their zero value.
func normalize(cfg *Config) {
	cfg.RTU.Parity = strings.ToUpper(cfg.RTU.Parity)
	if cfg.RTU.Parity == "" {
		cfg.RTU.Parity = "N"
	}
	if cfg.RTU.StopBits == 0 {
		cfg.RTU.StopBits = 1
	}
	if cfg.RTU.ByteSize == 0 {
		cfg.RTU.ByteSize = 8
	}
	if cfg.RTU.RetryCount == 0 {
		cfg.RTU.RetryCount = 3
	}
}
