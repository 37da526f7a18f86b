// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config defines the global configuration structure
type Config struct {
	Gateways []GatewayConfig `mapstructure:"gateways"`
	Log      LogConfig       `mapstructure:"log"`
}

// LogConfig defines logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
	File  string `mapstructure:"file"`  // Log file path
}

// GatewayConfig defines a single gateway instance: one bus, one or more
// TCP listeners feeding it.
type GatewayConfig struct {
	Name       string           `mapstructure:"name"`
	Upstreams  []UpstreamConfig `mapstructure:"upstreams"`
	Downstream DownstreamConfig `mapstructure:"downstream"`

	// QueueDepth bounds the pending request queue shared by all sessions.
	QueueDepth int `mapstructure:"queue_depth"`
	// ResponseTimeout bounds the wait for a node's reply to a poll.
	ResponseTimeout time.Duration `mapstructure:"response_timeout"`
}

// UpstreamConfig defines a control application connecting to the gateway
type UpstreamConfig struct {
	Type string    `mapstructure:"type"` // "tcp"
	Tcp  TcpConfig `mapstructure:"tcp"`
}

// DownstreamConfig defines the bus the gateway drives
type DownstreamConfig struct {
	Type   string       `mapstructure:"type"`   // "serial", "local"
	Serial SerialConfig `mapstructure:"serial"` // Used if Type is "serial"
	Local  LocalConfig  `mapstructure:"local"`  // Used if Type is "local"
}

// LocalConfig defines in-process virtual nodes standing in for a bus
type LocalConfig struct {
	Nodes []NodeConfig `mapstructure:"nodes"`
}

// NodeConfig defines one virtual C/MRI node
type NodeConfig struct {
	Address     int               `mapstructure:"address"`
	Type        string            `mapstructure:"type"`        // "USIC", "SUSIC", "SMINI", "CPNODE"
	InputBytes  int               `mapstructure:"input_bytes"` // reported per poll
	Persistence PersistenceConfig `mapstructure:"persistence"`
}

// PersistenceConfig defines i/o state storage settings
type PersistenceConfig struct {
	Type string `mapstructure:"type"` // "memory", "file", "mmap"
	Path string `mapstructure:"path"` // File path for "file/mmap" type
}

// TcpConfig defines TCP settings
type TcpConfig struct {
	Address string `mapstructure:"address"` // e.g. "0.0.0.0:4000"
}

// SerialConfig defines RS485 bus settings
type SerialConfig struct {
	Device    string        `mapstructure:"device"`
	BaudRate  int           `mapstructure:"baud_rate"`
	DataBits  int           `mapstructure:"data_bits"`
	Parity    string        `mapstructure:"parity"`
	StopBits  int           `mapstructure:"stop_bits"`
	Timeout   time.Duration `mapstructure:"timeout"`    // per-read timeout
	RqstPause time.Duration `mapstructure:"rqst_pause"` // Pause between requests
}

// LoadConfig loads configuration from file
func LoadConfig(configFile string) (*Config, error) {
	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/cmrigw/")
		v.AddConfigPath("$HOME/.cmrigw")
		v.AddConfigPath(".")
	}

	// Set defaults
	v.SetDefault("log.level", "info")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to found config file: %w", err)
		}

		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate / Fixups
	for i := range config.Gateways {
		gw := &config.Gateways[i]

		FixupSerial(&gw.Downstream.Serial)
		if gw.QueueDepth <= 0 {
			gw.QueueDepth = 100
		}
		if gw.ResponseTimeout <= 0 {
			gw.ResponseTimeout = 500 * time.Millisecond
		}

		for j := range gw.Downstream.Local.Nodes {
			n := &gw.Downstream.Local.Nodes[j]
			if n.Address < 0 || n.Address > 127 {
				return nil, fmt.Errorf("gateway %q: node address %d out of range 0..127", gw.Name, n.Address)
			}
			if n.InputBytes <= 0 {
				n.InputBytes = 8
			}
		}
	}

	return &config, nil
}

// FixupSerial normalizes a serial section, applying C/MRI wiring defaults
// (19200 8N1).
func FixupSerial(s *SerialConfig) {
	s.Parity = strings.ToUpper(s.Parity)
	if s.Parity == "" {
		s.Parity = "N"
	}
	if s.BaudRate == 0 {
		s.BaudRate = 19200
	}
	if s.DataBits == 0 {
		s.DataBits = 8
	}
	if s.StopBits == 0 {
		s.StopBits = 1
	}
	if s.Timeout == 0 {
		s.Timeout = 100 * time.Millisecond
	}
	if s.RqstPause == 0 {
		s.RqstPause = 50 * time.Millisecond
	}
}
