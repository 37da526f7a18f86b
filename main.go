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
	"sync"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/ffutop/cmri-gateway/cmri"
	"github.com/ffutop/cmri-gateway/internal/bridge"
	"github.com/ffutop/cmri-gateway/internal/config"
	"github.com/ffutop/cmri-gateway/transport"
	"github.com/ffutop/cmri-gateway/transport/local"
	"github.com/ffutop/cmri-gateway/transport/serial"
	"github.com/ffutop/cmri-gateway/transport/tcp"
)

func main() {
	configFile := pflag.StringP("config", "c", "", "Path to config file")
	logLevel := pflag.String("log-level", "", "Override configured log level")
	pflag.Parse()

	// Load Configuration
	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	setupLogger(cfg.Log)

	slog.Info("Starting C/MRI Gateway...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	started := 0

	for _, gwCfg := range cfg.Gateways {
		// Create Downstream
		var ds transport.Downstream
		brCfg := bridge.Config{
			QueueDepth:      gwCfg.QueueDepth,
			ResponseTimeout: gwCfg.ResponseTimeout,
		}
		switch gwCfg.Downstream.Type {
		case "serial":
			ds = serial.NewClient(gwCfg.Downstream.Serial, gwCfg.ResponseTimeout)
			brCfg.RequestPause = gwCfg.Downstream.Serial.RqstPause
		case "local":
			ds = local.NewClient(gwCfg.Downstream.Local)
		default:
			slog.Error("Unknown downstream type", "type", gwCfg.Downstream.Type, "gateway", gwCfg.Name)
			continue
		}

		br := bridge.New(gwCfg.Name, ds, brCfg)
		submit := func(sessionCtx context.Context, session string, pkt *cmri.Packet) (transport.Pending, error) {
			return br.Submit(sessionCtx, session, pkt)
		}

		// Create Upstreams
		var upstreams []transport.Upstream
		for _, usCfg := range gwCfg.Upstreams {
			switch usCfg.Type {
			case "tcp":
				upstreams = append(upstreams, tcp.NewServer(usCfg.Tcp.Address))
			default:
				slog.Error("Unknown upstream type", "type", usCfg.Type, "gateway", gwCfg.Name)
			}
		}
		if len(upstreams) == 0 {
			slog.Error("Gateway has no usable upstreams", "gateway", gwCfg.Name)
			continue
		}

		wg.Add(1)
		go func(br *bridge.Bridge) {
			defer wg.Done()
			if err := br.Run(ctx); err != nil {
				slog.Error("Bridge stopped with error", "name", br.Name, "err", err)
			}
		}(br)

		name := gwCfg.Name
		for _, us := range upstreams {
			wg.Add(1)
			go func(us transport.Upstream) {
				defer wg.Done()
				if err := us.Start(ctx, submit); err != nil {
					slog.Error("Upstream stopped with error", "gateway", name, "err", err)
				}
			}(us)
		}
		started++
	}

	if started == 0 {
		slog.Error("No valid gateways configured. Exiting.")
		os.Exit(1)
	}

	// Wait for Signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	slog.Info("Shutting down...")
	cancel()
	wg.Wait()
	slog.Info("Goodbye.")
}

func setupLogger(cfg config.LogConfig) {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
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
		f, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
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
