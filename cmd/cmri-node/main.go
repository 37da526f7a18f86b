// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// cmri-node runs a single virtual C/MRI node on a serial device or a TCP
// listener. Useful as the far end of a gateway during development, or as
// a stand-in for hardware that has not arrived yet.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	gridserial "github.com/grid-x/serial"
	"github.com/spf13/pflag"

	"github.com/ffutop/cmri-gateway/cmri"
	"github.com/ffutop/cmri-gateway/internal/config"
	"github.com/ffutop/cmri-gateway/internal/node"
	"github.com/ffutop/cmri-gateway/internal/node/persistence"
)

func main() {
	address := pflag.Int("address", 0, "Node address (0..127)")
	nodeType := pflag.String("type", "SMINI", "Node type: USIC, SUSIC, SMINI or CPNODE")
	inputBytes := pflag.Int("input-bytes", 8, "Input table bytes reported per poll")
	listen := pflag.String("listen", "", "TCP listen address, e.g. [::1]:4000")
	device := pflag.String("device", "", "Serial device, e.g. /dev/ttyUSB0")
	baudRate := pflag.Int("baud-rate", 19200, "Serial baud rate")
	persistType := pflag.String("persistence", "memory", "I/O state storage: memory, file or mmap")
	persistPath := pflag.String("persistence-path", "", "Storage file path for file/mmap persistence")
	demoInputs := pflag.Bool("demo-inputs", false, "Toggle all sensors once per second")
	logLevel := pflag.String("log-level", "info", "Log level: debug, info, warn, error")
	pflag.Parse()

	setupLogger(*logLevel)

	if *address < 0 || *address > cmri.MaxNodeAddress {
		slog.Error("Node address out of range", "address", *address)
		os.Exit(1)
	}
	if (*listen == "") == (*device == "") {
		slog.Error("Exactly one of --listen and --device must be given")
		os.Exit(1)
	}

	var storage persistence.Storage
	switch *persistType {
	case "file":
		storage = persistence.NewFileStorage(*persistPath)
	case "mmap":
		storage = persistence.NewMmapStorage(*persistPath)
	default:
		storage = persistence.NewMemoryStorage()
	}

	m, err := storage.Load()
	if err != nil {
		slog.Error("Failed to load persistence data", "err", err)
		os.Exit(1)
	}

	n := node.NewNode(cmri.NodeAddress(*address), parseNodeType(*nodeType), *inputBytes, m, storage)
	slog.Info("Virtual node ready", "address", *address, "type", *nodeType)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		slog.Info("Shutting down...")
		cancel()
	}()

	if *demoInputs {
		go runDemoInputs(ctx, n, *inputBytes)
	}

	if *device != "" {
		err = runSerial(ctx, n, *device, *baudRate)
	} else {
		err = runTCP(ctx, n, *listen)
	}
	if err != nil && ctx.Err() == nil {
		slog.Error("Node stopped with error", "err", err)
		os.Exit(1)
	}
}

// runSerial services the bus on a serial device until ctx ends.
func runSerial(ctx context.Context, n *node.Node, device string, baudRate int) error {
	sc := config.SerialConfig{Device: device, BaudRate: baudRate}
	config.FixupSerial(&sc)

	port, err := gridserial.Open(&gridserial.Config{
		Address:  sc.Device,
		BaudRate: sc.BaudRate,
		DataBits: sc.DataBits,
		Parity:   sc.Parity,
		StopBits: sc.StopBits,
		Timeout:  sc.Timeout,
	})
	if err != nil {
		return fmt.Errorf("could not open %s: %w", device, err)
	}
	defer port.Close()

	go func() {
		<-ctx.Done()
		port.Close()
	}()

	return n.Run(ctx, retryReader{port})
}

// retryReader swallows per-read serial timeouts so the node loop keeps
// listening on a quiet bus.
type retryReader struct {
	port io.ReadWriteCloser
}

func (r retryReader) Read(p []byte) (int, error) {
	for {
		n, err := r.port.Read(p)
		if err == gridserial.ErrTimeout {
			continue
		}
		return n, err
	}
}

func (r retryReader) Write(p []byte) (int, error) { return r.port.Write(p) }

// runTCP services connections one at a time: the node is single-threaded
// and owns its endpoint exclusively, exactly like a node on a physical bus.
func runTCP(ctx context.Context, n *node.Node, address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	defer listener.Close()
	slog.Info("Virtual node listening", "addr", address)

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("Failed to accept connection", "err", err)
			continue
		}
		slog.Info("Connection accepted", "remote", conn.RemoteAddr())
		// Unblock a pending conn.Read on shutdown; the node loop only
		// notices ctx between reads.
		connDone := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				conn.Close()
			case <-connDone:
			}
		}()
		if err := n.Run(ctx, conn); err != nil && ctx.Err() == nil {
			slog.Warn("Connection ended", "remote", conn.RemoteAddr(), "err", err)
		}
		close(connDone)
		conn.Close()
	}
}

// runDemoInputs flips every sensor once per second, so a polling host has
// something to watch.
func runDemoInputs(ctx context.Context, n *node.Node, inputBytes int) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-ticker.C:
			var b byte
			if tick.Unix()%2 == 0 {
				b = 0xFF
			}
			for i := 0; i < inputBytes; i++ {
				n.Model().WriteInputByte(i, b)
			}
		}
	}
}

func parseNodeType(s string) cmri.NodeType {
	switch s {
	case "USIC":
		return cmri.NodeUsic
	case "SUSIC":
		return cmri.NodeSusic
	case "CPNODE":
		return cmri.NodeCpnode
	default:
		return cmri.NodeSmini
	}
}

func setupLogger(level string) {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	switch level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, opts)))
}
