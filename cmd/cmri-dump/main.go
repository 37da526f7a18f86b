// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// cmri-dump prints every frame seen on a serial device or on incoming
// TCP connections, one line per packet: address, type, payload hex.
package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	gridserial "github.com/grid-x/serial"
	"github.com/spf13/pflag"

	"github.com/ffutop/cmri-gateway/cmri"
	"github.com/ffutop/cmri-gateway/internal/config"
)

func main() {
	listen := pflag.String("listen", "", "TCP listen address, e.g. [::1]:4000")
	device := pflag.String("device", "", "Serial device, e.g. /dev/ttyUSB0")
	baudRate := pflag.Int("baud-rate", 19200, "Serial baud rate")
	pflag.Parse()

	if (*listen == "") == (*device == "") {
		fmt.Fprintln(os.Stderr, "exactly one of --listen and --device must be given")
		os.Exit(1)
	}

	var err error
	if *device != "" {
		err = dumpSerial(*device, *baudRate)
	} else {
		err = dumpTCP(*listen)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func dumpSerial(device string, baudRate int) error {
	sc := config.SerialConfig{Device: device, BaudRate: baudRate}
	config.FixupSerial(&sc)

	port, err := gridserial.Open(&gridserial.Config{
		Address:  sc.Device,
		BaudRate: sc.BaudRate,
		DataBits: sc.DataBits,
		Parity:   sc.Parity,
		StopBits: sc.StopBits,
	})
	if err != nil {
		return fmt.Errorf("could not open %s: %w", device, err)
	}
	defer port.Close()

	fmt.Printf("Dumping bus traffic from %s\n", device)
	return dumpStream(port)
}

func dumpTCP(address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	defer listener.Close()
	fmt.Printf("Listening on %s\n", address)

	for {
		conn, err := listener.Accept()
		if err != nil {
			return err
		}
		fmt.Printf("Connection from %s\n", conn.RemoteAddr())
		go func(conn net.Conn) {
			defer conn.Close()
			if err := dumpStream(conn); err != nil {
				fmt.Fprintf(os.Stderr, "read failed: %v\n", err)
			}
			fmt.Println("client exited")
		}(conn)
	}
}

// dumpStream feeds r one byte at a time through a decoder and prints
// completed frames. Framing errors are reported and the decoder resyncs.
func dumpStream(r io.Reader) error {
	dec := cmri.NewDecoder(nil)
	buf := make([]byte, 1)
	for {
		n, err := r.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if n == 0 {
			continue
		}
		pkt, err := dec.Feed(buf[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "framing error: %v (total %d)\n", err, dec.FramingErrors())
			continue
		}
		if pkt != nil {
			fmt.Printf("%d\t%s\t%s\n", pkt.Address, pkt.Type, hex.EncodeToString(pkt.Payload))
		}
	}
}
