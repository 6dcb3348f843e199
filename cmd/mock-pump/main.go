// mock-pump simulates the Poseidon pump controller over TCP so the host
// can be exercised without hardware. It accepts the command frames,
// moves three virtual axes and streams position reports.
//
// Usage:
//
//	mock-pump [-listen 127.0.0.1:5555] [-report 100ms] [-trace]
//
// Point the host at it with port = "tcp://127.0.0.1:5555".
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	perrors "poseidon-go-host/pkg/errors"
	"poseidon-go-host/pkg/log"
	"poseidon-go-host/pkg/protocol"
)

func main() {
	addr := flag.String("listen", "127.0.0.1:5555", "TCP listen address")
	report := flag.Duration("report", 100*time.Millisecond, "Position report interval")
	trace := flag.Bool("trace", false, "Log every frame")
	flag.Parse()

	logger := log.New("mock-pump")
	log.ConfigureFromEnv(logger)
	if *trace {
		logger.SetLevel(log.DEBUG)
	}

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listening: %v\n", err)
		os.Exit(1)
	}
	defer ln.Close()
	logger.Info("mock pump listening on %s", ln.Addr())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down")
				return
			}
			logger.WithError(err).Error("accept failed")
			return
		}
		logger.Info("client connected from %s", conn.RemoteAddr())
		go serve(ctx, conn, newPumpSim(), *report, logger)
	}
}

// serve runs one client session: the firmware restarts per connection,
// as the real board does when the port is opened.
func serve(ctx context.Context, conn net.Conn, sim *pumpSim, interval time.Duration, logger *log.Logger) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer conn.Close()

	if _, err := io.WriteString(conn, "Poseidon ready\n"); err != nil {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		last := time.Now()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				sim.step(now.Sub(last).Seconds())
				last = now
				if _, err := conn.Write(protocol.EncodeTelemetry(sim.report())); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	dec := protocol.NewDecoder(conn)
	for {
		item, err := dec.Next()
		if err != nil {
			if perrors.Is(err, perrors.ErrFraming) {
				logger.Debug("discarding malformed frame: %v", err)
				continue
			}
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				logger.WithError(err).Warn("read failed")
			}
			logger.Info("client %s disconnected", conn.RemoteAddr())
			return
		}
		if item.Kind != protocol.ItemFrame {
			continue
		}
		logger.Debug("<- %s", item.Raw)
		cmd, err := protocol.ParseCommand(item.Fields)
		if err != nil {
			logger.Warn("bad command %s: %v", item.Raw, err)
			continue
		}
		reply, err := sim.apply(cmd)
		if err != nil {
			logger.Warn("%s: %v", item.Raw, err)
			continue
		}
		logger.Debug("-> %s", reply)
	}
}
