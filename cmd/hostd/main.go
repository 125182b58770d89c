// Command hostd is the Bluetooth host daemon. It exposes the device audit
// control channel on a unix socket and drives all probe I/O from a single
// event loop.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/muxable/hostd/pkg/audit"
	"github.com/muxable/hostd/pkg/bdaddr"
	"github.com/muxable/hostd/pkg/control"
	"github.com/muxable/hostd/pkg/eventloop"
	"github.com/muxable/hostd/pkg/host"
	"github.com/muxable/hostd/pkg/l2cap"
)

const defaultSocket = "/run/hostd.sock"

func main() {
	var (
		socketPath   string
		adapterID    uint16
		experimental bool
		logLevel     string
		logFormat    string
		logFile      string
	)

	root := &cobra.Command{
		Use:   "hostd",
		Short: "Bluetooth host daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := buildLogger(logLevel, logFormat, logFile)
			if err != nil {
				return err
			}
			defer logger.Sync()
			undo := zap.ReplaceGlobals(logger)
			defer undo()

			return run(socketPath, adapterID, experimental)
		},
	}
	root.Flags().StringVar(&socketPath, "socket", defaultSocket, "control socket path")
	root.Flags().Uint16Var(&adapterID, "adapter", 0, "hci device id audits originate from")
	root.Flags().BoolVar(&experimental, "experimental", false, "enable experimental control methods")
	root.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.Flags().StringVar(&logFormat, "log-format", "console", "log encoding (console, json)")
	root.Flags().StringVar(&logFile, "log-file", "", "log to this file with rotation instead of stderr")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(socketPath string, adapterID uint16, experimental bool) error {
	adapter, err := host.FindAdapter(adapterID)
	if err != nil {
		return fmt.Errorf("resolve adapter hci%d: %w", adapterID, err)
	}
	zap.L().Info("using adapter",
		zap.Uint16("id", adapter.ID),
		zap.String("name", adapter.Name),
		zap.Stringer("address", adapter.Addr))

	loop, err := eventloop.New()
	if err != nil {
		return fmt.Errorf("create event loop: %w", err)
	}
	defer loop.Close()

	activity := host.NewActivity()
	srv := control.NewServer(loop, activity, control.Config{
		Experimental: experimental,
		AdapterID:    adapterID,
	})

	registry := audit.NewRegistry(audit.Config{
		Open: func(target bdaddr.BDAddr) (audit.Transport, error) {
			// Resolve the adapter again on every open; it may have been
			// removed since the daemon started.
			a, err := host.FindAdapter(adapterID)
			if err != nil {
				return nil, err
			}
			conn, err := l2cap.DialRaw(a.Addr, target)
			if err != nil {
				return nil, err
			}
			return audit.NewLoopTransport(loop, conn), nil
		},
		Timers:     audit.LoopTimers{Loop: loop},
		Tracker:    srv,
		OnComplete: srv.NotifyComplete,
	})
	srv.SetRegistry(registry)

	os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on control socket: %w", err)
	}
	defer os.Remove(socketPath)
	defer ln.Close()

	go func() {
		if err := srv.Serve(ln); err != nil {
			zap.L().Error("control server stopped", zap.Error(err))
			loop.Post(func() { loop.Stop() })
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sig
		zap.L().Info("shutting down", zap.String("signal", s.String()))
		ln.Close()
		loop.Post(func() { loop.Stop() })
	}()

	zap.L().Info("control channel ready",
		zap.String("socket", socketPath), zap.Bool("experimental", experimental))
	return loop.Run()
}
