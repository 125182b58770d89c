// Command hostctl talks to a running hostd over its control socket.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/muxable/hostd/pkg/control"
)

const defaultSocket = "/run/hostd.sock"

func main() {
	var (
		socketPath string
		wait       bool
		timeout    time.Duration
	)

	root := &cobra.Command{
		Use:   "hostctl",
		Short: "Control client for hostd",
	}
	root.PersistentFlags().StringVar(&socketPath, "socket", defaultSocket, "control socket path")

	auditCmd := &cobra.Command{
		Use:   "audit <address>",
		Short: "Probe a remote device for its MTU and feature mask",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := control.Dial(socketPath)
			if err != nil {
				return err
			}
			defer c.Close()

			// The daemon reports addresses in uppercase form; match it so
			// the completion event can be correlated.
			address := strings.ToUpper(args[0])
			if err := c.StartAudit(address); err != nil {
				return err
			}
			fmt.Printf("audit started for %s\n", address)
			if !wait {
				return nil
			}

			// Only the connection that started an audit may cancel it, so
			// the interrupt has to be handled here, on this connection.
			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt)
			defer signal.Stop(sig)
			go func() {
				if _, ok := <-sig; ok {
					c.InterruptAudit(address)
				}
			}()

			ev, err := c.WaitForCompletion(address, timeout)
			if err != nil {
				return err
			}
			fmt.Printf("audit %s: %s\n", address, ev.Status)
			if ev.MTU != nil {
				fmt.Printf("  connectionless mtu: %d\n", *ev.MTU)
			}
			if ev.FeatureMask != nil {
				fmt.Printf("  extended feature mask: 0x%08x\n", *ev.FeatureMask)
			}
			return nil
		},
	}
	auditCmd.Flags().BoolVar(&wait, "wait", true, "wait for the audit to finish")
	auditCmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait for completion")

	adaptersCmd := &cobra.Command{
		Use:   "adapters",
		Short: "List the daemon's local controllers",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := control.Dial(socketPath)
			if err != nil {
				return err
			}
			defer c.Close()
			adapters, err := c.Adapters()
			if err != nil {
				return err
			}
			for _, a := range adapters {
				fmt.Printf("hci%d\t%s\t%s\n", a.ID, a.Name, a.Address)
			}
			return nil
		},
	}

	root.AddCommand(auditCmd, adaptersCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
