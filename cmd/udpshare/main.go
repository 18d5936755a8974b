// Package main provides the CLI entry point for udpshare.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/postalsys/udpshare/internal/agent"
	"github.com/postalsys/udpshare/internal/config"
	"github.com/postalsys/udpshare/internal/control"
	"github.com/postalsys/udpshare/internal/sysinfo"
	"github.com/postalsys/udpshare/internal/wizard"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "udpshare",
		Short: "udpshare - Shared UDP port runtime",
		Long: `udpshare binds UDP ports once and shares each socket between every
receiving and sending endpoint configured on that port.

Sockets are recreated automatically after fatal errors or explicit
close commands, and every endpoint converges on the new socket.`,
		Version: sysinfo.Version,
	}

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(portsCmd())
	rootCmd.AddCommand(closeCmd())
	rootCmd.AddCommand(sendCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a configuration interactively",
		Long:  "Run the setup wizard and write a configuration file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := wizard.New().Run()
			return err
		},
	}
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run udpshare",
		Long:  "Bind the configured ports and run until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			a, err := agent.New(cfg)
			if err != nil {
				return fmt.Errorf("failed to create agent: %w", err)
			}

			fmt.Printf("Starting udpshare...\n")

			if err := a.Start(); err != nil {
				return fmt.Errorf("failed to start agent: %w", err)
			}

			stats := a.Stats()
			if cfg.Health.Enabled {
				fmt.Printf("Health server: %s\n", cfg.Health.Address)
			}
			if cfg.Control.Enabled {
				fmt.Printf("Control socket: %s\n", cfg.Control.SocketPath)
			}
			fmt.Printf("Status: running (sockets: %d, inbound: %d/%d listening, outbound: %d)\n",
				stats.Sockets, stats.InboundListening, stats.InboundCount, stats.OutboundCount)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			sig := <-sigCh
			fmt.Printf("\nReceived signal %v, shutting down...\n", sig)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := a.StopWithContext(ctx); err != nil {
				fmt.Printf("Shutdown error: %v\n", err)
				return err
			}

			fmt.Println("Stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./udpshare.yaml", "Path to configuration file")

	return cmd
}

// addSocketFlag registers the control socket flag shared by client commands.
func addSocketFlag(cmd *cobra.Command, path *string) {
	cmd.Flags().StringVarP(path, "socket", "s", "./udpshare.sock", "Path to control socket")
}

func statusCmd() *cobra.Command {
	var socketPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show runtime status",
		Long:  "Display the status of every endpoint of a running instance.",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := control.NewClient(socketPath)
			defer client.CloseIdle()

			status, err := client.Status(cmd.Context())
			if err != nil {
				return err
			}
			printStatus(os.Stdout, status)
			return nil
		},
	}
	addSocketFlag(cmd, &socketPath)

	return cmd
}

func portsCmd() *cobra.Command {
	var socketPath string

	cmd := &cobra.Command{
		Use:   "ports",
		Short: "List shared sockets",
		Long:  "Display every registered port with its owner and holders.",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := control.NewClient(socketPath)
			defer client.CloseIdle()

			resp, err := client.Ports(cmd.Context())
			if err != nil {
				return err
			}
			printPorts(os.Stdout, resp.Sorted(), isTerminal(os.Stdout))
			return nil
		},
	}
	addSocketFlag(cmd, &socketPath)

	return cmd
}

func closeCmd() *cobra.Command {
	var (
		socketPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "close",
		Short: "Close shared sockets",
		Long: `Close the socket registered for --port, or every socket when no port
is given. Endpoints still configured on a port rebind it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := control.NewClient(socketPath)
			defer client.CloseIdle()

			var target *int
			if cmd.Flags().Changed("port") {
				target = &port
			}

			resp, err := client.Close(cmd.Context(), target)
			if err != nil {
				return err
			}
			if resp.Error != "" {
				return errors.New(resp.Error)
			}
			fmt.Printf("Closed. %d port(s) still registered.\n", resp.Remaining)
			return nil
		},
	}
	addSocketFlag(cmd, &socketPath)
	cmd.Flags().IntVarP(&port, "port", "p", 0, "Port to close (default: all)")

	return cmd
}

func sendCmd() *cobra.Command {
	var (
		socketPath string
		req        control.SendRequest
	)

	cmd := &cobra.Command{
		Use:   "send ENDPOINT PAYLOAD",
		Short: "Send a datagram through an outbound endpoint",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Endpoint = args[0]
			req.Text = args[1]

			client := control.NewClient(socketPath)
			defer client.CloseIdle()

			resp, err := client.Send(cmd.Context(), req)
			if err != nil {
				return err
			}
			if resp.Error != "" {
				return errors.New(resp.Error)
			}
			fmt.Printf("Sent %d bytes to %s\n", resp.Bytes, resp.Destination)
			return nil
		},
	}
	addSocketFlag(cmd, &socketPath)
	cmd.Flags().StringVar(&req.DestinationIP, "ip", "", "Destination address, if the endpoint has none configured")
	cmd.Flags().IntVar(&req.DestinationPort, "port", 0, "Destination port, if the endpoint has none configured")
	cmd.Flags().IntSliceVar(&req.RelatedPorts, "related", nil, "Additional ports to rebind if the socket is gone")

	return cmd
}
