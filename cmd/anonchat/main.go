// Package main provides the CLI entry point for anonchat.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lanwire/anonchat/internal/cli"
	"github.com/lanwire/anonchat/internal/config"
	"github.com/lanwire/anonchat/internal/httpui"
	"github.com/lanwire/anonchat/internal/logging"
	"github.com/lanwire/anonchat/internal/metrics"
	"github.com/lanwire/anonchat/internal/room"
	"github.com/lanwire/anonchat/internal/runtime"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "anonchat",
		Short:   "AnonChat - LAN-local anonymous chat",
		Long:    "AnonChat discovers peers on the local broadcast domain and exchanges end-to-end encrypted messages and room invitations without any central server.",
		Version: Version,
	}

	rootCmd.AddCommand(runCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
		logFormat  string
		noUI       bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the chat process",
		Long:  "Start discovery, chat, and the room manager, plus the local HTTP UI unless --no-ui is set.",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.FromEnv()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if configPath != "" {
				if err := settings.LoadFile(configPath); err != nil {
					return fmt.Errorf("failed to load config file: %w", err)
				}
			}

			if settings.Debug {
				logLevel = "debug"
			}
			logger := logging.NewLogger(logLevel, logFormat)
			m := metrics.Default()

			rt, err := runtime.New(settings, logger, m)
			if err != nil {
				return fmt.Errorf("failed to create runtime: %w", err)
			}

			fmt.Printf("AnonChat started as: %s\n", rt.Identity.DisplayName())
			fmt.Printf("Bound interface: %s\n", rt.BindIP())

			rt.Start()
			defer rt.Stop()

			var uiURL string
			if !noUI {
				ui := httpui.New(rt, settings.UIHost, settings.UIPort, logger)
				ui.Start()
				uiURL = ui.URL()
				defer func() {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					ui.Stop(ctx)
				}()
				fmt.Printf("HTTP UI: %s\n", uiURL)
			}

			console := cli.New(rt, os.Stdin, os.Stdout, uiURL, cli.ReadPasswordFromStdin)
			rt.OnMessage(func(ev runtime.MessageEvent) {
				fmt.Println(cli.FormatMessage(ev))
			})
			rt.OnRoomEvent(func(ev room.Event) {
				fmt.Println(cli.FormatEvent(ev))
			})

			done := make(chan error, 1)
			go func() { done <- console.Run() }()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case err := <-done:
				return err
			case sig := <-sigCh:
				fmt.Printf("\nReceived signal %v, shutting down...\n", sig)
				return nil
			}
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to a YAML file with static room presets")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	cmd.Flags().StringVar(&logFormat, "log-format", "text", "Log format: text, json")
	cmd.Flags().BoolVar(&noUI, "no-ui", false, "Disable the local HTTP UI")

	return cmd
}
