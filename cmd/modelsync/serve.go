package main

import (
	"os"
	"os/signal"
	"syscall"

	"modelsync/internal/app"
	"modelsync/internal/logging"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

func newServeCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and webhook receiver",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = a.Config.ListenAddr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.HTTPServer().ListenAndServe(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	return cmd
}

func newMCPCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve MCP tools on stdin and stdout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			// stdout carries the protocol; only warnings go to stderr.
			a, err := app.New(cfg, logging.NewWriterLogger(os.Stderr, log.WarnLevel))
			if err != nil {
				return err
			}
			return a.MCPServer(version).Serve()
		},
	}
}
