package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sweetpotato0/ai-relay/server"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP relay",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "override server.port from the settings file")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := a.close(shutdownCtx); err != nil {
			a.log.Warn("shutdown incomplete", "error", err)
		}
	}()

	if servePort != 0 {
		if servePort < 0 || servePort > 65535 {
			return fmt.Errorf("port override %d must be a valid TCP port", servePort)
		}
		a.cfg.Server.Port = servePort
	}

	srv, err := server.New(server.Options{
		Addr:            a.cfg.Server.Addr(),
		ShutdownTimeout: a.cfg.Server.ShutdownTimeout,
		Manager:         a.manager,
		Settings:        a.cfg.Settings,
		Providers:       a.cfg.ProviderNames(),
		Tools:           a.catalog,
		Transcripts:     a.transcripts,
		Logger:          a.log.With("component", "server"),
	})
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}
