package main

import (
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/HendryAvila/recall/internal/config"
	"github.com/HendryAvila/recall/internal/logging"
	"github.com/HendryAvila/recall/internal/server"
)

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "recall",
		Short:         "Persistent session memory for AI coding agents",
		Long:          "recall records what coding agents do in each session, distills it into searchable observations, and answers \"what happened around X\" with a timeline.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.recall/config.yaml)")

	open := func() (*server.Service, zerolog.Logger, io.Closer, error) {
		return openService(configPath)
	}

	rootCmd.AddCommand(
		newServeCmd(open),
		newMCPCmd(open),
		newSearchCmd(open),
		newBackfillCmd(open),
		newVersionCmd(),
	)
	return rootCmd
}

type openFunc func() (*server.Service, zerolog.Logger, io.Closer, error)

// openService loads configuration, builds the logger and opens the
// service. The returned closer releases both the service and the log file.
func openService(configPath string) (*server.Service, zerolog.Logger, io.Closer, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Nop(), nil, fmt.Errorf("loading config: %w", err)
	}
	log, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, zerolog.Nop(), nil, err
	}
	svc, err := server.New(cfg, log)
	if err != nil {
		_ = logCloser.Close()
		return nil, zerolog.Nop(), nil, err
	}
	return svc, log, closerFunc(func() error {
		err := svc.Close()
		_ = logCloser.Close()
		return err
	}), nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "recall v%s\n", server.Version)
			return err
		},
	}
}
