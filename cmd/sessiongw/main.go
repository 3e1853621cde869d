package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sandeepkv93/session-auth-gateway/internal/app"
	"github.com/sandeepkv93/session-auth-gateway/internal/di"
	"github.com/sandeepkv93/session-auth-gateway/internal/tools/common"
	"github.com/sandeepkv93/session-auth-gateway/internal/tools/probe"
)

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var envFile string
	root := &cobra.Command{
		Use:           "sessiongw",
		Short:         "Session authentication gateway for the web frontend",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return common.LoadEnvFile(envFile)
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional KEY=VALUE file applied before reading the environment")
	root.AddCommand(
		newServeCommand("serve", "Run the gateway in front of the upstream frontend", di.InitializeApp),
		newServeCommand("devbackend", "Run the reference session backend", di.InitializeDevBackend),
		probe.NewCommand(),
	)
	return root
}

func newServeCommand(use, short string, initialize func(context.Context) (*app.App, func(), error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, cleanup, err := initialize(ctx)
			if err != nil {
				return err
			}
			defer cleanup()
			return a.Run(ctx)
		},
	}
}
