package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/debuglink/internal/logging"
	"github.com/danmuck/debuglink/internal/service"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	configPath string
	envFile    string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "debuglink: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "debuglink",
		Short:         "Simulated device debug link",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if envFile == "" {
				return nil
			}
			if err := godotenv.Load(envFile); err != nil {
				return fmt.Errorf("load env file: %w", err)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "toml config file")
	root.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file loaded before config")

	root.AddCommand(serveCmd(), callCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run a simulated device with the debug link enabled",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.ConfigureRuntime()
			cfg, err := loadServiceConfig(configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := service.New(ctx, cfg)
			if err != nil {
				return err
			}
			if err := rt.Listen(); err != nil {
				_ = rt.Store.Close()
				return err
			}
			return rt.Run(ctx)
		},
	}
}
