// main.go
// Application entry point: loads configuration, initializes the logger and
// runs the requested command.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/erilali/chathub/internal/api"
	"github.com/erilali/chathub/internal/config"
	"github.com/erilali/chathub/internal/logger"
	"github.com/spf13/cobra"
)

const defaultConfigPath = "chathub.json"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "chathub",
		Short: "Real-time chat and call-signaling server",
		Long: `chathub relays chat messages, media uploads and WebRTC call signaling
between WebSocket clients, and keeps a message history in memory,
NATS JetStream or Redis.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to the JSON configuration file")

	serve := serveCmd(&configPath)
	rootCmd.RunE = serve.RunE
	rootCmd.Flags().AddFlagSet(serve.Flags())

	rootCmd.AddCommand(
		serve,
		historyCmd(&configPath),
		checkCmd(&configPath),
		resetCmd(&configPath),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration and initializes the global logger
// from it.
func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	logger.InitLogger(cfg.Logger)
	return cfg, nil
}

func serveCmd(configPath *string) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			serverLogger := logger.NewLogger("server")
			serverLogger.WithFields(map[string]interface{}{
				"level":       cfg.Logger.Level,
				"log_to_file": cfg.Logger.LogToFile,
				"log_to_json": cfg.Logger.LogToJSON,
				"file_path":   cfg.Logger.FilePath,
			}).Info("Logger configuration details")

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return api.StartServer(ctx, cfg, serverLogger)
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "", "Listen address, overrides the configuration")

	return cmd
}
