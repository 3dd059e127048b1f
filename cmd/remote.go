package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ehsanking/cipher-relay/internal/config"
	"github.com/ehsanking/cipher-relay/internal/logger"
	"github.com/ehsanking/cipher-relay/internal/remote"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var remoteCmd = &cobra.Command{
	Use:   "remote",
	Short: "Run the remote agent (dials targets for the local agent).",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadRemote(configPath)
		if err != nil {
			return err
		}

		flags := cmd.Flags()
		if flags.Changed("listen") {
			cfg.Listen, _ = flags.GetString("listen")
		}
		if flags.Changed("key") {
			cfg.Key, _ = flags.GetString("key")
		}
		if flags.Changed("transport") {
			cfg.Transport, _ = flags.GetString("transport")
		}
		if flags.Changed("tls") {
			cfg.TLS, _ = flags.GetBool("tls")
		}
		if flags.Changed("resolver") {
			cfg.Resolver, _ = flags.GetString("resolver")
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := initLogger(cfg.Log); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		remote.Version = Version
		server, err := remote.NewServer(cfg)
		if err != nil {
			return err
		}
		logger.Info("Starting remote agent",
			zap.String("listen", cfg.Listen),
			zap.Duration("connect_timeout", cfg.ConnectTimeout.Std()),
			zap.String("resolver", cfg.Resolver))
		return server.ListenAndServe(ctx)
	},
}

func init() {
	rootCmd.AddCommand(remoteCmd)

	remoteCmd.Flags().String("listen", config.DefaultRemoteListen, "tunnel listen address")
	remoteCmd.Flags().String("key", "", "shared tunnel key")
	remoteCmd.Flags().String("transport", config.TransportWebSocket, "tunnel transport (websocket or tcp)")
	remoteCmd.Flags().Bool("tls", false, "serve the tunnel over TLS with a self-signed certificate")
	remoteCmd.Flags().String("resolver", "", "DNS server (host:port) for target names")
}
