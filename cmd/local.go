package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ehsanking/cipher-relay/internal/config"
	"github.com/ehsanking/cipher-relay/internal/local"
	"github.com/ehsanking/cipher-relay/internal/logger"
	"github.com/ehsanking/cipher-relay/internal/stats"
	"github.com/ehsanking/cipher-relay/internal/web"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var localCmd = &cobra.Command{
	Use:   "local",
	Short: "Run the local agent (SOCKS5 and HTTP proxy).",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadLocal(configPath)
		if err != nil {
			return err
		}

		// Override config with flags if they are set
		flags := cmd.Flags()
		if flags.Changed("listen") {
			cfg.Listen, _ = flags.GetString("listen")
		}
		if flags.Changed("remote") {
			cfg.Remote, _ = flags.GetString("remote")
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
		if flags.Changed("admin") {
			cfg.AdminAddr, _ = flags.GetString("admin")
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := initLogger(cfg.Log); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		metrics := stats.NewMetrics()
		manager := stats.NewManager(metrics)
		tunnel := local.NewTunnel(local.CarrierDialer(cfg))
		server, err := local.NewServer(cfg, tunnel, manager, metrics)
		if err != nil {
			return err
		}

		logger.Info("Starting local agent",
			zap.String("listen", cfg.Listen),
			zap.String("remote", cfg.URL()),
			zap.String("cipher", cfg.Cipher))

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return tunnel.Run(ctx) })
		g.Go(func() error { return server.ListenAndServe(ctx) })
		if cfg.AdminAddr != "" {
			opts := web.Options{Addr: cfg.AdminAddr, User: cfg.AdminUser, Pass: cfg.AdminPass}
			g.Go(func() error { return web.StartServer(ctx, opts, manager, metrics) })
		}
		return g.Wait()
	},
}

func init() {
	rootCmd.AddCommand(localCmd)

	// Add flags for overriding config values
	localCmd.Flags().String("listen", config.DefaultLocalListen, "proxy listen address")
	localCmd.Flags().String("remote", config.DefaultRemoteListen, "remote agent address")
	localCmd.Flags().String("key", "", "shared tunnel key")
	localCmd.Flags().String("transport", config.TransportWebSocket, "tunnel transport (websocket or tcp)")
	localCmd.Flags().Bool("tls", false, "use TLS to the remote agent")
	localCmd.Flags().String("admin", "", "admin server listen address")
}
