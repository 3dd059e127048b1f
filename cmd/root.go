package cmd

import (
	"fmt"
	"os"

	"github.com/ehsanking/cipher-relay/internal/logger"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "cipher-relay",
	Short: "cipher-relay: SOCKS5 and HTTP proxying over one encrypted tunnel.",
	Long: `cipher-relay is a two-sided proxy. The local agent accepts SOCKS5 and HTTP
proxy clients and multiplexes them as virtual channels over a single encrypted
tunnel connection; the remote agent dials the targets.`,
	SilenceUsage: true,
}

func Execute() {
	defer logger.Sync()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Whoops. There was an error while executing your CLI '%s'\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (.json, .yaml or .yml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")
}

// initLogger applies the configured log settings, with --log-level taking
// precedence.
func initLogger(cfg logger.Config) error {
	if logLevel != "" {
		cfg.Level = logLevel
	}
	return logger.Init(cfg)
}
