package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X github.com/ehsanking/cipher-relay/cmd.Version=...".
var Version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of cipher-relay",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("cipher-relay version %s\n", Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
