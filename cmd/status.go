package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ehsanking/cipher-relay/internal/config"
	"github.com/ehsanking/cipher-relay/internal/local"
	"github.com/ehsanking/cipher-relay/internal/protocol"
	"github.com/ehsanking/cipher-relay/internal/rpc"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query the remote agent over a fresh tunnel connection.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadLocal(configPath)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("remote") {
			cfg.Remote, _ = cmd.Flags().GetString("remote")
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		fmt.Printf("Checking tunnel status at %s...\n", cfg.URL())
		mc, err := local.CarrierDialer(cfg)(ctx)
		if err != nil {
			fmt.Println("Status: Inactive")
			return err
		}
		client := rpc.NewClient(mc)
		defer client.Close()

		start := time.Now()
		resp, err := client.Call(ctx, protocol.KindStatus, nil)
		if err != nil {
			return err
		}
		if resp.Status != rpc.StatusOK {
			return fmt.Errorf("remote answered %s", resp.Status)
		}
		st, err := protocol.DecodeStatus(resp.Body)
		if err != nil {
			return err
		}

		printStatus(os.Stdout, st, time.Since(start))
		return nil
	},
}

func printStatus(w io.Writer, st protocol.Status, rtt time.Duration) {
	fmt.Fprintln(w, "Status: Active")
	fmt.Fprintf(w, "Round trip:         %s\n", rtt.Round(time.Millisecond))
	fmt.Fprintf(w, "Remote version:     %s\n", st.Version)
	fmt.Fprintf(w, "Tunnel connections: %d\n", st.TunnelConns)
	fmt.Fprintf(w, "Active channels:    %d\n", st.ActiveChannels)
	fmt.Fprintf(w, "Next channel id:    %d\n", st.NextChannel)
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().String("remote", config.DefaultRemoteListen, "remote agent address")
}
