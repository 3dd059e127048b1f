package cmd

import (
	"fmt"
	"os"

	"github.com/ehsanking/cipher-relay/internal/config"
	"github.com/ehsanking/cipher-relay/internal/crypto"
	"github.com/spf13/cobra"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a shared tunnel key.",
	Long: `Generate a random 32-byte key, printed in URL-safe base64. Both agents must
use the same key. With --write-local or --write-remote the key is also stored
in a config file, which is created with defaults if it does not exist.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := crypto.GenerateKey()
		if err != nil {
			return fmt.Errorf("generate key: %w", err)
		}
		encoded := crypto.EncodeKeyToBase64(key)

		if path, _ := cmd.Flags().GetString("write-local"); path != "" {
			cfg, err := loadOrDefaultLocal(path)
			if err != nil {
				return err
			}
			cfg.Key = encoded
			if err := config.Save(path, cfg); err != nil {
				return err
			}
			fmt.Printf("Key written to %s\n", path)
		}
		if path, _ := cmd.Flags().GetString("write-remote"); path != "" {
			cfg, err := loadOrDefaultRemote(path)
			if err != nil {
				return err
			}
			cfg.Key = encoded
			if err := config.Save(path, cfg); err != nil {
				return err
			}
			fmt.Printf("Key written to %s\n", path)
		}

		fmt.Println(encoded)
		return nil
	},
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func loadOrDefaultLocal(path string) (*config.LocalConfig, error) {
	if !fileExists(path) {
		return config.DefaultLocalConfig(), nil
	}
	return config.LoadLocal(path)
}

func loadOrDefaultRemote(path string) (*config.RemoteConfig, error) {
	if !fileExists(path) {
		return config.DefaultRemoteConfig(), nil
	}
	return config.LoadRemote(path)
}

func init() {
	rootCmd.AddCommand(keygenCmd)
	keygenCmd.Flags().String("write-local", "", "store the key in this local agent config file")
	keygenCmd.Flags().String("write-remote", "", "store the key in this remote agent config file")
}
