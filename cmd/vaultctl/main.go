package main

import (
	"context"
	"fmt"
	"os"

	"family-vault/internal/config"
	"family-vault/internal/encryption"
	"family-vault/internal/repository/scylla"
	"family-vault/internal/util"

	"github.com/spf13/cobra"
)

// Version is set via ldflags during build.
var Version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "vaultctl",
	Short: "Family Vault operator tool",
	Long: `vaultctl provisions family members, issues their client certificates
and runs maintenance tasks against the vault's ScyllaDB store.

Store commands read the same environment as the server (SCYLLA_*, KMS_*).`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		verbose, _ := cmd.Flags().GetBool("verbose")
		if verbose {
			util.Init("development", "debug", "console")
			return
		}
		util.Nop()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log diagnostic output")

	rootCmd.AddCommand(issueCertCmd)
	rootCmd.AddCommand(provisionCmd)
	rootCmd.AddCommand(hashPasswordCmd)
	rootCmd.AddCommand(genPasswordCmd)
	rootCmd.AddCommand(strengthCmd)
	rootCmd.AddCommand(sweepCmd)
}

// store is an open ScyllaDB connection plus the sealer for member secrets.
type store struct {
	client *scylla.ScyllaClient
	sealer *encryption.EncryptionManager
}

func openStore(ctx context.Context) (*store, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, err
	}

	var kmsClient encryption.KMSAPI
	if cfg.KMS.Enabled {
		c, err := encryption.NewKMSClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		kmsClient = c
	}
	em, err := encryption.NewEncryptionManager(cfg, kmsClient)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize encryption: %w", err)
	}

	client, err := scylla.NewScyllaClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ScyllaDB: %w", err)
	}
	return &store{client: client, sealer: em}, nil
}

func (s *store) Close() {
	s.client.Close()
	s.sealer.ClearCache()
}
