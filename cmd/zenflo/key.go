package main

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/quinnbmay/zenflo-sub001/internal/config"
	"github.com/quinnbmay/zenflo-sub001/internal/keys"
	"github.com/quinnbmay/zenflo-sub001/internal/relayclient"
)

var errNoKey = errors.New("no secret key (zenflo key generate or zenflo key import)")

func keyCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage the secret key",
	}
	cmd.AddCommand(keyGenerateCmd(flags), keyShowCmd(flags), keyImportCmd(flags))
	return cmd
}

func keyGenerateCmd(flags *globalFlags) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Create a new secret key",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if err := refuseOverwrite(cfg, force); err != nil {
				return err
			}
			s, err := keys.GenerateSecret()
			if err != nil {
				return err
			}
			if err := keys.SaveSecretFile(cfg.KeyPath(), s); err != nil {
				return err
			}
			fmt.Println("Secret key (write it down, it is the only way to add another device):")
			fmt.Println()
			fmt.Println("  " + keys.FormatSecret(s))
			fmt.Println()
			fmt.Printf("public key: %s\n", publicKey(keys.Derive(s)))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing key")
	return cmd
}

func keyImportCmd(flags *globalFlags) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "import <secret>",
		Short: "Restore a secret key written down on another device",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if err := refuseOverwrite(cfg, force); err != nil {
				return err
			}
			// groups may arrive as separate arguments
			s, err := keys.ParseSecret(strings.Join(args, ""))
			if err != nil {
				return err
			}
			if err := keys.SaveSecretFile(cfg.KeyPath(), s); err != nil {
				return err
			}
			// a token from a different key would log in as the wrong account
			os.Remove(cfg.TokenPath())
			fmt.Printf("imported key %s\n", publicKey(keys.Derive(s)))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing key")
	return cmd
}

func keyShowCmd(flags *globalFlags) *cobra.Command {
	var showSecret bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the public key",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			s, err := loadSecret(cfg)
			if err != nil {
				return err
			}
			fmt.Printf("public key: %s\n", publicKey(keys.Derive(s)))
			if showSecret {
				fmt.Printf("secret:     %s\n", keys.FormatSecret(s))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showSecret, "secret", false, "also print the secret key")
	return cmd
}

func refuseOverwrite(cfg *config.DaemonConfig, force bool) error {
	if force {
		return nil
	}
	if _, err := os.Stat(cfg.KeyPath()); err == nil {
		return fmt.Errorf("%s already exists (use --force to replace it)", cfg.KeyPath())
	}
	return nil
}

// publicKey is the form operators register with POST /v1/admin/accounts.
func publicKey(kp *keys.KeyPair) string {
	return base64.StdEncoding.EncodeToString(kp.PublicKey)
}

func loadSecret(cfg *config.DaemonConfig) (keys.Secret, error) {
	s, err := keys.LoadSecretFile(cfg.KeyPath())
	if errors.Is(err, keys.ErrNoSecret) {
		return keys.Secret{}, errNoKey
	}
	return s, err
}

// relayClient builds a client that signs in with the saved key, reusing
// the saved token while it is still accepted.
func relayClient(cfg *config.DaemonConfig) (*relayclient.Client, error) {
	s, err := loadSecret(cfg)
	if err != nil {
		return nil, err
	}
	opts := []relayclient.Option{relayclient.WithKeyPair(keys.Derive(s))}
	if tok, err := os.ReadFile(cfg.TokenPath()); err == nil {
		opts = append(opts, relayclient.WithToken(strings.TrimSpace(string(tok))))
	}
	return relayclient.New(cfg.RelayURL, opts...)
}
