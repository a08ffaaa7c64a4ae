package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func authCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Sign in to the relay",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "login",
		Short: "Prove ownership of the secret key and save a token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			c, err := relayClient(cfg)
			if err != nil {
				return err
			}
			resp, err := c.Login(cmd.Context(), nil)
			if err != nil {
				return fmt.Errorf("login to %s: %w", cfg.RelayURL, err)
			}
			if err := os.MkdirAll(cfg.HomeDir, 0o700); err != nil {
				return err
			}
			if err := os.WriteFile(cfg.TokenPath(), []byte(resp.Token+"\n"), 0o600); err != nil {
				return fmt.Errorf("save token: %w", err)
			}
			fmt.Printf("signed in to %s as %s (token expires %s)\n",
				cfg.RelayURL, resp.AccountID, resp.ExpiresAt.Local().Format(time.DateTime))
			return nil
		},
	})
	return cmd
}
