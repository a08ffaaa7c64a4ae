package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/quinnbmay/zenflo-sub001/internal/encryption"
	"github.com/quinnbmay/zenflo-sub001/internal/keys"
	"github.com/quinnbmay/zenflo-sub001/internal/relayclient"
)

// kvCmd reads and writes synced values. Values are encrypted here with the
// key derived from the secret; the relay only sees ciphertext.
func kvCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kv",
		Short: "Read and write end-to-end encrypted values",
	}
	cmd.AddCommand(kvGetCmd(flags), kvPutCmd(flags), kvListCmd(flags), kvRmCmd(flags))
	return cmd
}

func kvClient(flags *globalFlags) (*relayclient.Client, *keys.KeyPair, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, nil, err
	}
	s, err := loadSecret(cfg)
	if err != nil {
		return nil, nil, err
	}
	c, err := relayClient(cfg)
	if err != nil {
		return nil, nil, err
	}
	return c, keys.Derive(s), nil
}

func kvGetCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Decrypt and print a value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, kp, err := kvClient(flags)
			if err != nil {
				return err
			}
			entry, err := c.GetKV(cmd.Context(), args[0])
			if errors.Is(err, relayclient.ErrNotFound) {
				return fmt.Errorf("%s: not found", args[0])
			}
			if err != nil {
				return err
			}
			plain, err := encryption.Decrypt(kp.SymmetricKey, entry.EncryptedBlob)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			os.Stdout.Write(plain)
			if len(plain) > 0 && plain[len(plain)-1] != '\n' {
				fmt.Println()
			}
			return nil
		},
	}
}

func kvPutCmd(flags *globalFlags) *cobra.Command {
	var expect int64
	cmd := &cobra.Command{
		Use:   "put <key> <value>",
		Short: "Encrypt and store a value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, kp, err := kvClient(flags)
			if err != nil {
				return err
			}
			blob, err := encryption.Encrypt(kp.SymmetricKey, []byte(args[1]))
			if err != nil {
				return err
			}
			var expected *int64
			if cmd.Flags().Changed("expect-version") {
				expected = &expect
			}
			v, err := c.PutKV(cmd.Context(), args[0], blob, expected)
			if errors.Is(err, relayclient.ErrVersionConflict) {
				return fmt.Errorf("%s changed on another device (re-read it and retry)", args[0])
			}
			if err != nil {
				return err
			}
			fmt.Printf("%s version %d\n", args[0], v)
			return nil
		},
	}
	cmd.Flags().Int64Var(&expect, "expect-version", 0, "only write if the stored version matches (0: key must not exist)")
	return cmd
}

func kvListCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := kvClient(flags)
			if err != nil {
				return err
			}
			list, err := c.ListKV(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			defer tw.Flush()
			fmt.Fprintln(tw, "KEY\tVERSION\tUPDATED")
			for _, k := range list {
				fmt.Fprintf(tw, "%s\t%d\t%s\n", k.Key, k.Version, k.UpdatedAt.Local().Format(time.DateTime))
			}
			return nil
		},
	}
}

func kvRmCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <key>",
		Short: "Delete a value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := kvClient(flags)
			if err != nil {
				return err
			}
			if err := c.DeleteKV(cmd.Context(), args[0]); err != nil && !errors.Is(err, relayclient.ErrNotFound) {
				return err
			}
			return nil
		},
	}
}
