package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vendorflow/vendorflow/internal/platform/config"
	"github.com/vendorflow/vendorflow/internal/platform/http/auth"
)

func newTokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Mint a bearer token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(config.FlagOverrides{})
			if err != nil {
				return err
			}
			tokens, err := auth.NewTokens(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
			if errors.Is(err, auth.ErrNoSecret) {
				return errors.New("auth.jwt_secret must be set to mint tokens the server will accept")
			}
			if err != nil {
				return err
			}
			raw, err := tokens.Mint(args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), raw)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime; 0 means no expiry")
	return cmd
}
