package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/DoHungMinh/website-hoc-tieng-anh-sub004/internal/auth"
)

func newTokenCmd() *cobra.Command {
	var (
		secret string
		userID string
		role   string
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a user token for the relay",
		Long:  "Signs a JWT with the server's secret (--secret or JWT_SECRET) for use with talk --token.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = os.Getenv("JWT_SECRET")
			}
			if secret == "" {
				return errors.New("a signing secret is required (--secret or JWT_SECRET)")
			}

			authenticator, err := auth.NewAuthenticator(secret, ttl)
			if err != nil {
				return err
			}
			token, err := authenticator.GenerateUserToken(userID, role)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&secret, "secret", "", "JWT signing secret")
	cmd.Flags().StringVarP(&userID, "user", "u", "u1", "user id to embed in the token")
	cmd.Flags().StringVar(&role, "role", auth.RoleUser, "role claim")
	cmd.Flags().DurationVar(&ttl, "ttl", auth.DefaultTokenTTL, "token lifetime")
	return cmd
}
