package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/dpcomm/cba-was-renewal-sub000/pkg/auth"
)

func newTokenCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue a websocket session token for a user",
		Long: `Issue a websocket session token for a user, signed with JWT_SECRET.

Example:
  chatd token 3`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || userID <= 0 {
				return fmt.Errorf("invalid user id %q", args[0])
			}

			cfg, _, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			signer, err := auth.NewSigner([]byte(cfg.JWTSecret))
			if err != nil {
				return err
			}
			token, err := signer.Issue(userID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
}
