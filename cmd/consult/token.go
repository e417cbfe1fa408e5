package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dkeye/Consult/internal/auth"
	"github.com/dkeye/Consult/internal/config"
	"github.com/dkeye/Consult/internal/domain"
)

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for a participant",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("participant")
			roleName, _ := cmd.Flags().GetString("role")
			first, _ := cmd.Flags().GetString("first")
			last, _ := cmd.Flags().GetString("last")

			role, err := domain.ParseRole(roleName)
			if err != nil {
				return fmt.Errorf("role %q: %w", roleName, err)
			}
			p, err := domain.NewParticipant(id, role, domain.Profile{FirstName: first, LastName: last})
			if err != nil {
				return err
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			authn, err := auth.NewAuthenticator(cfg.Secret, tokenIssuer, cfg.TokenTTL)
			if err != nil {
				return err
			}
			tok, err := authn.Issue(*p)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().String("participant", "", "Participant id (token subject)")
	cmd.Flags().String("role", "patient", "patient or physician")
	cmd.Flags().String("first", "", "First name")
	cmd.Flags().String("last", "", "Last name")
	_ = cmd.MarkFlagRequired("participant")
	return cmd
}
