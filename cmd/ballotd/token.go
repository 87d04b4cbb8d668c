package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/vocdoni/ballot-integrity/auth"
)

func init() {
	f := tokenCmd.Flags()
	f.String("subject", "", "voter or operator identifier")
	f.String("role", string(auth.RoleVoter), "role (voter or admin)")
	f.Bool("mfa", false, "mark the second factor as verified")
	f.Duration("ttl", time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("subject")
	rootCmd.AddCommand(tokenCmd)
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token signed with the configured token secret",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		signer, err := auth.NewSigner([]byte(cfg.Auth.TokenSecret))
		if err != nil {
			return err
		}
		f := cmd.Flags()
		subject, _ := f.GetString("subject")
		role, _ := f.GetString("role")
		mfa, _ := f.GetBool("mfa")
		ttl, _ := f.GetDuration("ttl")
		token, err := signer.Issue(subject, auth.Role(role), mfa, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}
