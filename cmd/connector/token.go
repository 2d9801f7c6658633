package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/memohai/connector/internal/auth"
	"github.com/memohai/connector/internal/channel/adapters/webchat"
)

var (
	tokenSubject string
	tokenTTL     time.Duration

	webchatSecret string
	webchatChatID string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an admin API token",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ttl := tokenTTL
		if ttl <= 0 {
			ttl = cfg.Auth.ExpiresIn()
		}
		token, expiresAt, err := auth.GenerateToken(tokenSubject, cfg.Auth.JWTSecret, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
		return nil
	},
}

var webchatTokenCmd = &cobra.Command{
	Use:   "webchat",
	Short: "Issue a token for a webchat client",
	Long: `Issues an HS256 token signed with a webchat channel's secret. With
--chat-id the token is only valid for that conversation.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		token, expiresAt, err := webchat.IssueToken(webchatSecret, webchatChatID, tokenSubject, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		if !expiresAt.IsZero() {
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
		}
		return nil
	},
}

func init() {
	tokenCmd.PersistentFlags().StringVar(&tokenSubject, "subject", "admin", "token subject")
	tokenCmd.PersistentFlags().DurationVar(&tokenTTL, "ttl", 0, "token lifetime (defaults to auth.jwt_expires_in for admin tokens, no expiry for webchat)")
	webchatTokenCmd.Flags().StringVar(&webchatSecret, "secret", "", "webchat channel secret")
	webchatTokenCmd.Flags().StringVar(&webchatChatID, "chat-id", "", "bind the token to one chat")
	_ = webchatTokenCmd.MarkFlagRequired("secret")
	tokenCmd.AddCommand(webchatTokenCmd)
}
