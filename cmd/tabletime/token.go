package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/tabletime/internal/admin"
	"github.com/goodtune/tabletime/internal/config"
	"github.com/spf13/cobra"
)

var (
	tokenOperator string
	tokenTTL      time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an admin API token for a floor operator",
	Long: `Sign a bearer token for the admin API with admin.jwt_secret. The token
is printed on stdout so it can be captured by scripts.`,
	Example: `  tabletime token --operator front-desk --ttl 12h`,
	Args:    cobra.NoArgs,
	RunE:    runToken,
}

func init() {
	tokenCmd.Flags().StringVar(&tokenOperator, "operator", "", "Operator name recorded in the token (required)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "Token lifetime (defaults to admin.token_expiration)")
	_ = tokenCmd.MarkFlagRequired("operator")
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if !cfg.Admin.Enabled {
		return fmt.Errorf("admin API is disabled (set admin.enabled and admin.jwt_secret)")
	}

	auth := admin.NewAuthService(cfg.Admin.JWTSecret, parseDuration(cfg.Admin.TokenExpiration, admin.DefaultTokenExpiration))
	token, expiresAt, err := auth.GenerateToken(tokenOperator, tokenTTL)
	if err != nil {
		return err
	}

	_, _ = fmt.Fprintln(os.Stdout, token)
	_, _ = color.New(color.FgYellow).Fprintf(os.Stderr, "Token for %s expires %s\n", tokenOperator, expiresAt.Format(time.RFC3339))
	return nil
}
