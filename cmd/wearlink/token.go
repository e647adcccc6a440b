package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/wearlink-core/internal/api"
	"github.com/nerrad567/wearlink-core/internal/infrastructure/config"
)

func newTokenCmd() *cobra.Command {
	var (
		configPath string
		subject    string
		ttl        time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API bearer token",
		Long: `Issue a bearer token signed with the security.jwt secret from the
configuration. Export it as WEARLINK_TOKEN for the client commands.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			token, err := api.IssueToken(cfg.Security.JWT.Secret, cfg.Security.JWT.Issuer, subject, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", envOr(configEnv, ""), "Path to the YAML configuration file")
	cmd.Flags().StringVar(&subject, "subject", "wearlink-cli", "Token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", api.DefaultTokenTTL, "Token lifetime")
	return cmd
}
