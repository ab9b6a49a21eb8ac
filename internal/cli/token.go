package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vklachkov/glashatay/internal/admin"
	"github.com/vklachkov/glashatay/internal/config"
)

var (
	tokenSubject string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a bearer token for the admin API",
	Args:  cobra.NoArgs,
	RunE:  tokenAction,
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "operator", "token subject")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
	rootCmd.AddCommand(tokenCmd)
}

func tokenAction(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Admin.JWTSecret == "" {
		return fmt.Errorf("admin auth is off: set admin.jwt_secret_env and export the variable")
	}
	if tokenTTL <= 0 {
		return fmt.Errorf("--ttl must be positive")
	}

	token, err := admin.MintToken([]byte(cfg.Admin.JWTSecret), tokenSubject, tokenTTL)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
