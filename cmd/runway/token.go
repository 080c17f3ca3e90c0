package main

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/runwayhq/runway/pkg/api"
	"github.com/runwayhq/runway/pkg/config"
	"github.com/spf13/cobra"
)

// envToken holds the bearer token used by --server
const envToken = "RUNWAY_TOKEN"

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an API token",
	Long: `Sign a token for the API with the configured JWT secret.

Examples:
  # Full access for alice, valid for a day
  export RUNWAY_TOKEN=$(runway token --user alice)

  # Read-only token
  runway token --user wallboard --role viewer --ttl 720h`,
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().StringArray("role", nil, "Role to grant (repeatable)")
	tokenCmd.Flags().String("name", "", "Display name")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.API.JWTSecret == "" {
		return fmt.Errorf("api.jwt_secret or %s is required", config.EnvJWTSecret)
	}

	user, _ := cmd.Flags().GetString("user")
	roles, _ := cmd.Flags().GetStringArray("role")
	name, _ := cmd.Flags().GetString("name")
	ttl, _ := cmd.Flags().GetDuration("ttl")

	signed, err := issueToken(cfg.API.JWTSecret, cfg.API.Issuer, user, name, roles, ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), signed)
	return nil
}

func issueToken(secret, issuer, user, name string, roles []string, ttl time.Duration) (string, error) {
	if user == "" {
		return "", fmt.Errorf("--user is required")
	}
	now := time.Now()
	claims := api.Claims{
		Name:  name,
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
