package cmd

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/tetherhq/tether/internal/api/auth"
	"github.com/tetherhq/tether/internal/config"
)

// TokenCommand returns the CLI command that mints a development bearer
// token. Production tokens come from the companion app, which signs with
// the same shared secret.
func TokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "Mint a development JWT for a user",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "user",
				Aliases:  []string{"u"},
				Usage:    "User ID to issue the token for",
				Required: true,
			},
			&cli.DurationFlag{
				Name:  "ttl",
				Usage: "Token lifetime",
				Value: 24 * time.Hour,
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.LoadConfig(c.String("config"))
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth jwt_secret is required to mint tokens")
			}

			token, err := auth.NewTokenService(cfg.Auth.JWTSecret).Generate(c.String("user"), c.Duration("ttl"))
			if err != nil {
				return err
			}

			fmt.Println(token)
			return nil
		},
	}
}
