package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/footprint/internal/auth"
	"github.com/MarcoPoloResearchLab/footprint/internal/config"
	"github.com/MarcoPoloResearchLab/footprint/internal/couples"
	"github.com/MarcoPoloResearchLab/footprint/internal/database"
	"github.com/MarcoPoloResearchLab/footprint/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultIssuedTokenTTL = 24 * time.Hour

type issuedToken struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expiresIn"`
}

func newTokenCommand() *cobra.Command {
	var (
		roles []string
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue a signed session token for local testing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := strings.TrimSpace(viper.GetString("auth.signing_secret"))
			if secret == "" {
				return fmt.Errorf("auth.signing_secret is required")
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(secret),
				Issuer:        viper.GetString("auth.issuer"),
				TokenTTL:      ttl,
			})
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.Issue(args[0], roles...)
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(issuedToken{Token: token, ExpiresIn: expiresIn})
		},
	}
	cmd.Flags().StringSliceVar(&roles, "role", nil, "Role to embed in the token (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", defaultIssuedTokenTTL, "Token lifetime")
	return cmd
}

func newCoupleCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "couple",
		Short: "Manage partner bindings",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "bind <user-id> <partner-id>",
			Short: "Bind two users as partners",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withCouples(func(service *couples.Service) error {
					binding, err := service.Bind(cmd.Context(), args[0], args[1])
					if err != nil {
						return err
					}
					_, err = fmt.Fprintf(cmd.OutOrStdout(), "bound %s <-> %s\n", binding.UserID, binding.PartnerID)
					return err
				})
			},
		},
		&cobra.Command{
			Use:   "unbind <user-id>",
			Short: "Dissolve the user's active binding",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withCouples(func(service *couples.Service) error {
					return service.Unbind(cmd.Context(), args[0])
				})
			},
		},
		&cobra.Command{
			Use:   "show <user-id>",
			Short: "Print the user's active partner",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withCouples(func(service *couples.Service) error {
					partnerID, found, err := service.PartnerOf(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					if !found {
						_, err = fmt.Fprintln(cmd.OutOrStdout(), "no active partner")
						return err
					}
					_, err = fmt.Fprintln(cmd.OutOrStdout(), partnerID)
					return err
				})
			},
		},
	)
	return cmd
}

func withCouples(run func(service *couples.Service) error) error {
	logger, err := logging.NewLogger(viper.GetString("log.level"), viper.GetString("log.format"))
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := openDatabase(logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	service, err := couples.NewService(couples.ServiceConfig{Database: db, Clock: time.Now, Logger: logger})
	if err != nil {
		return err
	}
	return run(service)
}

func openDatabase(logger *zap.Logger) (*gorm.DB, error) {
	defaults := config.NewViper()
	driver := viper.GetString("database.driver")
	if driver == "" {
		driver = defaults.GetString("database.driver")
	}
	return database.Open(driver, viper.GetString("database.dsn"), logger)
}
