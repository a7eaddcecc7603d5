package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/signalspot/backend/internal/auth"
	"github.com/signalspot/backend/internal/domain"
	"github.com/signalspot/backend/internal/repository"
)

// --------------------------------------------------------------------------
// migrate command
// --------------------------------------------------------------------------

func migrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			if a.cfg.Store.Backend != "postgres" {
				return errors.New("migrate requires STORE_BACKEND=postgres")
			}
			if err := a.openStore(ctx); err != nil {
				return err
			}
			applied, err := repository.NewMigrator(a.pool, a.logger).Run(ctx)
			if err != nil {
				return err
			}
			a.logger.Info("migrations finished", zap.Int("applied", applied))
			return nil
		},
	}
}

// --------------------------------------------------------------------------
// sweep command
// --------------------------------------------------------------------------

func sweepCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Persist expiry for lapsed spots and sparks once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			if err := a.openStore(ctx); err != nil {
				return err
			}
			spots, sparks, _ := a.services(domain.NopPublisher{})
			expiredSpots, expiredSparks, err := domain.NewSweeper(spots, sparks, a.logger).SweepOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "expired %d spots, %d sparks\n", expiredSpots, expiredSparks)
			return nil
		},
	}
}

// --------------------------------------------------------------------------
// moderate command
// --------------------------------------------------------------------------

func moderateCmd(a *app) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "moderate <spot-id>",
		Short: "Remove a spot on behalf of moderation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spotID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid spot id: %w", err)
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			if err := a.openStore(ctx); err != nil {
				return err
			}
			spots, _, _ := a.services(domain.NopPublisher{})
			spot, err := spots.ModerateRemove(ctx, spotID, reason)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "spot %s is now %s\n", spot.ID(), spot.Status())
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "moderation", "Removal reason recorded on the spot")
	return cmd
}

// --------------------------------------------------------------------------
// token command
// --------------------------------------------------------------------------

// tokenCmd mints an access token for local testing. Accounts live in the identity service.
func tokenCmd(a *app) *cobra.Command {
	var verified bool
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Mint an access token for a user id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.IsProduction() {
				return errors.New("token minting is disabled in production")
			}
			userID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid user id: %w", err)
			}
			jwtManager := auth.NewJWTManager(a.cfg.JWT.Secret, a.cfg.JWT.Issuer, a.cfg.JWT.AccessExpiry)
			token, err := jwtManager.GenerateAccessToken(userID, verified)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().BoolVar(&verified, "verified", true, "Mark the account as verified")
	return cmd
}
