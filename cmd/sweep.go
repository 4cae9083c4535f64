package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var sweepTenant string

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one synthesis sweep now",
	Long:  "Replays the evidence DLQ, recovers stuck claims, re-gates patterns and synthesizes proposals for every tenant (or one with --tenant).",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "sweep")
		if err != nil {
			return err
		}
		defer env.Close()

		if sweepTenant != "" {
			rep, err := env.Sweeper.RunTenant(ctx, sweepTenant)
			if err != nil {
				return err
			}
			return printOutput(cmd.OutOrStdout(), rep)
		}

		rep, err := env.Sweeper.Run(ctx)
		if err != nil {
			return err
		}
		return printOutput(cmd.OutOrStdout(), rep)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Store.Migrate(ctx); err != nil {
			return err
		}
		zap.L().Info("migrations applied", zap.String("driver", cfg.Store.Driver))
		return nil
	},
}

func init() {
	sweepCmd.Flags().StringVar(&sweepTenant, "tenant", "", "sweep a single tenant")
	rootCmd.AddCommand(sweepCmd, migrateCmd)
}
