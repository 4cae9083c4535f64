package main

import (
	"github.com/spf13/cobra"

	"github.com/sells-group/workflow-evolver/internal/evolution"
	"github.com/sells-group/workflow-evolver/internal/model"
	"github.com/sells-group/workflow-evolver/internal/store"
)

var (
	listTenant   string
	listStatus   string
	listLimit    int
	listOffset   int
	listMinScore float64
	listPattern  string

	reviewer    string
	reviewNotes string
)

var patternsCmd = &cobra.Command{
	Use:   "patterns",
	Short: "Inspect need patterns",
}

var patternsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a tenant's patterns by score",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		patterns, err := env.Service.ListPatterns(ctx, store.PatternFilter{
			TenantID: listTenant,
			Status:   model.PatternStatus(listStatus),
			MinScore: listMinScore,
			Limit:    listLimit,
			Offset:   listOffset,
		})
		if err != nil {
			return err
		}
		return printOutput(cmd.OutOrStdout(), patterns)
	},
}

var proposalsCmd = &cobra.Command{
	Use:   "proposals",
	Short: "Inspect, review and publish workflow proposals",
}

var proposalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a tenant's proposals",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		props, err := env.Service.ListProposals(ctx, store.ProposalFilter{
			TenantID:  listTenant,
			Status:    model.ProposalStatus(listStatus),
			PatternID: listPattern,
			Limit:     listLimit,
			Offset:    listOffset,
		})
		if err != nil {
			return err
		}
		return printOutput(cmd.OutOrStdout(), props)
	},
}

var proposalsShowCmd = &cobra.Command{
	Use:   "show <proposal-id>",
	Short: "Show a proposal with its pattern, evidence and audit trail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		d, err := env.Service.GetProposal(ctx, listTenant, args[0])
		if err != nil {
			return err
		}
		return printOutput(cmd.OutOrStdout(), d)
	},
}

var proposalsReviewCmd = &cobra.Command{
	Use:   "review <proposal-id> <approve|decline|modify|request_test|escalate>",
	Short: "Record a human review decision",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		req := evolution.ReviewRequest{
			TenantID:   listTenant,
			ProposalID: args[0],
			ReviewerID: reviewer,
			Action:     model.ReviewAction(args[1]),
			Notes:      reviewNotes,
		}
		if err := req.Validate(); err != nil {
			return err
		}

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Service.ReviewProposal(ctx, req)
		if err != nil {
			return err
		}
		return printOutput(cmd.OutOrStdout(), res)
	},
}

var proposalsPublishCmd = &cobra.Command{
	Use:   "publish <proposal-id>",
	Short: "Publish an approved proposal as a live workflow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		id, err := env.Service.PublishProposal(ctx, listTenant, args[0], reviewer)
		if err != nil {
			return err
		}
		return printOutput(cmd.OutOrStdout(), map[string]string{"published_workflow_id": id})
	},
}

func init() {
	for _, c := range []*cobra.Command{patternsListCmd, proposalsListCmd, proposalsShowCmd, proposalsReviewCmd, proposalsPublishCmd} {
		c.Flags().StringVar(&listTenant, "tenant", "", "tenant ID (required)")
		_ = c.MarkFlagRequired("tenant")
	}
	for _, c := range []*cobra.Command{patternsListCmd, proposalsListCmd} {
		c.Flags().StringVar(&listStatus, "status", "", "filter by status")
		c.Flags().IntVar(&listLimit, "limit", 50, "max rows")
		c.Flags().IntVar(&listOffset, "offset", 0, "rows to skip")
	}
	patternsListCmd.Flags().Float64Var(&listMinScore, "min-score", 0, "minimum total evidence score")
	proposalsListCmd.Flags().StringVar(&listPattern, "pattern", "", "filter by pattern ID")

	proposalsReviewCmd.Flags().StringVar(&reviewer, "reviewer", "", "reviewer ID (required)")
	proposalsReviewCmd.Flags().StringVar(&reviewNotes, "notes", "", "review notes (required for modify)")
	_ = proposalsReviewCmd.MarkFlagRequired("reviewer")
	proposalsPublishCmd.Flags().StringVar(&reviewer, "reviewer", "", "reviewer ID recorded on the publish entry")

	patternsCmd.AddCommand(patternsListCmd)
	proposalsCmd.AddCommand(proposalsListCmd, proposalsShowCmd, proposalsReviewCmd, proposalsPublishCmd)
	rootCmd.AddCommand(patternsCmd, proposalsCmd)
}
