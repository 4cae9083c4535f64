package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/workflow-evolver/internal/importer"
	"github.com/sells-group/workflow-evolver/internal/model"
)

var (
	evTenant       string
	evType         string
	evUser         string
	evSession      string
	evExecution    string
	evFailedWF     string
	evRequest      string
	evReason       string
	evFeedback     string
	evOccurredAt   string
	dlqReplayLimit int

	importTenant      string
	importFormat      string
	importSheet       string
	importConcurrency int
)

var evidenceCmd = &cobra.Command{
	Use:   "evidence",
	Short: "Submit evidence and manage the dead-letter queue",
}

var evidenceSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit one evidence signal",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		sub := model.EvidenceSubmission{
			TenantID:         evTenant,
			Type:             model.ParseEvidenceType(evType),
			UserID:           evUser,
			SessionID:        evSession,
			ExecutionID:      evExecution,
			FailedWorkflowID: evFailedWF,
			Context: model.EvidenceContext{
				OriginalRequest: evRequest,
				FailureReason:   evReason,
				UserFeedback:    evFeedback,
			},
		}
		if evOccurredAt != "" {
			t, err := time.Parse(time.RFC3339, evOccurredAt)
			if err != nil {
				return model.Validationf("--occurred-at must be RFC3339: %v", err)
			}
			sub.OccurredAt = t
		}

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		ack, err := env.Service.SubmitEvidence(ctx, sub)
		if err != nil {
			return err
		}
		return printOutput(cmd.OutOrStdout(), ack)
	},
}

var evidenceImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Backfill evidence from a CSV, TSV, XLSX, JSON or JSON-lines export",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		rep, err := importer.New(env.Service).ImportFile(ctx, args[0], importer.Options{
			Format:      importer.Format(importFormat),
			TenantID:    importTenant,
			Concurrency: importConcurrency,
			SheetName:   importSheet,
		})
		if rep != nil {
			if perr := printOutput(cmd.OutOrStdout(), rep); perr != nil && err == nil {
				err = perr
			}
		}
		return err
	},
}

var evidenceDLQCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and replay dead-lettered evidence",
}

var evidenceDLQReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay due dead-lettered submissions",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		rep, err := env.Service.ReplayDLQ(ctx, dlqReplayLimit)
		if err != nil {
			return err
		}
		return printOutput(cmd.OutOrStdout(), rep)
	},
}

func init() {
	f := evidenceSubmitCmd.Flags()
	f.StringVar(&evTenant, "tenant", "", "tenant ID (required)")
	f.StringVar(&evType, "type", "", "evidence type, e.g. explicit_request (required)")
	f.StringVar(&evUser, "user", "", "user ID")
	f.StringVar(&evSession, "session", "", "session ID")
	f.StringVar(&evExecution, "execution", "", "workflow execution ID")
	f.StringVar(&evFailedWF, "failed-workflow", "", "ID of the workflow that failed")
	f.StringVar(&evRequest, "request", "", "original user request")
	f.StringVar(&evReason, "reason", "", "failure reason")
	f.StringVar(&evFeedback, "feedback", "", "user feedback")
	f.StringVar(&evOccurredAt, "occurred-at", "", "event time (RFC3339, default now)")
	_ = evidenceSubmitCmd.MarkFlagRequired("tenant")
	_ = evidenceSubmitCmd.MarkFlagRequired("type")

	evidenceDLQReplayCmd.Flags().IntVar(&dlqReplayLimit, "limit", 100, "max entries to replay")

	fi := evidenceImportCmd.Flags()
	fi.StringVar(&importTenant, "tenant", "", "tenant ID for rows without one")
	fi.StringVar(&importFormat, "format", "", "csv, tsv, xlsx, json or jsonl (default from extension)")
	fi.StringVar(&importSheet, "sheet", "", "XLSX sheet name (default first sheet)")
	fi.IntVar(&importConcurrency, "concurrency", 1, "concurrent submissions")

	evidenceDLQCmd.AddCommand(evidenceDLQReplayCmd)
	evidenceCmd.AddCommand(evidenceSubmitCmd, evidenceImportCmd, evidenceDLQCmd)
	rootCmd.AddCommand(evidenceCmd)
}
