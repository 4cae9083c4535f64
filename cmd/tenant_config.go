package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/workflow-evolver/internal/model"
)

var (
	cfgTenant string
	cfgFile   string
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update tenant thresholds and evidence weights",
}

var configShowCmd = &cobra.Command{
	Use:       "show <thresholds|weights>",
	Short:     "Print a tenant's effective configuration",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"thresholds", "weights"},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		switch args[0] {
		case "thresholds":
			tc, err := env.Service.Thresholds(ctx, cfgTenant)
			if err != nil {
				return err
			}
			return printOutput(cmd.OutOrStdout(), tc)
		case "weights":
			wc, err := env.Service.Weights(ctx, cfgTenant)
			if err != nil {
				return err
			}
			return printOutput(cmd.OutOrStdout(), wc)
		default:
			return model.Validationf("unknown config kind %q", args[0])
		}
	},
}

var configSetCmd = &cobra.Command{
	Use:       "set <thresholds|weights>",
	Short:     "Replace a tenant's configuration from a YAML file",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"thresholds", "weights"},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		raw, err := os.ReadFile(cfgFile)
		if err != nil {
			return eris.Wrapf(err, "read %s", cfgFile)
		}

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		switch args[0] {
		case "thresholds":
			var tc model.ThresholdConfig
			if err := yaml.Unmarshal(raw, &tc); err != nil {
				return model.Validationf("parse thresholds: %v", err)
			}
			tc.TenantID = cfgTenant
			saved, err := env.Service.UpdateThresholds(ctx, tc)
			if err != nil {
				return err
			}
			return printOutput(cmd.OutOrStdout(), saved)
		case "weights":
			var wc model.EvidenceWeightConfig
			if err := yaml.Unmarshal(raw, &wc); err != nil {
				return model.Validationf("parse weights: %v", err)
			}
			wc.TenantID = cfgTenant
			saved, err := env.Service.UpdateWeights(ctx, wc)
			if err != nil {
				return err
			}
			return printOutput(cmd.OutOrStdout(), saved)
		default:
			return model.Validationf("unknown config kind %q", args[0])
		}
	},
}

func init() {
	for _, c := range []*cobra.Command{configShowCmd, configSetCmd} {
		c.Flags().StringVar(&cfgTenant, "tenant", "", "tenant ID (required)")
		_ = c.MarkFlagRequired("tenant")
	}
	configSetCmd.Flags().StringVarP(&cfgFile, "file", "f", "", "YAML file with the new configuration (required)")
	_ = configSetCmd.MarkFlagRequired("file")

	configCmd.AddCommand(configShowCmd, configSetCmd)
	rootCmd.AddCommand(configCmd)
}
