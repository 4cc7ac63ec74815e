package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/outreach/internal/entitlement"
	"github.com/mbd888/outreach/internal/tier"
	"github.com/spf13/cobra"
)

var (
	checkUnits  int64
	checkRecord bool
)

// errDenied makes the process exit non-zero after the denial was printed.
var errDenied = errors.New("access denied")

var checkCmd = &cobra.Command{
	Use:   "check <feature>",
	Short: "Run the entitlement gate for a feature",
	Long: `Validate the configured license and check the feature flag and the
hourly and monthly quotas. With --record the check also counts as usage.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		feature := args[0]
		key, err := resolveKey()
		if err != nil {
			return err
		}
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		out := cmd.OutOrStdout()
		err = runGate(cmd.Context(), s.engine, key, feature)
		if d, ok := entitlement.AsDenial(err); ok {
			fmt.Fprintf(out, "Denied (%s): %s\n", d.Stage, d.Reason)
			if d.Stage == entitlement.StageFeature || d.Stage == entitlement.StageTier {
				fmt.Fprintln(out, "Upgrade at /v1/pricing or run 'outreach tiers' to compare plans.")
			}
			return errDenied
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Allowed: %s\n", feature)
		return nil
	},
}

func init() {
	checkCmd.Flags().Int64Var(&checkUnits, "units", 1, "units the action would consume")
	checkCmd.Flags().BoolVar(&checkRecord, "record", false, "record the units as usage")
}

// runGate wraps a no-op action in the gate pipeline. Without --record the
// pipeline stops after the rate check.
func runGate(ctx context.Context, e *entitlement.Engine, key, feature string) error {
	var opts []entitlement.GateOption
	if feature == tier.FeatureEmailGeneration {
		opts = append(opts, entitlement.Metered())
	}
	opts = append(opts, entitlement.WithUnits(checkUnits))

	noop := func(context.Context) error { return nil }
	if checkRecord {
		return entitlement.Gate(e, key, feature, opts...)(noop)(ctx)
	}

	steps := []entitlement.Interceptor{entitlement.ValidateStep(e, key)}
	if feature != tier.FeatureEmailGeneration {
		steps = append(steps, entitlement.FeatureStep(e, key, feature))
	}
	steps = append(steps, entitlement.RateStep(e, key, feature))
	return entitlement.Chain(steps...)(noop)(ctx)
}
