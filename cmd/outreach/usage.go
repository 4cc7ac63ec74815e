package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/mbd888/outreach/internal/entitlement"
	"github.com/mbd888/outreach/internal/license"
	"github.com/mbd888/outreach/internal/usage"
	"github.com/spf13/cobra"
)

var (
	usageFeature string
	usageSince   string
	usageKey     string
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show recorded feature usage for a license",
	Example: `  # Everything recorded in the last day
  outreach usage --since 24h

  # Email generation since the start of the month
  outreach usage --feature email_generation --since 2026-10-01T00:00:00Z`,
	RunE: func(cmd *cobra.Command, args []string) error {
		key := usageKey
		if key == "" {
			var err error
			if key, err = resolveKey(); err != nil {
				return err
			}
		}

		now := time.Now().UTC()
		f := usage.Filter{Feature: usageFeature, End: now}
		if usageSince != "" {
			since, err := entitlement.ParseSince(usageSince, now)
			if err != nil {
				return fmt.Errorf("--since must be RFC 3339 or a duration such as 24h: %w", err)
			}
			f.Start = since
		}

		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		totals, err := s.engine.Usage(cmd.Context(), key, f)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Usage for %s", license.Mask(key))
		if !f.Start.IsZero() {
			fmt.Fprintf(out, " since %s", f.Start.Format(time.RFC3339))
		}
		fmt.Fprintln(out)
		if len(totals) == 0 {
			fmt.Fprintln(out, "  no usage recorded")
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		for _, name := range sortedFeatures(totals) {
			fmt.Fprintf(tw, "  %s\t%d\n", name, totals[name])
		}
		return tw.Flush()
	},
}

func init() {
	usageCmd.Flags().StringVar(&usageFeature, "feature", "", "only this feature")
	usageCmd.Flags().StringVar(&usageSince, "since", "", "RFC 3339 time or duration such as 24h")
	usageCmd.Flags().StringVar(&usageKey, "key", "", "license key (default: the configured key)")
}
