package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/mbd888/outreach/internal/tier"
	"github.com/spf13/cobra"
)

var tiersCmd = &cobra.Command{
	Use:   "tiers",
	Short: "Compare subscription tiers",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		for i, p := range tier.PriceSheet() {
			if i > 0 {
				fmt.Fprintln(out)
			}
			fmt.Fprintf(out, "%s  %s\n", strings.ToUpper(string(p.Tier)), price(p))
			for _, f := range p.Features {
				fmt.Fprintf(out, "  + %s\n", f)
			}
			for _, l := range p.Limitations {
				fmt.Fprintf(out, "  - %s\n", l)
			}
		}

		fmt.Fprintln(out)
		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprint(tw, "feature")
		for _, t := range tier.All() {
			fmt.Fprintf(tw, "\t%s", t)
		}
		fmt.Fprintln(tw)
		for _, f := range tier.Features {
			fmt.Fprint(tw, f)
			for _, t := range tier.All() {
				mark := "no"
				if enabled, _ := tier.LimitsFor(t).Flag(f); enabled {
					mark = "yes"
				}
				fmt.Fprintf(tw, "\t%s", mark)
			}
			fmt.Fprintln(tw)
		}
		_ = tw.Flush()
	},
}

func price(p tier.Pricing) string {
	if p.PriceCents == 0 {
		return "free " + p.Period
	}
	return fmt.Sprintf("$%d.%02d/%s", p.PriceCents/100, p.PriceCents%100, p.Period)
}
