package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mbd888/outreach/internal/auth"
	"github.com/mbd888/outreach/internal/entitlement"
	"github.com/mbd888/outreach/internal/license"
	"github.com/mbd888/outreach/internal/tier"
	"github.com/spf13/cobra"
)

var (
	mintEmail   string
	mintTier    string
	mintCust    string
	showJSON    bool
	forceRemove bool
)

var licenseCmd = &cobra.Command{
	Use:   "license",
	Short: "License key management commands",
	Long:  `Save, inspect, and administer Outreach Agent license keys`,
}

var licenseSetCmd = &cobra.Command{
	Use:   "set <key>",
	Short: "Validate a license key and save it for this user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := strings.TrimSpace(args[0])
		if !license.ValidKeyFormat(key) {
			return fmt.Errorf("%q is not a license key (expected %s-XXXX-XXXX-XXXX-XXXX)", key, license.KeyPrefix)
		}

		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		v, err := s.engine.Validate(cmd.Context(), key)
		if err != nil {
			return err
		}
		if !v.OK {
			return fmt.Errorf("license rejected: %s", v.Reason)
		}

		f, err := keyFile()
		if err != nil {
			return err
		}
		if err := f.Save(key); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "License %s saved (%s tier)\n", license.Mask(key), strings.ToUpper(string(v.License.Tier)))
		return nil
	},
}

var licenseShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the configured license, its limits, and recent usage",
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := resolveKey()
		if err != nil {
			return err
		}
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		st, err := s.engine.Status(cmd.Context(), key)
		if err != nil {
			return err
		}
		if showJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		}
		printStatus(cmd.OutOrStdout(), key, st)
		return nil
	},
}

var licenseRemoveCmd = &cobra.Command{
	Use:   "remove",
	Short: "Forget the saved license key",
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := keyFile()
		if err != nil {
			return err
		}
		err = f.Remove()
		if errors.Is(err, auth.ErrNoKeyFile) {
			if forceRemove {
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), "No saved license key")
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "License key removed")
		return nil
	},
}

var licenseMintCmd = &cobra.Command{
	Use:   "mint",
	Short: "Issue a new license (administrative)",
	Example: `  # Issue a PRO license
  outreach license mint --email buyer@example.com --tier pro`,
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := tier.Parse(mintTier)
		if err != nil {
			return err
		}
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		lic, err := s.engine.Mint(cmd.Context(), entitlement.MintRequest{
			Owner:       mintEmail,
			Tier:        t,
			CustomerRef: mintCust,
			Via:         license.ViaCLI,
		})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "License: %s\n", lic.Key)
		fmt.Fprintf(out, "Owner:   %s\n", lic.Owner)
		fmt.Fprintf(out, "Tier:    %s\n", strings.ToUpper(string(lic.Tier)))
		fmt.Fprintf(out, "Expires: %s\n", expiry(lic))
		return nil
	},
}

var licenseDeactivateCmd = &cobra.Command{
	Use:   "deactivate <key>",
	Short: "Deactivate a license",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setActive(cmd, args[0], false)
	},
}

var licenseReactivateCmd = &cobra.Command{
	Use:   "reactivate <key>",
	Short: "Reactivate a license",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setActive(cmd, args[0], true)
	},
}

func init() {
	licenseShowCmd.Flags().BoolVar(&showJSON, "json", false, "print the status as JSON")
	licenseRemoveCmd.Flags().BoolVarP(&forceRemove, "force", "f", false, "succeed silently when no key is saved")

	licenseMintCmd.Flags().StringVar(&mintEmail, "email", "", "owner email (required)")
	licenseMintCmd.Flags().StringVar(&mintTier, "tier", string(tier.Pro), "tier: free, pro, or enterprise")
	licenseMintCmd.Flags().StringVar(&mintCust, "customer", "", "billing customer reference")
	_ = licenseMintCmd.MarkFlagRequired("email")

	licenseCmd.AddCommand(licenseSetCmd)
	licenseCmd.AddCommand(licenseShowCmd)
	licenseCmd.AddCommand(licenseRemoveCmd)
	licenseCmd.AddCommand(licenseMintCmd)
	licenseCmd.AddCommand(licenseDeactivateCmd)
	licenseCmd.AddCommand(licenseReactivateCmd)
}

func setActive(cmd *cobra.Command, key string, active bool) error {
	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	if active {
		err = s.engine.Reactivate(cmd.Context(), key)
	} else {
		err = s.engine.Deactivate(cmd.Context(), key)
	}
	if errors.Is(err, license.ErrNotFound) {
		return fmt.Errorf("license %s not found", license.Mask(key))
	}
	if err != nil {
		return err
	}

	state := "deactivated"
	if active {
		state = "reactivated"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "License %s %s\n", license.Mask(key), state)
	return nil
}

func expiry(l *license.License) string {
	if l.ExpiresAt == nil {
		return "never"
	}
	return l.ExpiresAt.Format(time.DateOnly)
}

func printStatus(out io.Writer, key string, st *entitlement.Status) {
	fmt.Fprintf(out, "License: %s\n", license.Mask(key))
	if !st.OK {
		fmt.Fprintf(out, "Status:  %s\n", st.Reason)
		return
	}

	lic := st.License
	fmt.Fprintf(out, "Status:  %s\n", st.Reason)
	fmt.Fprintf(out, "Owner:   %s\n", lic.Owner)
	fmt.Fprintf(out, "Tier:    %s\n", strings.ToUpper(string(lic.Tier)))
	fmt.Fprintf(out, "Expires: %s\n", expiry(lic))

	lim := st.Limits
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Usage since %s:\n", st.UsageSince.Format(time.DateOnly))
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "  emails\t%d / %d\t(%d/hour)\n", classTotal(st.Usage, tier.ClassEmails), lim.MonthlyEmails, lim.EmailsPerHour)
	fmt.Fprintf(tw, "  api calls\t%d / %d\t(%d/hour)\n", classTotal(st.Usage, tier.ClassAPICalls), lim.MonthlyAPICalls, lim.APICallsPerHour)
	_ = tw.Flush()

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Features:")
	for _, f := range tier.Features {
		mark := "-"
		if enabled, _ := lim.Flag(f); enabled {
			mark = "+"
		}
		fmt.Fprintf(out, "  %s %s\n", mark, f)
	}
}

func classTotal(totals map[string]int64, c tier.Class) int64 {
	var n int64
	for feature, count := range totals {
		if tier.ClassFromFeature(feature) == c {
			n += count
		}
	}
	return n
}

func sortedFeatures(totals map[string]int64) []string {
	names := make([]string, 0, len(totals))
	for f := range totals {
		names = append(names, f)
	}
	sort.Strings(names)
	return names
}
