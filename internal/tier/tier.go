// Package tier is the static subscription catalogue: which features each tier
// unlocks and how many units it may consume per hour and per month.
package tier

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownTier is returned by Parse for names outside the catalogue.
var ErrUnknownTier = errors.New("tier: unknown tier")

// Tier identifies a subscription level.
type Tier string

const (
	Free       Tier = "free"
	Pro        Tier = "pro"
	Enterprise Tier = "enterprise"
)

// Feature names gated by tier. The set is closed: anything else is denied.
const (
	FeatureAIResearch     = "ai_research"
	FeatureCRMDashboard   = "crm_dashboard"
	FeatureSnovIO         = "snov_io"
	FeatureSheetsSync     = "sheets_sync"
	FeaturePlaywright     = "playwright"
	FeatureSerpAPI        = "serpapi"
	FeatureLeadCollection = "lead_collection"
)

// FeatureEmailGeneration is metered against the email class. It is not a flag.
const FeatureEmailGeneration = "email_generation"

// Features lists every gated feature in display order.
var Features = []string{
	FeatureAIResearch,
	FeatureCRMDashboard,
	FeatureSnovIO,
	FeatureSheetsSync,
	FeaturePlaywright,
	FeatureSerpAPI,
	FeatureLeadCollection,
}

// Class is a quota bucket. Every feature name maps to exactly one.
type Class string

const (
	ClassEmails   Class = "emails"
	ClassAPICalls Class = "api_calls"
)

// ClassFromFeature returns the quota bucket a feature is metered against.
func ClassFromFeature(feature string) Class {
	if feature == FeatureEmailGeneration {
		return ClassEmails
	}
	return ClassAPICalls
}

// Limits is one row of the catalogue.
type Limits struct {
	Tier            Tier            `json:"tier"`
	MonthlyEmails   int64           `json:"monthlyEmails"`
	MonthlyAPICalls int64           `json:"monthlyApiCalls"`
	EmailsPerHour   int64           `json:"emailsPerHour"`
	APICallsPerHour int64           `json:"apiCallsPerHour"`
	Flags           map[string]bool `json:"features"`
	PrioritySupport bool            `json:"prioritySupport"`
	TeamSeats       int             `json:"teamSeats"`
}

// Flag reports whether feature is enabled. known is false for names outside
// the catalogue; callers must treat that as a denial.
func (l Limits) Flag(feature string) (enabled, known bool) {
	enabled, known = l.Flags[feature]
	return enabled, known
}

// HourlyCap returns the per-hour cap for a quota class.
func (l Limits) HourlyCap(c Class) int64 {
	if c == ClassEmails {
		return l.EmailsPerHour
	}
	return l.APICallsPerHour
}

// MonthlyCap returns the rolling 30-day cap for a quota class.
func (l Limits) MonthlyCap(c Class) int64 {
	if c == ClassEmails {
		return l.MonthlyEmails
	}
	return l.MonthlyAPICalls
}

// catalogue is built once at init and never mutated. LimitsFor hands out
// copies of the flag maps.
var catalogue = map[Tier]Limits{
	Free: {
		Tier:            Free,
		MonthlyEmails:   50,
		MonthlyAPICalls: 100,
		EmailsPerHour:   10,
		APICallsPerHour: 20,
		Flags: map[string]bool{
			FeatureAIResearch:     false,
			FeatureCRMDashboard:   false,
			FeatureSnovIO:         false,
			FeatureSheetsSync:     false,
			FeaturePlaywright:     true,
			FeatureSerpAPI:        false,
			FeatureLeadCollection: true,
		},
		PrioritySupport: false,
		TeamSeats:       1,
	},
	Pro: {
		Tier:            Pro,
		MonthlyEmails:   1000,
		MonthlyAPICalls: 5000,
		EmailsPerHour:   100,
		APICallsPerHour: 500,
		Flags:           allEnabled(),
		PrioritySupport: true,
		TeamSeats:       5,
	},
	Enterprise: {
		Tier:            Enterprise,
		MonthlyEmails:   10000,
		MonthlyAPICalls: 50000,
		EmailsPerHour:   1000,
		APICallsPerHour: 5000,
		Flags:           allEnabled(),
		PrioritySupport: true,
		TeamSeats:       50,
	},
}

func allEnabled() map[string]bool {
	m := make(map[string]bool, len(Features))
	for _, f := range Features {
		m[f] = true
	}
	return m
}

// All returns the recognised tiers in rank order.
func All() []Tier {
	return []Tier{Free, Pro, Enterprise}
}

// Valid returns true if the tier is in the catalogue.
func Valid(t Tier) bool {
	_, ok := catalogue[t]
	return ok
}

// Parse resolves a tier name case-insensitively.
func Parse(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if !Valid(t) {
		return "", fmt.Errorf("%w: %q", ErrUnknownTier, s)
	}
	return t, nil
}

// LimitsFor returns the catalogue row for t. An unknown tier is a
// programming error and panics rather than defaulting to anything.
func LimitsFor(t Tier) Limits {
	l, ok := catalogue[t]
	if !ok {
		panic(fmt.Sprintf("tier: no limits for %q", t))
	}
	flags := make(map[string]bool, len(l.Flags))
	for k, v := range l.Flags {
		flags[k] = v
	}
	l.Flags = flags
	return l
}

// Rank orders tiers for minimum-tier checks. Unknown tiers rank -1.
func Rank(t Tier) int {
	switch t {
	case Free:
		return 0
	case Pro:
		return 1
	case Enterprise:
		return 2
	default:
		return -1
	}
}

// AtLeast reports whether have satisfies a minimum of want. An unknown want
// is never satisfied.
func AtLeast(have, want Tier) bool {
	w := Rank(want)
	if w < 0 {
		return false
	}
	return Rank(have) >= w
}

// Validate checks that every tier defines every feature flag. Called once at
// startup so a catalogue edit that forgets a flag fails loudly.
func Validate() error {
	for _, t := range All() {
		l, ok := catalogue[t]
		if !ok {
			return fmt.Errorf("tier: %q missing from catalogue", t)
		}
		if len(l.Flags) != len(Features) {
			return fmt.Errorf("tier: %q defines %d flags, want %d", t, len(l.Flags), len(Features))
		}
		for _, f := range Features {
			if _, ok := l.Flags[f]; !ok {
				return fmt.Errorf("tier: %q missing flag %q", t, f)
			}
		}
	}
	return nil
}
