package tier

// Pricing is the public price sheet entry for a tier.
type Pricing struct {
	Tier        Tier     `json:"tier"`
	Name        string   `json:"name"`
	PriceCents  int64    `json:"priceCents"`
	Period      string   `json:"period"`
	Features    []string `json:"features"`
	Limitations []string `json:"limitations"`
}

var pricing = map[Tier]Pricing{
	Free: {
		Tier:       Free,
		Name:       "Free",
		PriceCents: 0,
		Period:     "forever",
		Features: []string{
			"50 emails/month",
			"Basic CSV processing",
			"Template-based emails",
			"Playwright web scraping",
			"1 team seat",
		},
		Limitations: []string{
			"No AI research",
			"No CRM dashboard",
			"No API integrations",
			"No Google Sheets sync",
		},
	},
	Pro: {
		Tier:       Pro,
		Name:       "Pro",
		PriceCents: 4900,
		Period:     "month",
		Features: []string{
			"1,000 emails/month",
			"AI-powered research",
			"Full CRM dashboard",
			"Snov.io integration",
			"Google Sheets sync",
			"SerpAPI access",
			"Priority support",
			"5 team seats",
		},
		Limitations: []string{},
	},
	Enterprise: {
		Tier:       Enterprise,
		Name:       "Enterprise",
		PriceCents: 19900,
		Period:     "month",
		Features: []string{
			"10,000 emails/month",
			"All Pro features",
			"Advanced analytics",
			"Custom integrations",
			"Dedicated support",
			"50 team seats",
			"SLA guarantee",
		},
		Limitations: []string{},
	},
}

// PricingFor returns the price sheet entry for t.
func PricingFor(t Tier) (Pricing, bool) {
	p, ok := pricing[t]
	return p, ok
}

// PriceSheet returns every tier's pricing in rank order.
func PriceSheet() []Pricing {
	out := make([]Pricing, 0, len(pricing))
	for _, t := range All() {
		out = append(out, pricing[t])
	}
	return out
}

// Paid returns true for tiers that go through checkout.
func Paid(t Tier) bool {
	p, ok := pricing[t]
	return ok && p.PriceCents > 0
}
