package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/outreach/internal/circuitbreaker"
	"github.com/mbd888/outreach/internal/logging"
	"github.com/mbd888/outreach/internal/tier"
	"github.com/mbd888/outreach/internal/traces"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/checkout/session"
)

// Errors
var (
	ErrCheckoutDisabled  = errors.New("billing: Stripe secret key not configured")
	ErrFreeCheckout      = errors.New("billing: free tier doesn't require payment")
	ErrStripeUnavailable = errors.New("billing: payment provider unavailable")
)

const stripeBreakerKey = "stripe"

// product is what the buyer sees on the Stripe checkout page.
type product struct {
	name        string
	description string
}

var products = map[tier.Tier]product{
	tier.Pro: {
		name:        "Outreach Agent Pro",
		description: "AI research, CRM dashboard, API integrations",
	},
	tier.Enterprise: {
		name:        "Outreach Agent Enterprise",
		description: "Unlimited access, priority support, team features",
	},
}

// CheckoutRequest asks for a hosted checkout page for a paid tier.
type CheckoutRequest struct {
	Tier          tier.Tier `json:"tier"`
	CustomerEmail string    `json:"customerEmail"`
	SuccessURL    string    `json:"successUrl,omitempty"`
	CancelURL     string    `json:"cancelUrl,omitempty"`
}

// CheckoutSession is returned to the caller, who redirects the buyer.
type CheckoutSession struct {
	SessionID   string `json:"sessionId"`
	CheckoutURL string `json:"checkoutUrl"`
}

// CreateSessionFunc creates a Stripe checkout session.
type CreateSessionFunc func(*stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)

// Checkout creates Stripe checkout sessions for paid tiers.
type Checkout struct {
	create     CreateSessionFunc
	breaker    *circuitbreaker.Breaker
	successURL string
	cancelURL  string
}

// CheckoutOption configures a Checkout.
type CheckoutOption func(*Checkout)

// WithCreateSession replaces the Stripe API call; tests use it.
func WithCreateSession(fn CreateSessionFunc) CheckoutOption {
	return func(c *Checkout) { c.create = fn }
}

// WithBreaker replaces the default breaker (5 failures, 30s open).
func WithBreaker(b *circuitbreaker.Breaker) CheckoutOption {
	return func(c *Checkout) { c.breaker = b }
}

// NewCheckout returns a Checkout using secretKey against the Stripe API.
// With an empty key and no WithCreateSession option, Enabled is false.
func NewCheckout(secretKey, successURL, cancelURL string, opts ...CheckoutOption) *Checkout {
	c := &Checkout{
		breaker:    circuitbreaker.New(5, 30*time.Second),
		successURL: successURL,
		cancelURL:  cancelURL,
	}
	if secretKey != "" {
		client := session.Client{B: stripe.GetBackend(stripe.APIBackend), Key: secretKey}
		c.create = client.New
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Enabled reports whether sessions can be created.
func (c *Checkout) Enabled() bool {
	return c.create != nil
}

// Create opens a monthly subscription checkout for req.Tier. The tier and
// buyer email travel in the session metadata and come back in the
// checkout.session.completed webhook.
func (c *Checkout) Create(ctx context.Context, req CheckoutRequest) (out *CheckoutSession, err error) {
	if !c.Enabled() {
		return nil, ErrCheckoutDisabled
	}
	t, err := tier.Parse(string(req.Tier))
	if err != nil {
		return nil, err
	}
	if !tier.Paid(t) {
		return nil, ErrFreeCheckout
	}
	email := strings.ToLower(strings.TrimSpace(req.CustomerEmail))
	if email == "" {
		return nil, ErrMissingEmail
	}

	ctx, span := traces.StartSpan(ctx, "billing.checkout", traces.Tier(string(t)))
	defer func() { traces.End(span, err) }()

	price, _ := tier.PricingFor(t)
	prod := products[t]
	params := &stripe.CheckoutSessionParams{
		Mode:          stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		SuccessURL:    stripe.String(firstNonEmpty(req.SuccessURL, c.successURL)),
		CancelURL:     stripe.String(firstNonEmpty(req.CancelURL, c.cancelURL)),
		CustomerEmail: stripe.String(email),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency: stripe.String(string(stripe.CurrencyUSD)),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name:        stripe.String(prod.name),
					Description: stripe.String(prod.description),
				},
				UnitAmount: stripe.Int64(price.PriceCents),
				Recurring: &stripe.CheckoutSessionLineItemPriceDataRecurringParams{
					Interval: stripe.String(string(stripe.PriceRecurringIntervalMonth)),
				},
			},
			Quantity: stripe.Int64(1),
		}},
	}
	params.Context = ctx
	params.AddMetadata("tier", string(t))
	params.AddMetadata("customer_email", email)

	var sess *stripe.CheckoutSession
	err = c.breaker.Do(stripeBreakerKey, countsAsOutage, func() error {
		var callErr error
		sess, callErr = c.create(params)
		return callErr
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return nil, ErrStripeUnavailable
	}
	if err != nil {
		logging.L(ctx).Error("stripe checkout failed", "tier", t, "error", err)
		if countsAsOutage(err) {
			return nil, fmt.Errorf("%w: %v", ErrStripeUnavailable, err)
		}
		return nil, fmt.Errorf("billing: create checkout session: %w", err)
	}

	logging.L(ctx).Info("stripe checkout created", "tier", t, "session_id", sess.ID)
	return &CheckoutSession{SessionID: sess.ID, CheckoutURL: sess.URL}, nil
}

// countsAsOutage is false for Stripe errors the API answered with a 4xx.
func countsAsOutage(err error) bool {
	var serr *stripe.Error
	if errors.As(err, &serr) {
		return serr.HTTPStatusCode == 0 || serr.HTTPStatusCode >= 500
	}
	return true
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
