// Package billing turns Stripe events into license lifecycle changes and
// creates checkout sessions for paid tiers.
//
// Event handling:
//   - checkout.session.completed mints a license for the buyer
//   - invoice.payment_succeeded for a billing cycle mints the renewal license;
//     other paid invoices reactivate the subscription's licenses
//   - customer.subscription.deleted deactivates them
//
// Every handled event is stored by its Stripe id; a redelivery is answered
// from the store and changes nothing. Mints are also keyed by the checkout
// session or invoice they pay for, so a delivery whose event row could not
// be written reuses the license it minted when Stripe retries.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/outreach/internal/entitlement"
	"github.com/mbd888/outreach/internal/license"
	"github.com/mbd888/outreach/internal/logging"
	"github.com/mbd888/outreach/internal/metrics"
	"github.com/mbd888/outreach/internal/pagination"
	"github.com/mbd888/outreach/internal/syncutil"
	"github.com/mbd888/outreach/internal/tier"
	"github.com/mbd888/outreach/internal/traces"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"
)

// Errors
var (
	ErrWebhookDisabled  = errors.New("billing: webhook secret not configured")
	ErrMissingSignature = errors.New("billing: missing Stripe signature")
	ErrInvalidSignature = errors.New("billing: invalid Stripe signature")
	ErrMissingTier      = errors.New("billing: checkout session has no tier")
	ErrInvalidTier      = errors.New("billing: checkout session tier is not recognised")
	ErrMissingEmail     = errors.New("billing: customer email is required")
)

// Stripe event types the adapter acts on.
const (
	EventCheckoutCompleted   = "checkout.session.completed"
	EventPaymentSucceeded    = "invoice.payment_succeeded"
	EventSubscriptionDeleted = "customer.subscription.deleted"
)

// License metadata written by the adapter.
const (
	MetaCheckoutSession = "checkout_session"
	MetaInvoice         = "invoice"
	MetaRenewalOf       = "renewal_of"
)

// billingReasonCycle marks the invoice of a subscription renewal.
const billingReasonCycle = "subscription_cycle"

// Result is the webhook response body.
type Result struct {
	Status     Status `json:"status"`
	Message    string `json:"message"`
	EventID    string `json:"eventId,omitempty"`
	EventType  string `json:"eventType,omitempty"`
	LicenseKey string `json:"licenseKey,omitempty"`
}

// Adapter applies verified Stripe events to the entitlement engine.
type Adapter struct {
	engine *entitlement.Engine
	events EventStore
	secret string
	locks  *syncutil.KeyedMutex
	now    func() time.Time
}

// NewAdapter creates an adapter. An empty secret disables HandleWebhook.
func NewAdapter(engine *entitlement.Engine, events EventStore, webhookSecret string) *Adapter {
	return &Adapter{
		engine: engine,
		events: events,
		secret: webhookSecret,
		locks:  syncutil.NewKeyedMutex(),
		now:    time.Now,
	}
}

// Enabled reports whether a webhook secret is configured.
func (a *Adapter) Enabled() bool {
	return strings.TrimSpace(a.secret) != ""
}

// HandleWebhook verifies payload against the Stripe-Signature header and
// applies the event. Signature problems return ErrMissingSignature or
// ErrInvalidSignature. Business problems (a session without a tier) come
// back as a Result with StatusError and are recorded so that Stripe stops
// redelivering. Storage faults are returned as errors and nothing is
// recorded, so the redelivery is processed again.
func (a *Adapter) HandleWebhook(ctx context.Context, payload []byte, sigHeader string) (res *Result, err error) {
	if !a.Enabled() {
		return nil, ErrWebhookDisabled
	}
	if strings.TrimSpace(sigHeader) == "" {
		return nil, ErrMissingSignature
	}
	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, a.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		metrics.BillingWebhooksTotal.WithLabelValues("unknown", "invalid_signature").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	eventType := string(event.Type)
	ctx, span := traces.StartSpan(ctx, "billing.webhook", traces.EventType(eventType))
	defer func() {
		outcome := "fault"
		if res != nil {
			outcome = string(res.Status)
		}
		metrics.BillingWebhooksTotal.WithLabelValues(eventType, outcome).Inc()
		traces.End(span, err)
	}()

	ctx = logging.With(ctx, "event_id", event.ID, "event_type", eventType)
	log := logging.L(ctx)
	log.Info("stripe webhook received")

	unlock, err := a.locks.Lock(ctx, event.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	prev, err := a.events.Get(ctx, event.ID)
	switch {
	case err == nil:
		log.Info("stripe webhook already processed", "status", prev.Status)
		return &Result{
			Status:     StatusDuplicate,
			Message:    prev.Message,
			EventID:    event.ID,
			EventType:  eventType,
			LicenseKey: prev.LicenseKey,
		}, nil
	case !errors.Is(err, ErrEventNotFound):
		return nil, fmt.Errorf("billing: load event: %w", err)
	}

	rec := &PaymentEvent{ID: event.ID, Type: eventType, ReceivedAt: a.now().UTC()}
	if err := a.apply(ctx, &event, rec); err != nil {
		return nil, err
	}

	if err := a.events.Record(ctx, rec); err != nil {
		if errors.Is(err, ErrDuplicateEvent) {
			// Another replica finished the same event first.
			log.Warn("stripe webhook recorded concurrently")
			return &Result{Status: StatusDuplicate, Message: rec.Message, EventID: event.ID, EventType: eventType}, nil
		}
		log.Error("payment event not recorded", "error", err)
		return nil, fmt.Errorf("billing: record event: %w", err)
	}

	logAt(log, rec.Status)("stripe webhook processed", "status", rec.Status, "message", rec.Message)
	return &Result{
		Status:     rec.Status,
		Message:    rec.Message,
		EventID:    event.ID,
		EventType:  eventType,
		LicenseKey: rec.LicenseKey,
	}, nil
}

func logAt(l *slog.Logger, s Status) func(string, ...any) {
	if s == StatusError {
		return l.Warn
	}
	return l.Info
}

// apply dispatches on the event type and fills in rec. It returns an error
// only for faults.
func (a *Adapter) apply(ctx context.Context, event *stripe.Event, rec *PaymentEvent) error {
	var raw json.RawMessage
	if event.Data != nil {
		raw = event.Data.Raw
	}

	switch string(event.Type) {
	case EventCheckoutCompleted:
		var s checkoutSession
		if err := json.Unmarshal(raw, &s); err != nil {
			rec.Status, rec.Message = StatusError, "Invalid payload"
			return nil
		}
		return a.checkoutCompleted(ctx, s, rec)

	case EventPaymentSucceeded:
		var inv invoice
		if err := json.Unmarshal(raw, &inv); err != nil {
			rec.Status, rec.Message = StatusError, "Invalid payload"
			return nil
		}
		return a.paymentSucceeded(ctx, inv, rec)

	case EventSubscriptionDeleted:
		var sub subscription
		if err := json.Unmarshal(raw, &sub); err != nil {
			rec.Status, rec.Message = StatusError, "Invalid payload"
			return nil
		}
		return a.subscriptionDeleted(ctx, sub, rec)

	default:
		rec.Status = StatusIgnored
		rec.Message = fmt.Sprintf("Event type %s not handled", event.Type)
		return nil
	}
}

// checkoutSession is the part of a Stripe checkout.session the adapter reads.
type checkoutSession struct {
	ID              string `json:"id"`
	Customer        string `json:"customer"`
	Subscription    string `json:"subscription"`
	CustomerEmail   string `json:"customer_email"`
	CustomerDetails struct {
		Email string `json:"email"`
	} `json:"customer_details"`
	AmountTotal int64             `json:"amount_total"`
	Currency    string            `json:"currency"`
	Metadata    map[string]string `json:"metadata"`
}

func (s checkoutSession) email() string {
	for _, e := range []string{s.CustomerEmail, s.CustomerDetails.Email, s.Metadata["customer_email"]} {
		if e = strings.TrimSpace(e); e != "" {
			return e
		}
	}
	return ""
}

type invoice struct {
	ID            string `json:"id"`
	Customer      string `json:"customer"`
	Subscription  string `json:"subscription"`
	BillingReason string `json:"billing_reason"`
	AmountPaid    int64  `json:"amount_paid"`
	Currency      string `json:"currency"`
}

type subscription struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
}

// parseSessionTier reads the tier the checkout was created for.
func parseSessionTier(s checkoutSession) (tier.Tier, error) {
	name := strings.TrimSpace(s.Metadata["tier"])
	if name == "" {
		return "", ErrMissingTier
	}
	t, err := tier.Parse(name)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidTier, name)
	}
	return t, nil
}

func (a *Adapter) checkoutCompleted(ctx context.Context, s checkoutSession, rec *PaymentEvent) error {
	rec.CustomerID, rec.SubscriptionID = s.Customer, s.Subscription
	rec.Amount, rec.Currency = s.AmountTotal, s.Currency

	t, err := parseSessionTier(s)
	switch {
	case errors.Is(err, ErrMissingTier):
		rec.Status, rec.Message = StatusError, "Missing tier information"
		return nil
	case err != nil:
		rec.Status, rec.Message = StatusError, "Invalid tier"
		return nil
	}

	lic, err := a.mintOnce(ctx, entitlement.MintRequest{
		Owner:       s.email(),
		Tier:        t,
		CustomerRef: s.Customer,
		BillingRef:  s.Subscription,
		Via:         license.ViaStripe,
		Metadata:    map[string]string{MetaCheckoutSession: s.ID},
	}, MetaCheckoutSession, s.ID)
	if errors.Is(err, entitlement.ErrMissingOwner) {
		rec.Status, rec.Message = StatusError, "Missing customer email"
		return nil
	}
	if err != nil {
		return err
	}

	rec.Status, rec.Message, rec.LicenseKey = StatusSuccess, "License created", lic.Key
	return nil
}

// mintOnce returns the license an earlier delivery minted with
// metadata[marker] == id, or mints req. Earlier licenses are found through
// the billing ref, or through the owner when there is none.
func (a *Adapter) mintOnce(ctx context.Context, req entitlement.MintRequest, marker, id string) (*license.License, error) {
	if id != "" {
		prev, err := a.minted(ctx, req, marker, id)
		if err != nil {
			return nil, err
		}
		if prev != nil {
			logging.L(ctx).Info("license already minted for payment", "key", license.Mask(prev.Key), marker, id)
			return prev, nil
		}
	}
	lic, err := a.engine.Mint(ctx, req)
	if err != nil {
		if errors.Is(err, entitlement.ErrMissingOwner) {
			return nil, err
		}
		return nil, fmt.Errorf("billing: mint license: %w", err)
	}
	return lic, nil
}

func (a *Adapter) minted(ctx context.Context, req entitlement.MintRequest, marker, id string) (*license.License, error) {
	match := func(lics []*license.License) *license.License {
		for _, l := range lics {
			if l.Metadata[marker] == id {
				return l
			}
		}
		return nil
	}

	if req.BillingRef != "" {
		lics, err := a.engine.LicensesByBillingRef(ctx, req.BillingRef)
		if err != nil {
			return nil, fmt.Errorf("billing: find minted license: %w", err)
		}
		return match(lics), nil
	}
	if strings.TrimSpace(req.Owner) == "" {
		return nil, nil
	}
	cursor := ""
	for {
		lics, next, err := a.engine.ListByOwner(ctx, req.Owner, pagination.MaxLimit, cursor)
		if err != nil {
			return nil, fmt.Errorf("billing: find minted license: %w", err)
		}
		if l := match(lics); l != nil || next == "" {
			return l, nil
		}
		cursor = next
	}
}

func (a *Adapter) paymentSucceeded(ctx context.Context, inv invoice, rec *PaymentEvent) error {
	rec.CustomerID, rec.SubscriptionID = inv.Customer, inv.Subscription
	rec.Amount, rec.Currency = inv.AmountPaid, inv.Currency

	if inv.BillingReason == billingReasonCycle && inv.Subscription != "" {
		return a.renew(ctx, inv, rec)
	}
	return a.reactivate(ctx, inv, rec)
}

func (a *Adapter) reactivate(ctx context.Context, inv invoice, rec *PaymentEvent) error {
	n, err := a.engine.ReactivateByBillingRef(ctx, inv.Subscription)
	if err != nil {
		return fmt.Errorf("billing: reactivate: %w", err)
	}
	rec.Status = StatusSuccess
	rec.Message = "Payment processed"
	if n > 0 {
		rec.Message = fmt.Sprintf("Payment processed, %d license(s) reactivated", n)
	}
	return nil
}

// renew mints a fresh license for the newest one on the subscription, with
// the same owner and tier. A license never changes after minting apart from
// its active flag, so the new term needs a new key. Licenses that never
// expire only need reactivating.
func (a *Adapter) renew(ctx context.Context, inv invoice, rec *PaymentEvent) error {
	lics, err := a.engine.LicensesByBillingRef(ctx, inv.Subscription)
	if err != nil {
		return fmt.Errorf("billing: renew: %w", err)
	}
	if len(lics) == 0 {
		rec.Status, rec.Message = StatusError, "No license for subscription"
		return nil
	}
	cur := lics[0]
	if cur.ExpiresAt == nil {
		return a.reactivate(ctx, inv, rec)
	}

	customer := inv.Customer
	if customer == "" {
		customer = cur.CustomerRef
	}
	lic, err := a.mintOnce(ctx, entitlement.MintRequest{
		Owner:       cur.Owner,
		Tier:        cur.Tier,
		CustomerRef: customer,
		BillingRef:  inv.Subscription,
		Via:         license.ViaStripe,
		Metadata:    map[string]string{MetaInvoice: inv.ID, MetaRenewalOf: cur.Key},
	}, MetaInvoice, inv.ID)
	if err != nil {
		return err
	}
	rec.Status, rec.Message, rec.LicenseKey = StatusSuccess, "License renewed", lic.Key
	return nil
}

func (a *Adapter) subscriptionDeleted(ctx context.Context, sub subscription, rec *PaymentEvent) error {
	rec.CustomerID, rec.SubscriptionID = sub.Customer, sub.ID

	n, err := a.engine.DeactivateByBillingRef(ctx, sub.ID)
	if err != nil {
		return fmt.Errorf("billing: deactivate: %w", err)
	}
	rec.Status = StatusSuccess
	rec.Message = fmt.Sprintf("Subscription cancelled, %d license(s) deactivated", n)
	return nil
}
