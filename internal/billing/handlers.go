package billing

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/outreach/internal/logging"
	"github.com/mbd888/outreach/internal/tier"
	"github.com/mbd888/outreach/internal/validation"
)

// maxWebhookBody caps a Stripe webhook payload.
const maxWebhookBody = 1 << 20

// Handler provides the pricing, checkout and webhook endpoints.
type Handler struct {
	adapter  *Adapter
	checkout *Checkout
}

// NewHandler creates a new billing handler.
func NewHandler(adapter *Adapter, checkout *Checkout) *Handler {
	return &Handler{adapter: adapter, checkout: checkout}
}

// RegisterRoutes sets up the public billing routes. None of them take a
// license key; the webhook authenticates with the Stripe signature.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/pricing", h.Pricing)
	r.POST("/payment/checkout", h.CreateCheckout)
	r.POST("/payment/webhook", h.Webhook)
}

// Pricing handles GET /v1/pricing.
func (h *Handler) Pricing(c *gin.Context) {
	tiers := make(map[tier.Tier]tier.Pricing, len(tier.All()))
	for _, p := range tier.PriceSheet() {
		tiers[p.Tier] = p
	}
	c.JSON(http.StatusOK, gin.H{
		"tiers":    tiers,
		"currency": "USD",
	})
}

// CreateCheckout handles POST /v1/payment/checkout.
func (h *Handler) CreateCheckout(c *gin.Context) {
	if !h.checkout.Enabled() {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "payments_disabled",
			"message": "Payment processing is not configured",
		})
		return
	}

	var req CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	req.CustomerEmail = validation.SanitizeEmail(req.CustomerEmail)
	if errs := validation.Validate(
		validation.Required("tier", string(req.Tier)),
		validation.ValidTier("tier", string(req.Tier)),
		validation.Required("customerEmail", req.CustomerEmail),
		validation.ValidEmail("customerEmail", req.CustomerEmail),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	sess, err := h.checkout.Create(c.Request.Context(), req)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, sess)
	case errors.Is(err, ErrFreeCheckout):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_tier",
			"message": "Free tier doesn't require payment",
		})
	case errors.Is(err, ErrStripeUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "payment_provider_unavailable",
			"message": "Payment provider is temporarily unavailable",
		})
	default:
		logging.L(c.Request.Context()).Error("checkout failed", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "checkout_failed",
			"message": "Failed to create checkout session",
		})
	}
}

// Webhook handles POST /v1/payment/webhook.
func (h *Handler) Webhook(c *gin.Context) {
	if !h.adapter.Enabled() {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "payments_disabled",
			"message": "Webhook processing is not configured",
		})
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"status":  StatusError,
			"message": "Invalid payload",
		})
		return
	}

	res, err := h.adapter.HandleWebhook(c.Request.Context(), payload, c.GetHeader("Stripe-Signature"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, res)
	case errors.Is(err, ErrMissingSignature):
		c.JSON(http.StatusBadRequest, gin.H{
			"status":  StatusError,
			"message": "Missing Stripe signature",
		})
	case errors.Is(err, ErrInvalidSignature):
		c.JSON(http.StatusBadRequest, gin.H{
			"status":  StatusError,
			"message": "Invalid signature",
		})
	default:
		// 5xx makes Stripe redeliver.
		logging.L(c.Request.Context()).Error("webhook processing failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"status":  StatusError,
			"message": "Webhook processing failed",
		})
	}
}
