package entitlement

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/outreach/internal/auth"
	"github.com/mbd888/outreach/internal/license"
	"github.com/mbd888/outreach/internal/logging"
	"github.com/mbd888/outreach/internal/pagination"
	"github.com/mbd888/outreach/internal/tier"
	"github.com/mbd888/outreach/internal/usage"
	"github.com/mbd888/outreach/internal/validation"
)

// MaxLeadsPerRequest bounds one email generation batch.
const MaxLeadsPerRequest = 100

// Handler provides HTTP endpoints for license status, administration, and
// the gated agent operations.
type Handler struct {
	engine *Engine
}

// NewHandler creates a new entitlement handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes sets up the license-holder routes. Each route carries its
// own entitlement middleware; r only needs auth.Middleware.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	e := h.engine

	r.GET("/auth/validate", Authenticate(e), h.ValidateLicense)
	r.GET("/tools/capabilities", Authenticate(e), h.ToolCapabilities)

	r.POST("/emails/generate", RateLimit(e, tier.FeatureEmailGeneration), h.GenerateEmails)
	r.POST("/leads/collect", RateLimit(e, tier.FeatureLeadCollection), h.CollectLeads)
	r.POST("/research",
		RequireFeature(e, tier.FeatureAIResearch),
		RateLimit(e, tier.FeatureAIResearch),
		h.Research)
	r.GET("/crm/dashboard", RequireFeature(e, tier.FeatureCRMDashboard), h.CRMDashboard)
	r.POST("/integrations/sheets/sync", RequireFeature(e, tier.FeatureSheetsSync), h.SheetsSync)

	r.POST("/free/generate-sample", h.GenerateSample)
}

// RegisterAdminRoutes sets up license administration. r must already be
// guarded by auth.AdminMiddleware.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/licenses", h.CreateLicense)
	r.GET("/licenses", h.ListLicenses)

	keyed := r.Group("/licenses/:key", validation.KeyParamMiddleware())
	keyed.GET("", h.GetLicense)
	keyed.POST("/deactivate", h.DeactivateLicense)
	keyed.POST("/reactivate", h.ReactivateLicense)
	keyed.GET("/usage", h.LicenseUsage)
}

// RateLimits is the quota section of the validate response.
type RateLimits struct {
	EmailsPerHour   int64 `json:"emailsPerHour"`
	APICallsPerHour int64 `json:"apiCallsPerHour"`
	MonthlyEmails   int64 `json:"monthlyEmails"`
	MonthlyAPICalls int64 `json:"monthlyApiCalls"`
}

// ValidateResponse is the body of GET /v1/auth/validate.
type ValidateResponse struct {
	Valid             bool             `json:"valid"`
	LicenseKey        string           `json:"licenseKey"`
	Tier              tier.Tier        `json:"tier"`
	FeaturesAvailable map[string]bool  `json:"featuresAvailable"`
	UsageStats        map[string]int64 `json:"usageStats"`
	UsageSince        time.Time        `json:"usageSince"`
	RateLimits        RateLimits       `json:"rateLimits"`
	ExpiresAt         *time.Time       `json:"expiresAt,omitempty"`
}

// ValidateLicense handles GET /v1/auth/validate
func (h *Handler) ValidateLicense(c *gin.Context) {
	key := auth.LicenseKey(c)
	st, err := h.engine.Status(c.Request.Context(), key)
	if err != nil {
		abortFault(c, err)
		return
	}
	if !st.OK {
		// Authenticate already passed, so the license changed in between.
		abortDenied(c, deny(StageValidate, st.Reason))
		return
	}

	usageStats := st.Usage
	if usageStats == nil {
		usageStats = map[string]int64{}
	}
	c.JSON(http.StatusOK, ValidateResponse{
		Valid:             true,
		LicenseKey:        key,
		Tier:              st.License.Tier,
		FeaturesAvailable: st.Limits.Flags,
		UsageStats:        usageStats,
		UsageSince:        st.UsageSince,
		RateLimits: RateLimits{
			EmailsPerHour:   st.Limits.EmailsPerHour,
			APICallsPerHour: st.Limits.APICallsPerHour,
			MonthlyEmails:   st.Limits.MonthlyEmails,
			MonthlyAPICalls: st.Limits.MonthlyAPICalls,
		},
		ExpiresAt: st.License.ExpiresAt,
	})
}

// Capability describes one lead collection tool.
type Capability struct {
	Name        string `json:"name"`
	ToolType    string `json:"toolType"`
	Description string `json:"description"`
	Cost        string `json:"cost"`
	// Feature is the flag that unlocks the tool; empty means always available.
	Feature string `json:"feature,omitempty"`
}

var capabilities = []Capability{
	{
		Name:        "Playwright Web Scraper",
		ToolType:    "playwright",
		Description: "Scrapes company websites and public directories",
		Cost:        "free",
		Feature:     tier.FeaturePlaywright,
	},
	{
		Name:        "SerpAPI Search Collector",
		ToolType:    "serpapi",
		Description: "Finds leads through search engine results",
		Cost:        "paid",
		Feature:     tier.FeatureSerpAPI,
	},
	{
		Name:        "Sales Navigator CSV Processor",
		ToolType:    "sales_nav",
		Description: "Imports leads exported from Sales Navigator",
		Cost:        "free",
	},
}

// toolFeatures maps a collection tool to the flag it needs.
var toolFeatures = map[string]string{
	"playwright": tier.FeaturePlaywright,
	"serpapi":    tier.FeatureSerpAPI,
	"sales_nav":  tier.FeatureLeadCollection,
}

// ToolCapabilities handles GET /v1/tools/capabilities
func (h *Handler) ToolCapabilities(c *gin.Context) {
	lic := GinLicense(c)
	if lic == nil {
		abortFault(c, errors.New("license missing from context"))
		return
	}
	limits := tier.LimitsFor(lic.Tier)

	available := make([]Capability, 0, len(capabilities))
	for _, tool := range capabilities {
		if tool.Feature != "" {
			if enabled, _ := limits.Flag(tool.Feature); !enabled {
				continue
			}
		}
		available = append(available, tool)
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": available, "count": len(available)})
}

// Lead is a prospect to write to.
type Lead struct {
	FirstName   string `json:"firstName"`
	LastName    string `json:"lastName"`
	Email       string `json:"email"`
	CompanyName string `json:"companyName"`
	Position    string `json:"position"`
	Industry    string `json:"industry"`
}

// GenerateEmailsRequest is the body of POST /v1/emails/generate.
type GenerateEmailsRequest struct {
	Leads         []Lead `json:"leads"`
	UseAIResearch bool   `json:"useAiResearch"`
}

// Email is a drafted message.
type Email struct {
	To              string `json:"to"`
	Subject         string `json:"subject"`
	Body            string `json:"body"`
	Personalization string `json:"personalization"`
}

// GenerateEmails handles POST /v1/emails/generate
func (h *Handler) GenerateEmails(c *gin.Context) {
	var req GenerateEmailsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if len(req.Leads) == 0 || len(req.Leads) > MaxLeadsPerRequest {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": fmt.Sprintf("leads must contain between 1 and %d entries", MaxLeadsPerRequest),
		})
		return
	}
	for i, l := range req.Leads {
		if errs := validation.Validate(
			validation.Required(fmt.Sprintf("leads[%d].email", i), l.Email),
			validation.ValidEmail(fmt.Sprintf("leads[%d].email", i), l.Email),
		); len(errs) > 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": errs.Error(),
				"details": errs,
			})
			return
		}
	}

	ctx := c.Request.Context()
	if req.UseAIResearch {
		d, err := h.engine.CheckFeatureAccess(ctx, auth.LicenseKey(c), tier.FeatureAIResearch)
		if err != nil {
			abortFault(c, err)
			return
		}
		if !d.Allowed {
			logging.L(ctx).Info("ai research unavailable, using templates", "reason", d.Reason)
			req.UseAIResearch = false
		}
	}

	emails := make([]Email, 0, len(req.Leads))
	for _, l := range req.Leads {
		emails = append(emails, draftEmail(l, req.UseAIResearch))
	}
	SetUnits(c, int64(len(req.Leads)))
	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"data":          emails,
		"usageConsumed": len(req.Leads),
	})
}

func draftEmail(l Lead, researched bool) Email {
	name := l.FirstName
	if name == "" {
		name = "there"
	}
	company := l.CompanyName
	if company == "" {
		company = "your team"
	}
	mode := "template"
	if researched {
		mode = "ai_research"
	}
	return Email{
		To:      l.Email,
		Subject: fmt.Sprintf("Quick question for %s", company),
		Body: fmt.Sprintf("Hi %s,\n\nI came across %s and wanted to reach out about how we help %s teams book more meetings.\n\nWould you be open to a short call next week?",
			name, company, industryOr(l.Industry)),
		Personalization: mode,
	}
}

func industryOr(s string) string {
	if s == "" {
		return "sales"
	}
	return strings.ToLower(s)
}

// GenerateSample handles POST /v1/free/generate-sample. It needs no key and
// consumes nothing.
func (h *Handler) GenerateSample(c *gin.Context) {
	sample := Lead{
		FirstName:   "John",
		LastName:    "Doe",
		Email:       "john.doe@example.com",
		CompanyName: "Example Corp",
		Position:    "CEO",
		Industry:    "Technology",
	}
	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"data":          draftEmail(sample, false),
		"usageConsumed": 0,
	})
}

// CollectLeadsRequest is the body of POST /v1/leads/collect.
type CollectLeadsRequest struct {
	ToolType    string         `json:"toolType"`
	Parameters  map[string]any `json:"parameters"`
	ImportToCRM bool           `json:"importToCrm"`
}

// CollectLeads handles POST /v1/leads/collect. Collection itself runs in
// the agent; this endpoint authorises the tool and meters the request.
func (h *Handler) CollectLeads(c *gin.Context) {
	var req CollectLeadsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if feature, ok := toolFeatures[req.ToolType]; ok {
		d, err := h.engine.CheckFeatureAccess(c.Request.Context(), auth.LicenseKey(c), feature)
		if err != nil {
			abortFault(c, err)
			return
		}
		if !d.Allowed {
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Tool access denied: " + d.Reason,
				"reason":  d.Reason,
			})
			return
		}
	}

	c.JSON(http.StatusAccepted, gin.H{
		"success": true,
		"data": gin.H{
			"toolType":    req.ToolType,
			"importToCrm": req.ImportToCRM,
			"status":      "accepted",
		},
		"usageConsumed": 1,
	})
}

// ResearchRequest is the body of POST /v1/research.
type ResearchRequest struct {
	Company string `json:"company"`
	Domain  string `json:"domain"`
}

// Research handles POST /v1/research
func (h *Handler) Research(c *gin.Context) {
	var req ResearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.Required("company", req.Company),
		validation.MaxLength("company", req.Company, 200),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"success": true,
		"data": gin.H{
			"company": validation.SanitizeString(req.Company, 200),
			"domain":  validation.SanitizeString(req.Domain, 253),
			"status":  "accepted",
		},
		"usageConsumed": 1,
	})
}

// CRMDashboard handles GET /v1/crm/dashboard
func (h *Handler) CRMDashboard(c *gin.Context) {
	lic := GinLicense(c)
	data := gin.H{"status": "available"}
	if lic != nil {
		data["owner"] = lic.Owner
		data["tier"] = lic.Tier
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

// SheetsSync handles POST /v1/integrations/sheets/sync
func (h *Handler) SheetsSync(c *gin.Context) {
	sheetID := c.Query("sheetId")
	if sheetID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "sheetId: is required",
		})
		return
	}
	worksheet := c.DefaultQuery("worksheet", "CRM Data")
	c.JSON(http.StatusAccepted, gin.H{
		"success": true,
		"data":    gin.H{"sheetId": sheetID, "worksheet": worksheet, "status": "accepted"},
	})
}

// CreateLicenseRequest is the body of POST /v1/admin/licenses.
type CreateLicenseRequest struct {
	Email       string            `json:"email"`
	Tier        string            `json:"tier"`
	CustomerRef string            `json:"customerRef"`
	BillingRef  string            `json:"billingRef"`
	Metadata    map[string]string `json:"metadata"`
}

// CreateLicense handles POST /v1/admin/licenses
func (h *Handler) CreateLicense(c *gin.Context) {
	var req CreateLicenseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.Required("email", req.Email),
		validation.ValidEmail("email", req.Email),
		validation.Required("tier", req.Tier),
		validation.ValidTier("tier", req.Tier),
		validation.MaxLength("customerRef", req.CustomerRef, 255),
		validation.MaxLength("billingRef", req.BillingRef, 255),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	t, _ := tier.Parse(req.Tier)

	lic, err := h.engine.Mint(c.Request.Context(), MintRequest{
		Owner:       validation.SanitizeEmail(req.Email),
		Tier:        t,
		CustomerRef: req.CustomerRef,
		BillingRef:  req.BillingRef,
		Via:         license.ViaAdmin,
		Metadata:    req.Metadata,
	})
	if err != nil {
		logging.L(c.Request.Context()).Error("admin mint failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create license",
		})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"license": lic})
}

// ListLicenses handles GET /v1/admin/licenses?owner=&limit=&cursor=
func (h *Handler) ListLicenses(c *gin.Context) {
	owner := c.Query("owner")
	if errs := validation.Validate(
		validation.Required("owner", owner),
		validation.ValidEmail("owner", owner),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	lics, next, err := h.engine.ListByOwner(c.Request.Context(), owner,
		pagination.Limit(c.Query("limit")), c.Query("cursor"))
	if errors.Is(err, pagination.ErrInvalidCursor) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "cursor is malformed",
		})
		return
	}
	if err != nil {
		logging.L(c.Request.Context()).Error("list licenses failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list licenses",
		})
		return
	}

	resp := gin.H{"licenses": lics, "count": len(lics), "hasMore": next != ""}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// GetLicense handles GET /v1/admin/licenses/:key
func (h *Handler) GetLicense(c *gin.Context) {
	lic, ok := h.loadLicense(c)
	if !ok {
		return
	}
	st := gin.H{"license": lic}
	v, err := h.engine.Validate(c.Request.Context(), lic.Key)
	if err == nil {
		st["valid"] = v.OK
		st["reason"] = v.Reason
	}
	c.JSON(http.StatusOK, st)
}

// DeactivateLicense handles POST /v1/admin/licenses/:key/deactivate
func (h *Handler) DeactivateLicense(c *gin.Context) {
	h.setActive(c, false)
}

// ReactivateLicense handles POST /v1/admin/licenses/:key/reactivate
func (h *Handler) ReactivateLicense(c *gin.Context) {
	h.setActive(c, true)
}

func (h *Handler) setActive(c *gin.Context, active bool) {
	ctx := c.Request.Context()
	key := c.Param("key")

	var err error
	if active {
		err = h.engine.Reactivate(ctx, key)
	} else {
		err = h.engine.Deactivate(ctx, key)
	}
	if errors.Is(err, license.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "License not found",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to update license",
		})
		return
	}

	h.GetLicense(c)
}

// LicenseUsage handles GET /v1/admin/licenses/:key/usage?feature=&since=
// since is RFC 3339 or a Go duration such as 24h; the default is 30 days.
func (h *Handler) LicenseUsage(c *gin.Context) {
	lic, ok := h.loadLicense(c)
	if !ok {
		return
	}

	now := h.engine.now()
	since := now.Add(-monthlyWindow)
	if s := c.Query("since"); s != "" {
		parsed, err := ParseSince(s, now)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": "since: must be RFC 3339 or a duration such as 24h",
			})
			return
		}
		since = parsed
	}

	f := usage.Filter{Feature: c.Query("feature"), Start: since, End: now}
	totals, err := h.engine.Usage(c.Request.Context(), lic.Key, f)
	if err != nil {
		logging.L(c.Request.Context()).Error("usage totals failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load usage",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"licenseKey": lic.Key, "usage": totals, "since": since})
}

// ParseSince accepts an RFC 3339 timestamp or a positive duration before now.
func ParseSince(s string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return time.Time{}, fmt.Errorf("invalid since %q", s)
	}
	return now.Add(-d), nil
}

func (h *Handler) loadLicense(c *gin.Context) (*license.License, bool) {
	lic, err := h.engine.License(c.Request.Context(), c.Param("key"))
	if errors.Is(err, license.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "License not found",
		})
		return nil, false
	}
	if err != nil {
		logging.L(c.Request.Context()).Error("license lookup failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load license",
		})
		return nil, false
	}
	return lic, true
}
