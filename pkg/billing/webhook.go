package billing

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mihaimyh/goentitle/pkg/billing/internal"
	"github.com/mihaimyh/goentitle/pkg/entitle"
)

// AuthResult is the outcome of webhook authentication.
type AuthResult int

const (
	// AuthOK means the signature verified
	AuthOK AuthResult = iota
	// AuthDegraded means the signature did not verify but the source IP is allowlisted
	AuthDegraded
	// AuthInvalidSignature means a signature was presented and did not verify (401)
	AuthInvalidSignature
	// AuthForbidden means no signature was presented and the source is not allowlisted (403)
	AuthForbidden
)

// WebhookSpec is what a provider contributes to the shared webhook pipeline.
type WebhookSpec struct {
	Provider entitle.Provider
	// Secret must be non-empty or the endpoint answers 503
	Secret string
	// Authenticate checks the raw body before anything is parsed
	Authenticate func(r *http.Request, body []byte) AuthResult
	// Parse turns the raw body into events. An error means the envelope
	// itself is unreadable; per-event problems go in Event.Invalid.
	Parse func(body []byte) ([]*Event, error)
}

type webhookHandler struct {
	spec    WebhookSpec
	applier *Applier
	logger  entitle.Logger
	metrics Metrics
}

// NewWebhookHandler builds the provider webhook endpoint: authenticate,
// parse the batch, apply every event independently and acknowledge with a
// summary. Requests are rate limited per client IP.
func NewWebhookHandler(spec WebhookSpec, applier *Applier, config Config) http.Handler {
	config = config.WithDefaults()
	h := &webhookHandler{
		spec:    spec,
		applier: applier,
		logger:  config.Logger,
		metrics: config.Metrics,
	}
	limiter := internal.NewRateLimiter(config.RateLimit, config.RateLimitWindow,
		internal.WithNow(config.Clock.Now),
		internal.WithClientIP(func(r *http.Request) string {
			return internal.ClientIP(r, config.TrustForwardedFor)
		}),
	)
	return limiter.Middleware(h)
}

func (h *webhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	provider := string(h.spec.Provider)
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if h.spec.Secret == "" || h.applier == nil {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	select {
	case <-r.Context().Done():
		http.Error(w, "request timeout", http.StatusRequestTimeout)
		return
	default:
	}

	body, err := internal.ReadBodyStrict(w, r, MaxWebhookBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			h.metrics.RecordWebhookError(provider, "payload_too_large")
		} else {
			http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
			h.metrics.RecordWebhookError(provider, "invalid_payload")
		}
		return
	}

	switch h.spec.Authenticate(r, body) {
	case AuthOK:
	case AuthDegraded:
		h.logger.Warn("webhook accepted via IP allowlist",
			entitle.F("provider", provider),
			entitle.F("remote_addr", r.RemoteAddr),
		)
		h.metrics.RecordWebhookError(provider, "auth_degraded")
	case AuthForbidden:
		http.Error(w, "forbidden", http.StatusForbidden)
		h.metrics.RecordWebhookError(provider, "auth_forbidden")
		return
	default:
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		h.metrics.RecordWebhookError(provider, "auth_failed")
		return
	}

	events, err := h.spec.Parse(body)
	if err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		h.metrics.RecordWebhookError(provider, "invalid_payload")
		h.logger.Warn("unreadable webhook envelope", entitle.F("provider", provider), entitle.Err(err))
		return
	}

	summary := BatchSummary{Received: len(events), Results: make([]EventResult, 0, len(events))}
	for _, ev := range events {
		summary.Results = append(summary.Results, h.applier.Apply(r.Context(), ev))
	}

	if err := internal.WriteJSON(w, http.StatusOK, summary); err != nil {
		h.logger.Debug("failed to write webhook response", entitle.Err(err))
	}
	h.metrics.RecordWebhookProcessingDuration(provider, time.Since(startTime))
}
