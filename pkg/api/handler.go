package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/entitle"
)

const (
	statusPendingConfirmation = "pending_confirmation"
	maxAccountIDLen           = 255
	maxRequestBytes           = 16 * 1024
)

// Handler provides the subscription HTTP endpoints: the cancel/reactivate
// bridge, entitlement inspection and the account-management link.
type Handler struct {
	config Config
}

// Register mounts every endpoint on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /subscription/cancel", h.Cancel)
	mux.HandleFunc("POST /subscription/reactivate", h.Reactivate)
	mux.HandleFunc("GET /subscription/manage", h.Manage)
	mux.HandleFunc("GET /entitlement", h.GetEntitlement)
	mux.HandleFunc("POST /entitlement/refresh", h.RefreshEntitlement)
}

// Cancel schedules cancellation at the end of the current period.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.bridge(w, r, "cancel", billing.Provider.Cancel)
}

// Reactivate removes a pending cancellation.
func (h *Handler) Reactivate(w http.ResponseWriter, r *http.Request) {
	h.bridge(w, r, "reactivate", billing.Provider.Reactivate)
}

type bridgeCall func(billing.Provider, context.Context, string) (*billing.ScheduledChange, error)

// bridge calls the provider and persists only the scheduled change it
// returns. Status and period stay untouched until the webhook confirms.
func (h *Handler) bridge(w http.ResponseWriter, r *http.Request, action string, call bridgeCall) {
	if r.Method != http.MethodPost {
		h.handleError(w, r, fmt.Errorf("method not allowed"), http.StatusMethodNotAllowed)
		return
	}
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}

	var req SubscriptionActionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes)).Decode(&req); err != nil {
		h.handleError(w, r, fmt.Errorf("invalid request body"), http.StatusBadRequest)
		return
	}
	if req.SubscriptionID == "" {
		h.handleError(w, r, fmt.Errorf("subscriptionId is required"), http.StatusBadRequest)
		return
	}
	if req.AccountID != "" && req.AccountID != accountID {
		h.handleError(w, r, fmt.Errorf("account mismatch"), http.StatusForbidden)
		return
	}

	ctx := r.Context()
	storage := h.config.Manager.Storage()
	sub, err := storage.SubscriptionByProviderID(ctx, req.SubscriptionID)
	if errors.Is(err, entitle.ErrSubscriptionNotFound) {
		h.handleError(w, r, fmt.Errorf("subscription not found"), http.StatusNotFound)
		return
	}
	if err != nil {
		h.config.Logger.Error("failed to load subscription",
			entitle.F("subscription_id", req.SubscriptionID), entitle.Err(err))
		h.handleError(w, r, fmt.Errorf("failed to load subscription"), http.StatusInternalServerError)
		return
	}
	if sub.AccountID != accountID {
		h.handleError(w, r, fmt.Errorf("subscription belongs to another account"), http.StatusForbidden)
		return
	}

	provider, err := h.provider(sub.Provider)
	if err != nil {
		h.handleError(w, r, err, http.StatusServiceUnavailable)
		return
	}

	change, err := call(provider, ctx, sub.ProviderSubscriptionID)
	if err != nil {
		h.config.Logger.Warn("provider rejected subscription change",
			entitle.F("action", action),
			entitle.F("provider", string(sub.Provider)),
			entitle.F("subscription_id", sub.ProviderSubscriptionID),
			entitle.Err(err),
		)
		h.handleError(w, r, errors.New(billing.ProviderMessage(err)), http.StatusBadGateway)
		return
	}

	patch := entitle.SubscriptionPatch{UpdatedAt: h.config.Manager.Clock().Now()}
	payload := change.Payload()
	if payload == nil {
		patch.ClearScheduledChange = true
	} else {
		patch.ScheduledChange = payload
	}
	if _, err := storage.PatchSubscription(ctx, sub.ProviderSubscriptionID, patch); err != nil {
		// the provider accepted the change; the webhook converges the row
		h.config.Logger.Error("failed to persist scheduled change",
			entitle.F("action", action),
			entitle.F("subscription_id", sub.ProviderSubscriptionID),
			entitle.Err(err),
		)
	}
	h.config.Manager.Invalidate(accountID)

	h.config.Logger.Info("subscription change requested",
		entitle.F("action", action),
		entitle.F("provider", string(sub.Provider)),
		entitle.F("account_id", accountID),
		entitle.F("subscription_id", sub.ProviderSubscriptionID),
	)
	h.writeJSON(w, http.StatusAccepted, SubscriptionActionResponse{
		Status:          statusPendingConfirmation,
		SubscriptionID:  sub.ProviderSubscriptionID,
		ScheduledChange: nullable(payload),
	})
}

// Manage returns the provider's account-management URL for the caller's
// current subscription.
func (h *Handler) Manage(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	sub, err := h.config.Manager.Storage().LatestSubscription(ctx, accountID)
	if errors.Is(err, entitle.ErrSubscriptionNotFound) {
		h.handleError(w, r, fmt.Errorf("subscription not found"), http.StatusNotFound)
		return
	}
	if err != nil {
		h.config.Logger.Error("failed to load subscription", entitle.F("account_id", accountID), entitle.Err(err))
		h.handleError(w, r, fmt.Errorf("failed to load subscription"), http.StatusInternalServerError)
		return
	}
	provider, err := h.provider(sub.Provider)
	if err != nil {
		h.handleError(w, r, err, http.StatusServiceUnavailable)
		return
	}
	u, err := provider.AccountManagementURL(ctx, sub.ProviderSubscriptionID)
	if err != nil {
		h.handleError(w, r, errors.New(billing.ProviderMessage(err)), http.StatusBadGateway)
		return
	}
	h.writeJSON(w, http.StatusOK, ManageResponse{URL: u})
}

// GetEntitlement returns the caller's resolved entitlement. Resolution
// never fails; a degraded result is reported as such.
func (h *Handler) GetEntitlement(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, toResponse(h.config.Manager.Entitlement(r.Context(), accountID)))
}

// RefreshEntitlement drops the cached entitlement and resolves again.
func (h *Handler) RefreshEntitlement(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, toResponse(h.config.Manager.Refresh(r.Context(), accountID)))
}

func (h *Handler) accountID(w http.ResponseWriter, r *http.Request) (string, bool) {
	accountID := h.config.GetAccountID(r)
	if accountID == "" {
		h.handleError(w, r, fmt.Errorf("account ID not found"), http.StatusUnauthorized)
		return "", false
	}
	if len(accountID) > maxAccountIDLen {
		h.handleError(w, r, fmt.Errorf("invalid account ID format"), http.StatusBadRequest)
		return "", false
	}
	return accountID, true
}

func (h *Handler) provider(name entitle.Provider) (billing.Provider, error) {
	p, ok := h.config.Providers[name]
	if !ok || p == nil {
		return nil, fmt.Errorf("%w: %s", billing.ErrUnknownProvider, name)
	}
	return p, nil
}

func toResponse(ent *entitle.Entitlement) EntitlementResponse {
	features := make(map[string]FeatureResponse, len(ent.Features))
	for _, key := range ent.FeatureKeys() {
		features[key] = FeatureResponse{Limit: ent.PlanLimit(key)}
	}
	return EntitlementResponse{
		AccountID:         ent.AccountID,
		Plan:              string(ent.Plan.Name),
		Status:            string(ent.Status),
		Active:            ent.IsActive(),
		Paid:              ent.IsPaid(),
		Freemium:          ent.IsFreemium(),
		Features:          features,
		Provider:          string(ent.Provider),
		SubscriptionID:    ent.SubscriptionID,
		AccessEndsAt:      ent.AccessEndsAt,
		CancelAtPeriodEnd: ent.CancelAtPeriodEnd,
		Degraded:          ent.Degraded,
		ResolvedAt:        ent.ResolvedAt,
	}
}

func nullable(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.config.Logger.Debug("failed to encode response", entitle.Err(err))
	}
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err, statusCode)
		return
	}
	h.writeJSON(w, statusCode, map[string]string{"error": err.Error()})
}
