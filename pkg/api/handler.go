package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mihaimyh/creditmeter/pkg/billing"
	"github.com/mihaimyh/creditmeter/pkg/creditmeter"
)

const (
	maxAccountIDLen = 255
	maxBodyBytes    = 4 * 1024
)

// Handler provides the subscription HTTP endpoints consumed by the web
// client.
type Handler struct {
	config Config
}

// Mux returns a ServeMux with all subscription routes and the billing
// webhook bound under /api/.
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/subscription", h.Subscription)
	mux.HandleFunc("/api/create-subscription", h.CreateSubscription)
	mux.HandleFunc("/api/upgrade-subscription", h.UpgradeSubscription)
	mux.HandleFunc("/api/cancel-subscription", h.CancelSubscription)
	mux.HandleFunc("/api/resume-subscription", h.ResumeSubscription)
	mux.Handle("/api/stripe-webhook", h.config.Provider.WebhookHandler())
	return mux
}

// Subscription returns the account's current subscription standing.
// The account is created lazily on first access, so a fresh user sees
// the free tier rather than a 404.
func (h *Handler) Subscription(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.methodNotAllowed(w)
		return
	}
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}

	acc, err := h.config.Manager.EnsureAccount(r.Context(), accountID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, SubscriptionResponse{
		SubscriptionTier:      string(acc.Tier),
		Credits:               acc.Credits,
		MaxCredits:            acc.MaxCredits,
		CreditsResetDate:      acc.CreditsResetDate,
		HasActiveSubscription: acc.HasActiveSubscription(),
		CancelAtPeriodEnd:     acc.Status == creditmeter.StatusCanceling,
		CurrentPeriodEnd:      acc.CurrentPeriodEnd,
	})
}

// CreateSubscription starts a checkout flow and returns the provider's
// hosted checkout URL.
func (h *Handler) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.methodNotAllowed(w)
		return
	}
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}

	var req CreateSubscriptionRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	tier := h.config.Provider.MapPriceToTier(req.PriceID)
	if req.PriceID == "" || tier == creditmeter.TierFree {
		h.writeError(w, http.StatusBadRequest, "unknown price")
		return
	}

	successURL := req.SuccessURL
	if successURL == "" {
		successURL = h.config.SuccessURL
	}
	cancelURL := req.CancelURL
	if cancelURL == "" {
		cancelURL = h.config.CancelURL
	}
	if successURL == "" || cancelURL == "" {
		h.writeError(w, http.StatusBadRequest, "success and cancel URLs are required")
		return
	}

	url, err := h.config.Provider.CheckoutURL(r.Context(), accountID, tier, successURL, cancelURL)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, CheckoutResponse{URL: url})
}

// UpgradeSubscription moves the account's existing subscription to a new
// price. 400 when there is no active subscription to upgrade.
func (h *Handler) UpgradeSubscription(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.methodNotAllowed(w)
		return
	}
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}

	var req UpgradeSubscriptionRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	if req.PriceID == "" {
		h.writeError(w, http.StatusBadRequest, "priceId is required")
		return
	}

	tier, err := h.config.Provider.UpgradeSubscription(r.Context(), accountID, req.PriceID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, UpgradeSubscriptionResponse{Tier: string(tier)})
}

// CancelSubscription schedules cancellation at period end. 400 when the
// subscription is already canceling or there is nothing to cancel.
func (h *Handler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.methodNotAllowed(w)
		return
	}
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}

	if err := h.config.Provider.CancelAtPeriodEnd(r.Context(), accountID); err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, StatusResponse{
		Message: "subscription will be canceled at the end of the billing period",
	})
}

// ResumeSubscription clears a scheduled cancellation. 400 when the
// subscription is not canceling.
func (h *Handler) ResumeSubscription(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.methodNotAllowed(w)
		return
	}
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}

	if err := h.config.Provider.ResumeSubscription(r.Context(), accountID); err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, StatusResponse{Message: "subscription resumed"})
}

func (h *Handler) accountID(w http.ResponseWriter, r *http.Request) (string, bool) {
	accountID := h.config.GetAccountID(r)
	if accountID == "" {
		h.writeError(w, http.StatusUnauthorized, "account id not found")
		return "", false
	}
	if len(accountID) > maxAccountIDLen {
		h.writeError(w, http.StatusBadRequest, "invalid account id")
		return "", false
	}
	return accountID, true
}

func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

// handleError maps domain errors to status codes. Provider internals are
// never leaked to the client.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	switch {
	case errors.Is(err, creditmeter.ErrAccountNotFound):
		h.writeError(w, http.StatusNotFound, "account not found")
	case errors.Is(err, billing.ErrNoActiveSubscription):
		h.writeError(w, http.StatusBadRequest, "no active subscription")
	case errors.Is(err, billing.ErrTierNotConfigured):
		h.writeError(w, http.StatusBadRequest, "unknown price")
	case errors.Is(err, creditmeter.ErrInvalidTransition):
		h.writeError(w, http.StatusBadRequest, "subscription is not in a state that allows this change")
	default:
		h.config.Logger.Error("subscription API request failed",
			creditmeter.Field{Key: "path", Value: r.URL.Path},
			creditmeter.Field{Key: "error", Value: err.Error()})
		h.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) methodNotAllowed(w http.ResponseWriter) {
	h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, ErrorResponse{Error: msg})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		// Response already committed; nothing useful to do
		_ = err
	}
}
