// Package http provides net/http middleware for credit-gated AI
// operations: authorize before the handler runs, charge only after it
// reports success.
package http

import (
	"encoding/json"
	"net/http"

	"github.com/mihaimyh/creditmeter/pkg/creditmeter"
)

// AccountIDExtractor extracts the verified account id from a request.
// Return empty string if the caller is not authenticated.
type AccountIDExtractor func(r *http.Request) string

// OperationExtractor extracts the chargeable operation kind from a request
type OperationExtractor func(r *http.Request) creditmeter.Operation

// CapabilitiesExtractor extracts additional capability names to gate on
// (e.g. "upscale:4x" for a 4x upscale request)
type CapabilitiesExtractor func(r *http.Request) []string

// HistoryItemExtractor builds the edit-history item to append after the
// handler succeeds. Return an empty image id to skip history recording.
type HistoryItemExtractor func(r *http.Request) (imageID string, item *creditmeter.EditHistoryItem)

// Config holds middleware configuration
type Config struct {
	// Gate is the operation cost gate (required)
	Gate *creditmeter.Gate

	// GetAccountID extracts the account id from the request (required)
	GetAccountID AccountIDExtractor

	// GetOperation extracts the operation kind (required)
	GetOperation OperationExtractor

	// GetCapabilities extracts extra capability names (optional)
	GetCapabilities CapabilitiesExtractor

	// GetHistoryItem builds the history item recorded on success (optional)
	GetHistoryItem HistoryItemExtractor

	// OnDenied is called when the pre-flight check denies the charge.
	// If nil, returns the standard 403 denial JSON.
	OnDenied func(w http.ResponseWriter, r *http.Request, decision *creditmeter.Decision)

	// OnUnauthorized is called when the caller is not authenticated.
	// If nil, returns 401 Unauthorized.
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs before the handler
	// runs. If nil, returns 500 Internal Server Error.
	OnError func(w http.ResponseWriter, r *http.Request, err error)

	// OnCommitError is called when the post-success charge fails. The
	// response has already been written at that point, so this hook is for
	// logging only.
	OnCommitError func(r *http.Request, err error)
}

// Middleware creates middleware that charges credits for the wrapped
// handler. The deduction happens only when the handler responds with a
// status below 400; a failed handler leaves the balance untouched.
func Middleware(config Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			accountID := config.GetAccountID(r)
			if accountID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			op := config.GetOperation(r)
			var capabilities []string
			if config.GetCapabilities != nil {
				capabilities = config.GetCapabilities(r)
			}

			ctx := r.Context()
			decision, err := config.Gate.Authorize(ctx, accountID, op, capabilities...)
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else if err == creditmeter.ErrInvalidOperation {
					http.Error(w, "Bad Request", http.StatusBadRequest)
				} else {
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
				return
			}
			if !decision.Allowed {
				if config.OnDenied != nil {
					config.OnDenied(w, r, decision)
				} else {
					WriteDenial(w, decision)
				}
				return
			}

			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			// Charge-after-success: a handler failure must not deduct
			if rec.Status() >= http.StatusBadRequest {
				return
			}

			var imageID string
			var item *creditmeter.EditHistoryItem
			if config.GetHistoryItem != nil {
				imageID, item = config.GetHistoryItem(r)
			}
			if err := config.Gate.Commit(ctx, accountID, op, imageID, item); err != nil {
				if config.OnCommitError != nil {
					config.OnCommitError(r, err)
				}
			}
		})
	}
}

// HandlerFunc creates the same middleware in http.HandlerFunc form
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

// WriteDenial writes the standard 403 denial body: an upgrade-required
// denial carries requiresUpgrade plus the minimum tier, an
// insufficient-credits denial carries the current and required balance.
func WriteDenial(w http.ResponseWriter, decision *creditmeter.Decision) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_ = json.NewEncoder(w).Encode(DenialBody(decision))
}

// DenialBody builds the JSON body for a denied decision
func DenialBody(decision *creditmeter.Decision) map[string]interface{} {
	if decision.Reason == creditmeter.DenialRequiresUpgrade {
		return map[string]interface{}{
			"requiresUpgrade": true,
			"message":         "This feature requires a subscription upgrade",
			"requiredTier":    string(decision.RequiredTier),
		}
	}
	return map[string]interface{}{
		"message":         "Insufficient credits",
		"credits":         decision.Credits,
		"requiredCredits": decision.RequiredCredits,
	}
}

// statusRecorder captures the status code written by the wrapped handler
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status == 0 {
		sr.status = code
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	return sr.ResponseWriter.Write(b)
}

// Status returns the recorded status, defaulting to 200 for handlers that
// never call WriteHeader.
func (sr *statusRecorder) Status() int {
	if sr.status == 0 {
		return http.StatusOK
	}
	return sr.status
}

// Common extractors for convenience

// FixedOperation returns an OperationExtractor that always returns the
// given operation
func FixedOperation(op creditmeter.Operation) OperationExtractor {
	return func(*http.Request) creditmeter.Operation {
		return op
	}
}

// OperationFromHeader returns an OperationExtractor reading a header
func OperationFromHeader(headerName string) OperationExtractor {
	return func(r *http.Request) creditmeter.Operation {
		return creditmeter.Operation(r.Header.Get(headerName))
	}
}

// ContextKey is a type for context keys
type ContextKey string

// AccountIDKey is the context key for the verified account id
const AccountIDKey ContextKey = "creditmeter:accountID"

// FromContext returns an AccountIDExtractor that reads the request context
func FromContext(key ContextKey) AccountIDExtractor {
	return func(r *http.Request) string {
		if accountID, ok := r.Context().Value(key).(string); ok {
			return accountID
		}
		return ""
	}
}

// FromHeader returns an AccountIDExtractor that reads a header
func FromHeader(headerName string) AccountIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}
