// Package gin provides Gin middleware for credit-gated AI operations
package gin

import (
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/creditmeter/pkg/creditmeter"
)

// AccountIDExtractor extracts the verified account id from a Gin context.
// Return empty string if the caller is not authenticated.
type AccountIDExtractor func(c *gongin.Context) string

// OperationExtractor extracts the chargeable operation kind
type OperationExtractor func(c *gongin.Context) creditmeter.Operation

// CapabilitiesExtractor extracts additional capability names to gate on
type CapabilitiesExtractor func(c *gongin.Context) []string

// HistoryItemExtractor builds the edit-history item appended after the
// handler succeeds. Return an empty image id to skip history recording.
type HistoryItemExtractor func(c *gongin.Context) (imageID string, item *creditmeter.EditHistoryItem)

// Config holds middleware configuration
type Config struct {
	// Gate is the operation cost gate (required)
	Gate *creditmeter.Gate

	// GetAccountID extracts the account id (required)
	GetAccountID AccountIDExtractor

	// GetOperation extracts the operation kind (required)
	GetOperation OperationExtractor

	// GetCapabilities extracts extra capability names (optional)
	GetCapabilities CapabilitiesExtractor

	// GetHistoryItem builds the history item recorded on success (optional)
	GetHistoryItem HistoryItemExtractor

	// OnDenied is called when the pre-flight check denies the charge.
	// If nil, returns the standard 403 denial JSON.
	OnDenied func(c *gongin.Context, decision *creditmeter.Decision)

	// OnUnauthorized is called when the caller is not authenticated.
	// If nil, returns 401 Unauthorized.
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when an internal error occurs before the handler
	// runs. If nil, returns 500 Internal Server Error.
	OnError func(c *gongin.Context, err error)

	// OnCommitError is called when the post-success charge fails; the
	// response is already committed, so this is a logging hook.
	OnCommitError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that charges credits for the
// wrapped handlers. The deduction happens only when the chain responds
// with a status below 400.
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Gate == nil {
		panic("creditmeter/gin: Config.Gate is required")
	}
	if cfg.GetAccountID == nil {
		panic("creditmeter/gin: Config.GetAccountID is required")
	}
	if cfg.GetOperation == nil {
		panic("creditmeter/gin: Config.GetOperation is required")
	}

	return func(c *gongin.Context) {
		accountID := cfg.GetAccountID(c)
		if accountID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
			}
			c.Abort()
			return
		}

		op := cfg.GetOperation(c)
		var capabilities []string
		if cfg.GetCapabilities != nil {
			capabilities = cfg.GetCapabilities(c)
		}

		ctx := c.Request.Context()
		decision, err := cfg.Gate.Authorize(ctx, accountID, op, capabilities...)
		if err != nil {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else if err == creditmeter.ErrInvalidOperation {
				c.JSON(http.StatusBadRequest, gongin.H{"error": "Bad Request"})
			} else {
				c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
			}
			c.Abort()
			return
		}
		if !decision.Allowed {
			if cfg.OnDenied != nil {
				cfg.OnDenied(c, decision)
			} else {
				c.JSON(http.StatusForbidden, DenialBody(decision))
			}
			c.Abort()
			return
		}

		c.Next()

		// Charge-after-success: a failed handler must not deduct
		if c.Writer.Status() >= http.StatusBadRequest {
			return
		}

		var imageID string
		var item *creditmeter.EditHistoryItem
		if cfg.GetHistoryItem != nil {
			imageID, item = cfg.GetHistoryItem(c)
		}
		if err := cfg.Gate.Commit(ctx, accountID, op, imageID, item); err != nil {
			if cfg.OnCommitError != nil {
				cfg.OnCommitError(c, err)
			}
		}
	}
}

// DenialBody builds the standard JSON body for a denied decision
func DenialBody(decision *creditmeter.Decision) gongin.H {
	if decision.Reason == creditmeter.DenialRequiresUpgrade {
		return gongin.H{
			"requiresUpgrade": true,
			"message":         "This feature requires a subscription upgrade",
			"requiredTier":    string(decision.RequiredTier),
		}
	}
	return gongin.H{
		"message":         "Insufficient credits",
		"credits":         decision.Credits,
		"requiredCredits": decision.RequiredCredits,
	}
}

// Convenience extractors

// FromContext returns an AccountIDExtractor that reads Gin context values,
// for integrating with auth middleware that calls c.Set(key, accountID).
func FromContext(key string) AccountIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns an AccountIDExtractor that reads a header
func FromHeader(headerName string) AccountIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FixedOperation returns an OperationExtractor that always returns the
// given operation
func FixedOperation(op creditmeter.Operation) OperationExtractor {
	return func(*gongin.Context) creditmeter.Operation {
		return op
	}
}

// OperationFromParam returns an OperationExtractor that reads a route
// parameter, e.g. /ai/:operation.
func OperationFromParam(paramName string) OperationExtractor {
	return func(c *gongin.Context) creditmeter.Operation {
		return creditmeter.Operation(c.Param(paramName))
	}
}
