// Package echo provides Echo middleware for credit-gated AI operations
package echo

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/creditmeter/pkg/creditmeter"
)

// AccountIDExtractor extracts the verified account id from an Echo
// context. Return empty string if the caller is not authenticated.
type AccountIDExtractor func(c echo.Context) string

// OperationExtractor extracts the chargeable operation kind
type OperationExtractor func(c echo.Context) creditmeter.Operation

// CapabilitiesExtractor extracts additional capability names to gate on
type CapabilitiesExtractor func(c echo.Context) []string

// HistoryItemExtractor builds the edit-history item appended after the
// handler succeeds. Return an empty image id to skip history recording.
type HistoryItemExtractor func(c echo.Context) (imageID string, item *creditmeter.EditHistoryItem)

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
	OnDenied func(c echo.Context, decision *creditmeter.Decision) error

	// OnUnauthorized is called when the caller is not authenticated.
	// If nil, returns 401 Unauthorized.
	OnUnauthorized func(c echo.Context) error

	// OnError is called when an internal error occurs before the handler
	// runs. If nil, returns 500 Internal Server Error.
	OnError func(c echo.Context, err error) error

	// OnCommitError is called when the post-success charge fails; the
	// response is already committed, so this is a logging hook.
	OnCommitError func(c echo.Context, err error)
}

// Middleware creates an Echo middleware that charges credits for the
// wrapped handlers. The deduction happens only when the handler returns
// without error and the response status is below 400.
func Middleware(cfg Config) echo.MiddlewareFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Gate == nil {
		panic("creditmeter/echo: Config.Gate is required")
	}
	if cfg.GetAccountID == nil {
		panic("creditmeter/echo: Config.GetAccountID is required")
	}
	if cfg.GetOperation == nil {
		panic("creditmeter/echo: Config.GetOperation is required")
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			accountID := cfg.GetAccountID(c)
			if accountID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			}

			op := cfg.GetOperation(c)
			var capabilities []string
			if cfg.GetCapabilities != nil {
				capabilities = cfg.GetCapabilities(c)
			}

			ctx := c.Request().Context()
			decision, err := cfg.Gate.Authorize(ctx, accountID, op, capabilities...)
			if err != nil {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				if err == creditmeter.ErrInvalidOperation {
					return c.JSON(http.StatusBadRequest, map[string]string{"error": "Bad Request"})
				}
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
			}
			if !decision.Allowed {
				if cfg.OnDenied != nil {
					return cfg.OnDenied(c, decision)
				}
				return c.JSON(http.StatusForbidden, DenialBody(decision))
			}

			if err := next(c); err != nil {
				// Handler failure: no charge, let Echo's error handler run
				return err
			}

			// Charge-after-success: a failed handler must not deduct
			if c.Response().Status >= http.StatusBadRequest {
				return nil
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
			return nil
		}
	}
}

// DenialBody builds the standard JSON body for a denied decision
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

// Convenience extractors

// FromContext returns an AccountIDExtractor that reads Echo context
// values, for integrating with auth middleware that calls c.Set.
func FromContext(key string) AccountIDExtractor {
	return func(c echo.Context) string {
		if accountID, ok := c.Get(key).(string); ok {
			return accountID
		}
		return ""
	}
}

// FromHeader returns an AccountIDExtractor that reads a header
func FromHeader(headerName string) AccountIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FixedOperation returns an OperationExtractor that always returns the
// given operation
func FixedOperation(op creditmeter.Operation) OperationExtractor {
	return func(echo.Context) creditmeter.Operation {
		return op
	}
}

// OperationFromParam returns an OperationExtractor that reads a route
// parameter, e.g. /ai/:operation.
func OperationFromParam(paramName string) OperationExtractor {
	return func(c echo.Context) creditmeter.Operation {
		return creditmeter.Operation(c.Param(paramName))
	}
}
