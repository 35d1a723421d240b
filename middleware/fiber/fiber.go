// Package fiber provides Fiber middleware for credit-gated AI operations
package fiber

import (
	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/creditmeter/pkg/creditmeter"
)

// AccountIDExtractor extracts the verified account id from a Fiber
// context. Return empty string if the caller is not authenticated.
type AccountIDExtractor func(c *fiber.Ctx) string

// OperationExtractor extracts the chargeable operation kind
type OperationExtractor func(c *fiber.Ctx) creditmeter.Operation

// CapabilitiesExtractor extracts additional capability names to gate on
type CapabilitiesExtractor func(c *fiber.Ctx) []string

// HistoryItemExtractor builds the edit-history item appended after the
// handler succeeds. Return an empty image id to skip history recording.
type HistoryItemExtractor func(c *fiber.Ctx) (imageID string, item *creditmeter.EditHistoryItem)

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
	OnDenied func(c *fiber.Ctx, decision *creditmeter.Decision) error

	// OnUnauthorized is called when the caller is not authenticated.
	// If nil, returns 401 Unauthorized.
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when an internal error occurs before the handler
	// runs. If nil, returns 500 Internal Server Error.
	OnError func(c *fiber.Ctx, err error) error

	// OnCommitError is called when the post-success charge fails; the
	// response is already committed, so this is a logging hook.
	OnCommitError func(c *fiber.Ctx, err error)
}

// Middleware creates a Fiber middleware that charges credits for the
// wrapped handlers. The deduction happens only when the chain responds
// with a status below 400.
func Middleware(cfg Config) fiber.Handler {
	// Validate required configuration at startup (fail fast)
	if cfg.Gate == nil {
		panic("creditmeter/fiber: Config.Gate is required")
	}
	if cfg.GetAccountID == nil {
		panic("creditmeter/fiber: Config.GetAccountID is required")
	}
	if cfg.GetOperation == nil {
		panic("creditmeter/fiber: Config.GetOperation is required")
	}

	return func(c *fiber.Ctx) error {
		accountID := cfg.GetAccountID(c)
		if accountID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
		}

		op := cfg.GetOperation(c)
		var capabilities []string
		if cfg.GetCapabilities != nil {
			capabilities = cfg.GetCapabilities(c)
		}

		// Fiber is built on fasthttp; UserContext carries the
		// context.Context for storage calls
		ctx := c.UserContext()
		decision, err := cfg.Gate.Authorize(ctx, accountID, op, capabilities...)
		if err != nil {
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			if err == creditmeter.ErrInvalidOperation {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Bad Request"})
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
		}
		if !decision.Allowed {
			if cfg.OnDenied != nil {
				return cfg.OnDenied(c, decision)
			}
			return c.Status(fiber.StatusForbidden).JSON(DenialBody(decision))
		}

		if err := c.Next(); err != nil {
			// Handler failure: no charge, let Fiber's error handler run
			return err
		}

		// Charge-after-success: a failed handler must not deduct
		if c.Response().StatusCode() >= fiber.StatusBadRequest {
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

// DenialBody builds the standard JSON body for a denied decision
func DenialBody(decision *creditmeter.Decision) fiber.Map {
	if decision.Reason == creditmeter.DenialRequiresUpgrade {
		return fiber.Map{
			"requiresUpgrade": true,
			"message":         "This feature requires a subscription upgrade",
			"requiredTier":    string(decision.RequiredTier),
		}
	}
	return fiber.Map{
		"message":         "Insufficient credits",
		"credits":         decision.Credits,
		"requiredCredits": decision.RequiredCredits,
	}
}

// Convenience extractors

// FromLocals returns an AccountIDExtractor that reads Fiber locals, for
// integrating with auth middleware that calls c.Locals(key, accountID).
func FromLocals(key string) AccountIDExtractor {
	return func(c *fiber.Ctx) string {
		if accountID, ok := c.Locals(key).(string); ok {
			return accountID
		}
		return ""
	}
}

// FromHeader returns an AccountIDExtractor that reads a header
func FromHeader(headerName string) AccountIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FixedOperation returns an OperationExtractor that always returns the
// given operation
func FixedOperation(op creditmeter.Operation) OperationExtractor {
	return func(*fiber.Ctx) creditmeter.Operation {
		return op
	}
}

// OperationFromParam returns an OperationExtractor that reads a route
// parameter, e.g. /ai/:operation.
func OperationFromParam(paramName string) OperationExtractor {
	return func(c *fiber.Ctx) creditmeter.Operation {
		return creditmeter.Operation(c.Params(paramName))
	}
}
