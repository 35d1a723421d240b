package creditmeter

import (
	"context"
	"fmt"
)

// DenialReason classifies why a charge was denied pre-flight.
type DenialReason string

const (
	// DenialInsufficientCredits means the balance does not cover the cost
	DenialInsufficientCredits DenialReason = "insufficient_credits"
	// DenialRequiresUpgrade means the account's tier does not permit the
	// requested capability
	DenialRequiresUpgrade DenialReason = "requires_upgrade"
)

// Decision is the outcome of a pre-flight authorization. Denials carry
// enough structured detail for the caller to render an actionable message.
type Decision struct {
	Allowed         bool
	Reason          DenialReason
	Credits         int
	RequiredCredits int
	RequiredTier    Tier
}

// GateConfig holds Operation Cost Gate configuration.
type GateConfig struct {
	// MinTiers gates capabilities behind a minimum tier. Keys are
	// free-form capability names passed to Authorize (e.g. "upscale:4x",
	// "model:quality"); the bare operation name gates the operation
	// itself. If nil, DefaultCapabilities applies.
	MinTiers map[string]Tier
}

// DefaultCapabilities returns the default capability table: upscaling is
// reserved for paid tiers, everything else is open.
func DefaultCapabilities() map[string]Tier {
	return map[string]Tier{
		string(OperationUpscale): TierBasic,
	}
}

// Gate is the pre-flight check in front of the costly external AI
// operations. It verifies tier capability and balance before the external
// call is made, and performs the deduction only after the caller reports
// the external operation succeeded; a failed external operation leaves
// the balance untouched.
type Gate struct {
	manager *Manager
	config  GateConfig
}

// NewGate creates an Operation Cost Gate on top of a Manager.
func NewGate(manager *Manager, config GateConfig) (*Gate, error) {
	if manager == nil {
		return nil, fmt.Errorf("manager is required")
	}
	if config.MinTiers == nil {
		config.MinTiers = DefaultCapabilities()
	}
	return &Gate{manager: manager, config: config}, nil
}

// Authorize runs the pre-flight check for an operation: capability
// (minimum tier) first, then balance. It never mutates the account and
// makes no external calls. The account is lazily created on first access.
func (g *Gate) Authorize(ctx context.Context, accountID string, op Operation, capabilities ...string) (*Decision, error) {
	if !op.Valid() {
		return nil, ErrInvalidOperation
	}

	acc, err := g.manager.EnsureAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	// Tier capability checks come before the credit check: an account
	// that could never run the operation should not be told to buy
	// credits for it.
	for _, capability := range append([]string{string(op)}, capabilities...) {
		min, gated := g.config.MinTiers[capability]
		if gated && !acc.Tier.AtLeast(min) {
			g.manager.config.Metrics.RecordDenial(string(op), string(DenialRequiresUpgrade))
			return &Decision{
				Reason:          DenialRequiresUpgrade,
				Credits:         acc.Credits,
				RequiredCredits: op.Cost(),
				RequiredTier:    min,
			}, nil
		}
	}

	cost := op.Cost()
	if acc.Credits < cost {
		g.manager.config.Metrics.RecordDenial(string(op), string(DenialInsufficientCredits))
		return &Decision{
			Reason:          DenialInsufficientCredits,
			Credits:         acc.Credits,
			RequiredCredits: cost,
		}, nil
	}

	return &Decision{
		Allowed:         true,
		Credits:         acc.Credits,
		RequiredCredits: cost,
	}, nil
}

// Commit settles a charge after the external AI operation has succeeded:
// one conditional deduction plus, when item is non-nil, one edit-history
// append. If a concurrent operation drained the balance between Authorize
// and Commit, the deduction is rejected rather than clamped; the work was
// already done, so the result is kept and the shortfall is only logged.
func (g *Gate) Commit(ctx context.Context, accountID string, op Operation, imageID string, item *EditHistoryItem) error {
	if !op.Valid() {
		return ErrInvalidOperation
	}

	applied, err := g.manager.Deduct(ctx, accountID, op.Cost())
	if err != nil {
		return fmt.Errorf("failed to deduct credits: %w", err)
	}
	if !applied {
		g.manager.config.Metrics.RecordCharge(string(op), "exhausted")
		g.manager.config.Logger.Warn("balance exhausted between authorize and commit",
			Field{Key: "account_id", Value: accountID},
			Field{Key: "operation", Value: string(op)})
	} else {
		g.manager.config.Metrics.RecordCharge(string(op), "applied")
	}

	if item != nil {
		if err := g.manager.AppendEditHistory(ctx, accountID, imageID, *item); err != nil {
			return fmt.Errorf("failed to record edit history: %w", err)
		}
	}
	return nil
}

// ChargeResult is the outcome of a full Charge round trip.
type ChargeResult struct {
	// Decision is the pre-flight outcome; when denied, ResultURL is empty
	// and the external operation was never invoked.
	Decision *Decision

	// ResultURL is the URL returned by the external AI operation.
	ResultURL string
}

// Charge wraps the full gate sequence around an external AI invocation:
// authorize, invoke, and commit only on success. A failing or timed-out
// invoke leaves balance and history untouched, so the request is fully
// safe to retry. The prompt is recorded in the image's edit history.
func (g *Gate) Charge(ctx context.Context, accountID string, op Operation, imageID, prompt string, invoke func(context.Context) (string, error)) (*ChargeResult, error) {
	decision, err := g.Authorize(ctx, accountID, op)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return &ChargeResult{Decision: decision}, nil
	}

	resultURL, err := invoke(ctx)
	if err != nil {
		return nil, err
	}

	item := &EditHistoryItem{
		Prompt:    prompt,
		ImageURL:  resultURL,
		Timestamp: g.manager.now(),
	}
	if err := g.Commit(ctx, accountID, op, imageID, item); err != nil {
		return nil, err
	}

	return &ChargeResult{Decision: decision, ResultURL: resultURL}, nil
}
