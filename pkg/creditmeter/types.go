package creditmeter

import (
	"time"
)

// Tier is a named subscription plan. The tier alone determines the credit
// ceiling an account is refreshed to at every billing-period rollover.
type Tier string

const (
	// TierFree is the default tier for accounts without a paid subscription
	TierFree Tier = "free"
	// TierBasic is the entry-level paid tier
	TierBasic Tier = "basic"
	// TierPremium is the mid paid tier
	TierPremium Tier = "premium"
	// TierPremiumPlus is the top paid tier
	TierPremiumPlus Tier = "premium-plus"
)

// tierCeilings is the single authoritative tier -> max-credits table.
// MaxCredits on an Account is never set independently of this table.
var tierCeilings = map[Tier]int{
	TierFree:        30,
	TierBasic:       100,
	TierPremium:     300,
	TierPremiumPlus: 1000,
}

// tierWeights orders tiers by ascending ceiling, used for capability checks
var tierWeights = map[Tier]int{
	TierFree:        0,
	TierBasic:       1,
	TierPremium:     2,
	TierPremiumPlus: 3,
}

// Valid reports whether t is one of the four known tiers.
func (t Tier) Valid() bool {
	_, ok := tierCeilings[t]
	return ok
}

// MaxCredits returns the fixed credit ceiling for the tier.
// Unknown tiers get the free ceiling.
func (t Tier) MaxCredits() int {
	if c, ok := tierCeilings[t]; ok {
		return c
	}
	return tierCeilings[TierFree]
}

// AtLeast reports whether t is the same tier as min or a higher one.
func (t Tier) AtLeast(min Tier) bool {
	return tierWeights[t] >= tierWeights[min]
}

// Status is the subscription lifecycle sub-state, independent of Tier.
// A canceling subscription keeps its tier and credits until period end.
type Status string

const (
	// StatusActive means the subscription (or free plan) is in good standing
	StatusActive Status = "active"
	// StatusCanceling means cancellation is scheduled for period end
	StatusCanceling Status = "canceling"
	// StatusCanceled means the subscription has been terminated
	StatusCanceled Status = "canceled"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusCanceling, StatusCanceled:
		return true
	}
	return false
}

// canTransitionTo is the explicit transition table for user-initiated
// status changes (cancel/resume). Provider-driven reconciliation bypasses
// it via Manager.SetStatus since the billing provider is authoritative.
func (s Status) canTransitionTo(next Status) bool {
	switch s {
	case StatusActive:
		return next == StatusCanceling
	case StatusCanceling:
		return next == StatusActive
	default:
		return false
	}
}

// Account is the single shared mutable resource of the billing core:
// one row per authenticated identity, mutated only through Storage's
// atomic operations.
type Account struct {
	// ID is the opaque external identity, never regenerated
	ID string

	// Credits is the current spendable balance, never negative
	Credits int

	// MaxCredits is the ceiling credits are refreshed to at rollover.
	// Always a pure function of Tier.
	MaxCredits int

	// Tier drives MaxCredits and feature gates
	Tier Tier

	// Status is the subscription lifecycle state
	Status Status

	// BillingCustomerRef is the billing provider's customer object id
	BillingCustomerRef string

	// BillingSubscriptionRef is the billing provider's subscription id.
	// Exactly one canonical ref maps to an account at a time; a new ref
	// supersedes the old one on tier replacement.
	BillingSubscriptionRef string

	// CurrentPeriodStart/End bound the active billing cycle.
	// Both nil for an account that never had a paid period.
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time

	// CreditsResetDate is an informational projection of the next refresh;
	// it may lag the authoritative CurrentPeriodEnd.
	CreditsResetDate *time.Time

	// LastTierChangeAt is when Tier was last mutated, consulted by the
	// tier-churn guard.
	LastTierChangeAt *time.Time

	UpdatedAt time.Time
}

// HasActiveSubscription reports whether the account is linked to a live
// billing subscription (canceling still counts: usable until period end).
func (a *Account) HasActiveSubscription() bool {
	return a.BillingSubscriptionRef != "" && a.Status != StatusCanceled
}

// Operation is a chargeable AI operation kind.
type Operation string

const (
	// OperationEdit is a prompt-driven edit of an existing image
	OperationEdit Operation = "edit"
	// OperationGenerate is a single text-to-image generation
	OperationGenerate Operation = "generate"
	// OperationMultiGenerate is a batched generation request
	OperationMultiGenerate Operation = "multi-generate"
	// OperationUpscale is an image upscale; costs zero, gated by tier only
	OperationUpscale Operation = "upscale"
)

// operationCosts is the authoritative per-operation credit cost table.
var operationCosts = map[Operation]int{
	OperationEdit:          1,
	OperationGenerate:      1,
	OperationMultiGenerate: 1,
	OperationUpscale:       0,
}

// Valid reports whether op is a known operation kind.
func (op Operation) Valid() bool {
	_, ok := operationCosts[op]
	return ok
}

// Cost returns the fixed credit cost of the operation.
func (op Operation) Cost() int {
	return operationCosts[op]
}

// EditHistoryItem is one entry of an image's append-only edit history.
// One successful external AI operation produces exactly one item and one
// credit deduction.
type EditHistoryItem struct {
	Prompt    string    `json:"prompt"`
	ImageURL  string    `json:"imageUrl"`
	Timestamp time.Time `json:"timestamp"`
}

// Config holds Manager configuration.
type Config struct {
	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// Metrics tracks ledger and tier operations (default: NoopMetrics)
	Metrics Metrics

	// Now supplies the current time; overridable in tests
	// (default: time.Now)
	Now func() time.Time

	// TierChangeCooldown is the window during which a second
	// credit-refreshing tier change has its refresh suppressed
	// (default: 24h)
	TierChangeCooldown time.Duration
}
