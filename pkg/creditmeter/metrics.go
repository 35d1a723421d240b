package creditmeter

// Metrics defines the interface for tracking ledger and tier operations.
// All methods must be safe for concurrent use.
type Metrics interface {
	// RecordCharge records a settled charge for an operation.
	// status: "applied" or "exhausted" (balance raced to empty after the
	// external operation succeeded)
	RecordCharge(operation, status string)

	// RecordDenial records a pre-flight denial.
	// reason: "insufficient_credits" or "requires_upgrade"
	RecordDenial(operation, reason string)

	// RecordRefresh records a credit refresh to the tier ceiling.
	// trigger: "rollover", "payment", "tier_change", "manual"
	RecordRefresh(trigger string)

	// RecordTierChange records a tier transition.
	RecordTierChange(fromTier, toTier string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordCharge(_, _ string)     {}
func (n *NoopMetrics) RecordDenial(_, _ string)     {}
func (n *NoopMetrics) RecordRefresh(_ string)       {}
func (n *NoopMetrics) RecordTierChange(_, _ string) {}
