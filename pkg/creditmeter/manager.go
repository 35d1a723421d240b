package creditmeter

import (
	"context"
	"fmt"
	"time"
)

const defaultTierChangeCooldown = 24 * time.Hour

// provisionalResetDays is the projection used when the authoritative next
// rollover date is not yet known from the billing provider.
const provisionalResetDays = 30

// Manager owns all Account mutation. Every method is a single atomic
// persisted operation via Storage; the Manager holds no in-process locks
// and is safe to share across server instances.
type Manager struct {
	storage Storage
	config  Config
}

// NewManager creates a new credit manager with the given storage and
// configuration.
func NewManager(storage Storage, config Config) (*Manager, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}

	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.TierChangeCooldown == 0 {
		config.TierChangeCooldown = defaultTierChangeCooldown
	}

	return &Manager{
		storage: storage,
		config:  config,
	}, nil
}

// now returns the configured clock's current time in UTC.
func (m *Manager) now() time.Time {
	return m.config.Now().UTC()
}

// EnsureAccount returns the account for id, lazily creating a free-tier
// account on first authenticated access.
func (m *Manager) EnsureAccount(ctx context.Context, id string) (*Account, error) {
	if id == "" {
		return nil, fmt.Errorf("account id is required")
	}

	acc, err := m.storage.GetAccount(ctx, id)
	if err == nil {
		return acc, nil
	}
	if err != ErrAccountNotFound {
		return nil, err
	}

	acc = &Account{
		ID:         id,
		Tier:       TierFree,
		Credits:    TierFree.MaxCredits(),
		MaxCredits: TierFree.MaxCredits(),
		Status:     StatusActive,
		UpdatedAt:  m.now(),
	}
	if err := m.storage.PutAccount(ctx, acc); err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}

	m.config.Logger.Info("account created",
		Field{Key: "account_id", Value: id},
		Field{Key: "tier", Value: string(TierFree)})
	return acc, nil
}

// GetAccount retrieves an account by id.
func (m *Manager) GetAccount(ctx context.Context, id string) (*Account, error) {
	return m.storage.GetAccount(ctx, id)
}

// FindByCustomerRef resolves an account by billing customer reference.
func (m *Manager) FindByCustomerRef(ctx context.Context, ref string) (*Account, error) {
	if ref == "" {
		return nil, ErrAccountNotFound
	}
	return m.storage.FindByCustomerRef(ctx, ref)
}

// FindBySubscriptionRef resolves an account by billing subscription
// reference.
func (m *Manager) FindBySubscriptionRef(ctx context.Context, ref string) (*Account, error) {
	if ref == "" {
		return nil, ErrAccountNotFound
	}
	return m.storage.FindBySubscriptionRef(ctx, ref)
}

// Deduct atomically decrements the balance by cost only if the balance
// covers it, and reports whether the deduction applied. An insufficient
// balance is an expected outcome, not an error; ErrAccountNotFound is
// still surfaced as an error so callers can distinguish the two.
func (m *Manager) Deduct(ctx context.Context, id string, cost int) (bool, error) {
	if cost < 0 {
		return false, ErrInvalidAmount
	}
	if cost == 0 {
		return true, nil
	}
	return m.storage.DeductCredits(ctx, id, cost)
}

// AddCredits unconditionally increments the balance, e.g. for promotional
// grants. The balance may exceed MaxCredits until the next rollover.
func (m *Manager) AddCredits(ctx context.Context, id string, amount int) (*Account, error) {
	if amount < 0 {
		return nil, ErrInvalidAmount
	}
	acc, err := m.storage.AddCredits(ctx, id, amount)
	if err != nil {
		return nil, err
	}

	m.config.Logger.Info("credits granted",
		Field{Key: "account_id", Value: id},
		Field{Key: "amount", Value: amount},
		Field{Key: "credits", Value: acc.Credits})
	return acc, nil
}

// RefreshToMax resets the balance to the tier ceiling and projects the
// next reset provisionally 30 days out. The authoritative reset date is
// installed by UpdatePeriod once the billing provider reports real period
// bounds.
func (m *Manager) RefreshToMax(ctx context.Context, id string) (*Account, error) {
	now := m.now()
	acc, err := m.storage.UpdateAccount(ctx, id, func(acc *Account) error {
		acc.Credits = acc.MaxCredits
		reset := now.AddDate(0, 0, provisionalResetDays)
		acc.CreditsResetDate = &reset
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.config.Metrics.RecordRefresh("payment")
	m.config.Logger.Info("credits refreshed",
		Field{Key: "account_id", Value: id},
		Field{Key: "credits", Value: acc.Credits})
	return acc, nil
}

// UpdatePeriod persists new billing-period bounds. When the incoming
// period start differs from the stored one this is a new billing cycle:
// the bounds are saved and credits refresh to the ceiling with the reset
// date pinned to the new period end. An equal start is a duplicate or
// retried delivery for the same cycle: the bounds are saved but credits
// are left alone, so redelivered webhooks cannot grant extra credits.
func (m *Manager) UpdatePeriod(ctx context.Context, id string, periodStart, periodEnd time.Time) (*Account, error) {
	if err := validatePeriod(periodStart, periodEnd); err != nil {
		return nil, err
	}
	periodStart = periodStart.UTC()
	periodEnd = periodEnd.UTC()

	var rolledOver bool
	acc, err := m.storage.UpdateAccount(ctx, id, func(acc *Account) error {
		rolledOver = isNewCycle(acc.CurrentPeriodStart, periodStart)

		start, end := periodStart, periodEnd
		acc.CurrentPeriodStart = &start
		acc.CurrentPeriodEnd = &end

		if rolledOver {
			acc.Credits = acc.MaxCredits
			reset := end
			acc.CreditsResetDate = &reset
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if rolledOver {
		m.config.Metrics.RecordRefresh("rollover")
		m.config.Logger.Info("billing period rolled over",
			Field{Key: "account_id", Value: id},
			Field{Key: "period_start", Value: periodStart},
			Field{Key: "period_end", Value: periodEnd},
			Field{Key: "credits", Value: acc.Credits})
	} else {
		m.config.Logger.Debug("billing period unchanged, duplicate delivery",
			Field{Key: "account_id", Value: id},
			Field{Key: "period_start", Value: periodStart})
	}
	return acc, nil
}

// ManualReset forces a fresh period of [now, now+30d] and refreshes
// credits unconditionally. Administrative escape hatch for when upstream
// period data is absent or delayed; not part of the trusted automatic
// path.
func (m *Manager) ManualReset(ctx context.Context, id string) (*Account, error) {
	now := m.now()
	end := now.AddDate(0, 0, provisionalResetDays)

	acc, err := m.storage.UpdateAccount(ctx, id, func(acc *Account) error {
		start, reset := now, end
		acc.CurrentPeriodStart = &start
		acc.CurrentPeriodEnd = &reset
		acc.CreditsResetDate = &reset
		acc.Credits = acc.MaxCredits
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.config.Metrics.RecordRefresh("manual")
	m.config.Logger.Warn("manual credit reset",
		Field{Key: "account_id", Value: id},
		Field{Key: "credits", Value: acc.Credits})
	return acc, nil
}

// SetTier transitions the account to tier, recomputes MaxCredits from the
// fixed tier table, sets the status, and stamps LastTierChangeAt. With
// preserveCredits=false it additionally refreshes the balance to the new
// ceiling, unless the tier-churn guard forces preservation (see
// forcePreserveCredits). The guard never blocks the tier change itself.
func (m *Manager) SetTier(ctx context.Context, id string, tier Tier, preserveCredits bool, status Status) (*Account, error) {
	if !tier.Valid() {
		return nil, ErrInvalidTier
	}
	if !status.Valid() {
		return nil, ErrInvalidTransition
	}

	now := m.now()
	var fromTier Tier
	var refreshed bool

	acc, err := m.storage.UpdateAccount(ctx, id, func(acc *Account) error {
		fromTier = acc.Tier

		preserve := preserveCredits
		if !preserve && forcePreserveCredits(acc, tier, now, m.config.TierChangeCooldown) {
			preserve = true
			m.config.Logger.Warn("tier change refresh suppressed by churn guard",
				Field{Key: "account_id", Value: id},
				Field{Key: "tier", Value: string(tier)},
				Field{Key: "last_tier_change_at", Value: *acc.LastTierChangeAt})
		}

		acc.Tier = tier
		acc.MaxCredits = tier.MaxCredits()
		acc.Status = status
		changed := now
		acc.LastTierChangeAt = &changed

		if !preserve {
			acc.Credits = acc.MaxCredits
			reset := addMonthsSafe(now, 1)
			acc.CreditsResetDate = &reset
			refreshed = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if fromTier != tier {
		m.config.Metrics.RecordTierChange(string(fromTier), string(tier))
	}
	if refreshed {
		m.config.Metrics.RecordRefresh("tier_change")
	}
	m.config.Logger.Info("tier set",
		Field{Key: "account_id", Value: id},
		Field{Key: "from", Value: string(fromTier)},
		Field{Key: "to", Value: string(tier)},
		Field{Key: "status", Value: string(status)},
		Field{Key: "credits", Value: acc.Credits})
	return acc, nil
}

// SetStatus overwrites the subscription status without touching tier or
// credits. Used by the billing reconciler, for which the provider's
// reported status is authoritative and the user-facing transition table
// does not apply.
func (m *Manager) SetStatus(ctx context.Context, id string, status Status) (*Account, error) {
	if !status.Valid() {
		return nil, ErrInvalidTransition
	}
	return m.storage.UpdateAccount(ctx, id, func(acc *Account) error {
		acc.Status = status
		return nil
	})
}

// Cancel marks an active subscription as canceling. Tier and credits are
// untouched; the account stays usable until period end. Returns
// ErrInvalidTransition if the account is not active.
func (m *Manager) Cancel(ctx context.Context, id string) (*Account, error) {
	return m.transition(ctx, id, StatusCanceling)
}

// Resume clears a scheduled cancellation back to active with no other
// field changes. Returns ErrInvalidTransition if the account is not
// canceling.
func (m *Manager) Resume(ctx context.Context, id string) (*Account, error) {
	return m.transition(ctx, id, StatusActive)
}

func (m *Manager) transition(ctx context.Context, id string, next Status) (*Account, error) {
	acc, err := m.storage.UpdateAccount(ctx, id, func(acc *Account) error {
		if !acc.Status.canTransitionTo(next) {
			return ErrInvalidTransition
		}
		acc.Status = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.config.Logger.Info("subscription status changed",
		Field{Key: "account_id", Value: id},
		Field{Key: "status", Value: string(next)})
	return acc, nil
}

// SetBillingRefs stores the billing provider's customer and subscription
// references. Empty arguments leave the corresponding field unchanged; a
// non-empty subscription ref supersedes any previous one.
func (m *Manager) SetBillingRefs(ctx context.Context, id, customerRef, subscriptionRef string) (*Account, error) {
	return m.storage.UpdateAccount(ctx, id, func(acc *Account) error {
		if customerRef != "" {
			acc.BillingCustomerRef = customerRef
		}
		if subscriptionRef != "" {
			acc.BillingSubscriptionRef = subscriptionRef
		}
		return nil
	})
}

// AppendEditHistory records one edit-history item for an image.
func (m *Manager) AppendEditHistory(ctx context.Context, accountID, imageID string, item EditHistoryItem) error {
	if item.Timestamp.IsZero() {
		item.Timestamp = m.now()
	}
	return m.storage.AppendEditHistory(ctx, accountID, imageID, item)
}

// EditHistory returns an image's edit history in append order.
func (m *Manager) EditHistory(ctx context.Context, accountID, imageID string) ([]EditHistoryItem, error) {
	return m.storage.GetEditHistory(ctx, accountID, imageID)
}
