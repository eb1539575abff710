package ledger

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"studiogate/internal/account"
	"studiogate/internal/lock"
)

// Sentinel errors. Insufficient credits and invalid amounts are expected
// business outcomes and travel inside a Result; the rest propagate as errors.
var (
	ErrInsufficientCredits = errors.New("ledger: insufficient credits")
	ErrInvalidAmount       = errors.New("ledger: invalid amount")
	ErrUnauthorized        = errors.New("ledger: admin privileges required")
)

// Result is the outcome of a balance mutation. When OK is false, Err holds
// ErrInsufficientCredits or ErrInvalidAmount and Balance the unchanged
// current balance; when OK is true, Balance is the new balance.
type Result struct {
	OK      bool
	Balance int64
	Err     error
}

// Stats is the read-only usage summary for one account
type Stats struct {
	Balance          int64     `json:"balance"`
	UsageTotal       int64     `json:"usage_total"`
	UsageThisMonth   int64     `json:"usage_this_month"`
	LastReset        time.Time `json:"last_reset"`
	DaysUntilReset   int       `json:"days_until_reset"`
	Plan             string    `json:"plan"`
	MonthlyAllowance int64     `json:"monthly_allowance"`
	PlanRenewDate    time.Time `json:"plan_renew_date"`
}

// Ledger tracks prepaid credit balances with lazy monthly resets. All
// mutations re-read the account inside its lock before acting, so a stale
// pre-lock read can never feed the balance math.
type Ledger struct {
	store         *account.Store
	locks         *lock.Manager
	plans         map[string]int64
	resetInterval time.Duration
	log           *slog.Logger
}

// New creates a ledger. resetIntervalDays is the rolling reset window
// (monthly cycles measured from the previous reset, not the calendar).
func New(store *account.Store, locks *lock.Manager, plans map[string]int64, resetIntervalDays int, log *slog.Logger) *Ledger {
	if resetIntervalDays <= 0 {
		resetIntervalDays = 30
	}
	if log == nil {
		log = slog.Default()
	}
	return &Ledger{
		store:         store,
		locks:         locks,
		plans:         plans,
		resetInterval: time.Duration(resetIntervalDays) * 24 * time.Hour,
		log:           log,
	}
}

// Allowance returns the monthly credit allowance for a plan
func (l *Ledger) Allowance(plan string) int64 {
	return l.plans[plan]
}

// GetBalance returns the current balance, applying a pending reset first
func (l *Ledger) GetBalance(id string) (int64, error) {
	a, err := l.CheckAndReset(id)
	if err != nil {
		return 0, err
	}
	return a.CreditBalance, nil
}

// HasSufficient reports whether the balance covers amount
func (l *Ledger) HasSufficient(id string, amount int64) (bool, error) {
	bal, err := l.GetBalance(id)
	if err != nil {
		return false, err
	}
	return bal >= amount, nil
}

// CheckAndReset applies the monthly reset if one is due and returns the
// (possibly refreshed) account. Idempotent within a reset window: a second
// call inside the same window changes nothing.
func (l *Ledger) CheckAndReset(id string) (*account.Account, error) {
	a, err := l.store.Get(id)
	if err != nil {
		return nil, err
	}
	if !l.resetDue(a) {
		return a, nil
	}

	release, err := l.locks.Acquire(lock.AccountKey(id))
	if err != nil {
		return nil, err
	}
	defer release()

	// Re-read inside the lock; another worker may have reset already.
	a, err = l.store.Get(id)
	if err != nil {
		return nil, err
	}
	if l.applyResetIfDue(a) {
		if err := l.store.Put(a); err != nil {
			return nil, err
		}
		l.log.Info("credit reset applied",
			"account", a.ID,
			"plan", a.Plan,
			"balance", a.CreditBalance,
		)
	}
	return a, nil
}

// Deduct removes amount from the account's balance and adds it to both usage
// counters. Zero amounts short-circuit as success without mutation (free-tier
// models carry a zero cost multiplier). Negative amounts and insufficient
// balances come back as failed Results; lock exhaustion and I/O failures as
// errors.
func (l *Ledger) Deduct(id string, amount int64, reason string) (Result, error) {
	if amount < 0 {
		return Result{Err: ErrInvalidAmount}, nil
	}
	if amount == 0 {
		bal, err := l.GetBalance(id)
		if err != nil {
			return Result{}, err
		}
		return Result{OK: true, Balance: bal}, nil
	}

	release, err := l.locks.Acquire(lock.AccountKey(id))
	if err != nil {
		return Result{}, err
	}
	defer release()

	a, err := l.store.Get(id)
	if err != nil {
		return Result{}, err
	}

	// A reset that became due while we waited on the lock is applied before
	// the deduction math, and persists even if the deduction then fails.
	reset := l.applyResetIfDue(a)

	if a.CreditBalance < amount {
		if reset {
			if err := l.store.Put(a); err != nil {
				return Result{}, err
			}
		}
		return Result{Balance: a.CreditBalance, Err: ErrInsufficientCredits}, nil
	}

	a.CreditBalance -= amount
	a.CreditUsageTotal += amount
	a.CreditUsageThisMonth += amount

	if err := l.store.Put(a); err != nil {
		return Result{}, fmt.Errorf("ledger: persist deduction: %w", err)
	}

	l.log.Info("credits deducted",
		"account", a.ID,
		"amount", amount,
		"reason", reason,
		"balance", a.CreditBalance,
	)
	return Result{OK: true, Balance: a.CreditBalance}, nil
}

// Grant adds credits to an account. Only admins may grant; the admin check
// happens before any lock is taken.
func (l *Ledger) Grant(id string, amount int64, adminID string) (Result, error) {
	adm, err := l.store.Get(adminID)
	if err != nil {
		return Result{}, err
	}
	if !adm.IsAdmin {
		return Result{}, ErrUnauthorized
	}
	if amount <= 0 {
		return Result{Err: ErrInvalidAmount}, nil
	}

	release, err := l.locks.Acquire(lock.AccountKey(id))
	if err != nil {
		return Result{}, err
	}
	defer release()

	a, err := l.store.Get(id)
	if err != nil {
		return Result{}, err
	}

	l.applyResetIfDue(a)
	a.CreditBalance += amount

	if err := l.store.Put(a); err != nil {
		return Result{}, fmt.Errorf("ledger: persist grant: %w", err)
	}

	l.log.Info("credits granted",
		"account", a.ID,
		"amount", amount,
		"admin", adminID,
		"balance", a.CreditBalance,
	)
	return Result{OK: true, Balance: a.CreditBalance}, nil
}

// UsageStats returns the usage summary, applying a pending reset first
func (l *Ledger) UsageStats(id string) (*Stats, error) {
	a, err := l.CheckAndReset(id)
	if err != nil {
		return nil, err
	}
	return &Stats{
		Balance:          a.CreditBalance,
		UsageTotal:       a.CreditUsageTotal,
		UsageThisMonth:   a.CreditUsageThisMonth,
		LastReset:        a.LastCreditReset,
		DaysUntilReset:   l.daysUntilReset(a),
		Plan:             a.Plan,
		MonthlyAllowance: l.plans[a.Plan],
		PlanRenewDate:    a.PlanRenewDate,
	}, nil
}

// OverviewEntry summarizes one account for the admin overview
type OverviewEntry struct {
	ID             string `json:"id"`
	Email          string `json:"email"`
	Plan           string `json:"plan"`
	Balance        int64  `json:"balance"`
	UsageTotal     int64  `json:"usage_total"`
	UsageThisMonth int64  `json:"usage_this_month"`
}

// Overview lists balances and usage for all accounts. Lock-free read; values
// may be momentarily stale.
func (l *Ledger) Overview() ([]OverviewEntry, error) {
	accounts, err := l.store.List()
	if err != nil {
		return nil, err
	}
	entries := make([]OverviewEntry, 0, len(accounts))
	for _, a := range accounts {
		entries = append(entries, OverviewEntry{
			ID:             a.ID,
			Email:          a.Email,
			Plan:           a.Plan,
			Balance:        a.CreditBalance,
			UsageTotal:     a.CreditUsageTotal,
			UsageThisMonth: a.CreditUsageThisMonth,
		})
	}
	return entries, nil
}

func (l *Ledger) resetDue(a *account.Account) bool {
	return time.Since(a.LastCreditReset) >= l.resetInterval
}

// applyResetIfDue refreshes balance and month counter in memory. Returns
// true if a reset was applied; the caller persists.
func (l *Ledger) applyResetIfDue(a *account.Account) bool {
	if !l.resetDue(a) {
		return false
	}
	a.CreditBalance = l.plans[a.Plan]
	a.CreditUsageThisMonth = 0
	a.LastCreditReset = time.Now().UTC()
	return true
}

func (l *Ledger) daysUntilReset(a *account.Account) int {
	next := a.LastCreditReset.Add(l.resetInterval)
	remaining := time.Until(next)
	if remaining <= 0 {
		return 0
	}
	days := int(remaining / (24 * time.Hour))
	if remaining%(24*time.Hour) > 0 {
		days++
	}
	return days
}
