package account

import "time"

// Plan names
const (
	PlanFree = "free"
	PlanPro  = "pro"
)

// Account represents a registered user. This is the persisted shape;
// handlers respond with Public so the credential hash stays on disk only.
type Account struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	Name         string `json:"name"`
	PasswordHash string `json:"password_hash,omitempty"`

	// Billing
	Plan                 string    `json:"plan"` // free, pro
	CreditBalance        int64     `json:"credit_balance"`
	CreditUsageTotal     int64     `json:"credit_usage_total"`
	CreditUsageThisMonth int64     `json:"credit_usage_this_month"`
	LastCreditReset      time.Time `json:"last_credit_reset"`
	PlanStartDate        time.Time `json:"plan_start_date"`
	PlanRenewDate        time.Time `json:"plan_renew_date"`

	IsAdmin bool `json:"is_admin"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Public returns a copy for API responses with the credential hash cleared;
// omitempty then drops the field from the JSON entirely.
func (a Account) Public() Account {
	a.PasswordHash = ""
	return a
}

// AccountInput represents input for registering an account
type AccountInput struct {
	Email    string `json:"email" binding:"required,email"`
	Name     string `json:"name" binding:"required"`
	Password string `json:"password" binding:"required,min=8"`
	Plan     string `json:"plan"`
}

// ProfileUpdate carries optional profile fields; nil means leave unchanged
type ProfileUpdate struct {
	Name     *string `json:"name"`
	Password *string `json:"password"`
}

// document is the persisted on-disk shape: the whole account list plus a
// schema version, written as a single JSON file
type document struct {
	Version  int       `json:"version"`
	Accounts []Account `json:"accounts"`
}

// schemaVersion is bumped whenever the persisted Account shape changes.
// Older documents are migrated once at load time.
const schemaVersion = 2
