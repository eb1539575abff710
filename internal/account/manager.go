package account

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// ErrBadCredentials is returned by Authenticate for an unknown email or a
// wrong password; callers must not distinguish the two.
var ErrBadCredentials = errors.New("account: invalid email or password")

// Manager handles account lifecycle operations on top of the Store:
// registration with plan defaults, credential checks, and profile edits.
type Manager struct {
	store       *Store
	plans       map[string]int64 // plan name -> monthly credit allowance
	adminEmails map[string]bool
}

// NewManager creates a new account manager. adminEmails are promoted to
// admin at registration time (operator bootstrap; everyone else starts
// non-admin and is promoted by an existing admin).
func NewManager(store *Store, plans map[string]int64, adminEmails []string) *Manager {
	admins := make(map[string]bool, len(adminEmails))
	for _, e := range adminEmails {
		admins[strings.ToLower(e)] = true
	}
	return &Manager{store: store, plans: plans, adminEmails: admins}
}

// Register creates an account with plan defaults: a full monthly allowance,
// reset bookkeeping initialized to now, and a renew date one cycle out.
func (m *Manager) Register(input AccountInput) (*Account, error) {
	plan := input.Plan
	if plan == "" {
		plan = PlanFree
	}
	if _, ok := m.plans[plan]; !ok {
		plan = PlanFree
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(input.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	a := Account{
		ID:              uuid.New().String(),
		Email:           strings.ToLower(strings.TrimSpace(input.Email)),
		Name:            input.Name,
		PasswordHash:    string(hash),
		Plan:            plan,
		CreditBalance:   m.plans[plan],
		LastCreditReset: now,
		PlanStartDate:   now,
		PlanRenewDate:   now.AddDate(0, 1, 0),
		IsAdmin:         m.adminEmails[strings.ToLower(input.Email)],
		CreatedAt:       now,
	}

	return m.store.Create(a)
}

// Authenticate verifies an email/password pair and returns the account
func (m *Manager) Authenticate(email, password string) (*Account, error) {
	a, err := m.store.GetByEmail(email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrBadCredentials
		}
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(a.PasswordHash), []byte(password)) != nil {
		return nil, ErrBadCredentials
	}
	return a, nil
}

// Get returns an account by ID
func (m *Manager) Get(id string) (*Account, error) {
	return m.store.Get(id)
}

// List returns all accounts
func (m *Manager) List() ([]Account, error) {
	return m.store.List()
}

// UpdateProfile applies the non-nil fields of upd to the account
func (m *Manager) UpdateProfile(id string, upd ProfileUpdate) (*Account, error) {
	var hash string
	if upd.Password != nil {
		h, err := bcrypt.GenerateFromPassword([]byte(*upd.Password), bcrypt.DefaultCost)
		if err != nil {
			return nil, err
		}
		hash = string(h)
	}

	return m.store.Update(id, func(a *Account) {
		if upd.Name != nil {
			a.Name = *upd.Name
		}
		if hash != "" {
			a.PasswordHash = hash
		}
	})
}

// Delete removes an account
func (m *Manager) Delete(id string) (bool, error) {
	return m.store.Delete(id)
}

// Store returns the underlying storage
func (m *Manager) Store() *Store {
	return m.store
}
