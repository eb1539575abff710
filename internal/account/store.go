package account

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"studiogate/internal/lock"
)

// Store errors
var (
	ErrNotFound       = errors.New("account: not found")
	ErrDuplicateEmail = errors.New("account: email already registered")
)

// Store persists accounts as a single JSON document. Every write serializes
// the full list to a uniquely-named temp file in the same directory and
// renames it over the destination, so a crash mid-write leaves either the old
// or the new document intact, never a partial one.
//
// Create, Update and Delete rewrite the whole document and therefore take the
// global lock. Reads are lock-free and may be momentarily stale; callers that
// mutate balances must hold the account's lock and re-read through Get before
// calling Put.
type Store struct {
	path  string
	locks *lock.Manager
}

// NewStore opens (or initializes) the account document at path. If an older
// schema version is found it is migrated once, here, rather than ad hoc at
// read sites.
func NewStore(path string, locks *lock.Manager) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("account: create data dir: %w", err)
	}

	s := &Store{path: path, locks: locks}

	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	if doc.Version < schemaVersion {
		release, err := locks.Acquire(lock.GlobalKey)
		if err != nil {
			return nil, err
		}
		defer release()

		// Re-read under the lock; another process may have migrated already.
		doc, err = s.load()
		if err != nil {
			return nil, err
		}
		if doc.Version < schemaVersion {
			migrate(&doc)
			if err := s.save(doc); err != nil {
				return nil, err
			}
		}
	}

	return s, nil
}

// Get returns an account by ID
func (s *Store) Get(id string) (*Account, error) {
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	for i := range doc.Accounts {
		if doc.Accounts[i].ID == id {
			a := doc.Accounts[i]
			return &a, nil
		}
	}
	return nil, ErrNotFound
}

// GetByEmail returns an account by email, case-insensitively
func (s *Store) GetByEmail(email string) (*Account, error) {
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	email = strings.ToLower(email)
	for i := range doc.Accounts {
		if strings.ToLower(doc.Accounts[i].Email) == email {
			a := doc.Accounts[i]
			return &a, nil
		}
	}
	return nil, ErrNotFound
}

// List returns all accounts
func (s *Store) List() ([]Account, error) {
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	return doc.Accounts, nil
}

// Count returns the number of accounts
func (s *Store) Count() (int, error) {
	doc, err := s.load()
	if err != nil {
		return 0, err
	}
	return len(doc.Accounts), nil
}

// Create appends a new account. Fails with ErrDuplicateEmail if the email is
// already present (case-insensitive).
func (s *Store) Create(a Account) (*Account, error) {
	release, err := s.locks.Acquire(lock.GlobalKey)
	if err != nil {
		return nil, err
	}
	defer release()

	doc, err := s.load()
	if err != nil {
		return nil, err
	}

	email := strings.ToLower(a.Email)
	for i := range doc.Accounts {
		if strings.ToLower(doc.Accounts[i].Email) == email {
			return nil, ErrDuplicateEmail
		}
	}

	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	doc.Accounts = append(doc.Accounts, a)
	if err := s.save(doc); err != nil {
		return nil, err
	}
	return &a, nil
}

// Update applies mutate to the account with the given id under the global
// lock and persists the result. UpdatedAt is advanced on success.
func (s *Store) Update(id string, mutate func(*Account)) (*Account, error) {
	release, err := s.locks.Acquire(lock.GlobalKey)
	if err != nil {
		return nil, err
	}
	defer release()

	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	for i := range doc.Accounts {
		if doc.Accounts[i].ID == id {
			mutate(&doc.Accounts[i])
			doc.Accounts[i].UpdatedAt = time.Now().UTC()
			if err := s.save(doc); err != nil {
				return nil, err
			}
			a := doc.Accounts[i]
			return &a, nil
		}
	}
	return nil, ErrNotFound
}

// Put replaces the stored record for a's ID and persists the document. The
// caller must hold a's account lock to make its read-mutate-Put sequence
// atomic; Put additionally serializes the document write under the global
// lock so concurrent writers on other accounts cannot overwrite each other's
// records. Global-lock holders never acquire per-account locks, so this
// ordering cannot deadlock. UpdatedAt is advanced.
func (s *Store) Put(a *Account) error {
	release, err := s.locks.Acquire(lock.GlobalKey)
	if err != nil {
		return err
	}
	defer release()

	doc, err := s.load()
	if err != nil {
		return err
	}
	for i := range doc.Accounts {
		if doc.Accounts[i].ID == a.ID {
			a.UpdatedAt = time.Now().UTC()
			doc.Accounts[i] = *a
			return s.save(doc)
		}
	}
	return ErrNotFound
}

// Delete removes an account. Returns false if the id was not present.
func (s *Store) Delete(id string) (bool, error) {
	release, err := s.locks.Acquire(lock.GlobalKey)
	if err != nil {
		return false, err
	}
	defer release()

	doc, err := s.load()
	if err != nil {
		return false, err
	}
	for i := range doc.Accounts {
		if doc.Accounts[i].ID == id {
			doc.Accounts = append(doc.Accounts[:i], doc.Accounts[i+1:]...)
			if err := s.save(doc); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	return false, nil
}

// load reads the full document from disk. A missing file is an empty,
// current-version document.
func (s *Store) load() (document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return document{Version: schemaVersion}, nil
		}
		return document{}, fmt.Errorf("account: read store: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return document{}, fmt.Errorf("account: parse store: %w", err)
	}
	return doc, nil
}

// save writes the document via temp-file-and-rename in the store's own
// directory, so the rename stays within one filesystem and is atomic.
func (s *Store) save(doc document) error {
	doc.Version = schemaVersion

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("account: encode store: %w", err)
	}

	tmp := filepath.Join(filepath.Dir(s.path), ".accounts-"+uuid.New().String()+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("account: write temp: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("account: rename: %w", err)
	}
	return nil
}

// migrate brings a document forward to the current schema in one pass.
func migrate(doc *document) {
	for i := range doc.Accounts {
		a := &doc.Accounts[i]
		if a.Plan == "" {
			a.Plan = PlanFree
		}
		if a.LastCreditReset.IsZero() {
			a.LastCreditReset = a.CreatedAt
		}
		if a.PlanStartDate.IsZero() {
			a.PlanStartDate = a.CreatedAt
		}
		if a.PlanRenewDate.IsZero() {
			a.PlanRenewDate = a.PlanStartDate.AddDate(0, 1, 0)
		}
	}
	doc.Version = schemaVersion
}
