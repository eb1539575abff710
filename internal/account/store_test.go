package account

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studiogate/internal/lock"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	locks, err := lock.NewManager(filepath.Join(dir, "locks"), lock.Options{
		MaxRetries: 20,
		RetryDelay: 5 * time.Millisecond,
	})
	require.NoError(t, err)

	path := filepath.Join(dir, "accounts.json")
	s, err := NewStore(path, locks)
	require.NoError(t, err)
	return s, path
}

func testAccount(id, email string) Account {
	now := time.Now().UTC()
	return Account{
		ID:              id,
		Email:           email,
		Name:            "Test User",
		Plan:            PlanFree,
		CreditBalance:   2000,
		LastCreditReset: now,
		PlanStartDate:   now,
		PlanRenewDate:   now.AddDate(0, 1, 0),
		CreatedAt:       now,
	}
}

func TestCreateAndGet(t *testing.T) {
	s, path := newTestStore(t)

	created, err := s.Create(testAccount("u1", "alice@example.com"))
	require.NoError(t, err)
	assert.False(t, created.UpdatedAt.IsZero())

	got, err := s.Get("u1")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", got.Email)
	assert.Equal(t, int64(2000), got.CreditBalance)

	// A fresh store over the same file sees the same data.
	locks, err := lock.NewManager(filepath.Join(filepath.Dir(path), "locks2"), lock.DefaultOptions())
	require.NoError(t, err)
	s2, err := NewStore(path, locks)
	require.NoError(t, err)
	got2, err := s2.Get("u1")
	require.NoError(t, err)
	assert.Equal(t, got.Email, got2.Email)
}

func TestPasswordHashSurvivesRoundTrip(t *testing.T) {
	s, path := newTestStore(t)

	a := testAccount("u1", "alice@example.com")
	a.PasswordHash = "$2a$10$abcdefghijklmnopqrstuv"
	_, err := s.Create(a)
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"password_hash"`, "the credential hash must be part of the durable document")

	// A fresh store over the same file can still verify credentials.
	locks, err := lock.NewManager(filepath.Join(filepath.Dir(path), "locks2"), lock.DefaultOptions())
	require.NoError(t, err)
	s2, err := NewStore(path, locks)
	require.NoError(t, err)
	got, err := s2.Get("u1")
	require.NoError(t, err)
	assert.Equal(t, "$2a$10$abcdefghijklmnopqrstuv", got.PasswordHash)
}

func TestPublicDropsPasswordHash(t *testing.T) {
	a := testAccount("u1", "alice@example.com")
	a.PasswordHash = "$2a$10$abcdefghijklmnopqrstuv"

	pub := a.Public()
	assert.Empty(t, pub.PasswordHash)
	assert.Equal(t, "$2a$10$abcdefghijklmnopqrstuv", a.PasswordHash, "Public returns a copy")

	data, err := json.Marshal(pub)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "password_hash")
}

func TestGetNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDuplicateEmail(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Create(testAccount("u1", "alice@example.com"))
	require.NoError(t, err)

	_, err = s.Create(testAccount("u2", "Alice@Example.com"))
	assert.ErrorIs(t, err, ErrDuplicateEmail, "email uniqueness is case-insensitive")

	count, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestGetByEmailCaseInsensitive(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Create(testAccount("u1", "Bob@Example.com"))
	require.NoError(t, err)

	got, err := s.GetByEmail("bob@example.COM")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.ID)
}

func TestUpdate(t *testing.T) {
	s, _ := newTestStore(t)

	created, err := s.Create(testAccount("u1", "alice@example.com"))
	require.NoError(t, err)

	updated, err := s.Update("u1", func(a *Account) {
		a.Name = "Renamed"
	})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Name)
	assert.True(t, updated.UpdatedAt.After(created.UpdatedAt) || updated.UpdatedAt.Equal(created.UpdatedAt))

	_, err = s.Update("missing", func(a *Account) {})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPutReplacesRecord(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Create(testAccount("u1", "alice@example.com"))
	require.NoError(t, err)

	a, err := s.Get("u1")
	require.NoError(t, err)
	a.CreditBalance = 123
	require.NoError(t, s.Put(a))

	got, err := s.Get("u1")
	require.NoError(t, err)
	assert.Equal(t, int64(123), got.CreditBalance)

	ghost := testAccount("missing", "ghost@example.com")
	assert.ErrorIs(t, s.Put(&ghost), ErrNotFound)
}

func TestDelete(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Create(testAccount("u1", "alice@example.com"))
	require.NoError(t, err)

	ok, err := s.Delete("u1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Delete("u1")
	require.NoError(t, err)
	assert.False(t, ok, "second delete reports absence, not an error")

	_, err = s.Get("u1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	s, path := newTestStore(t)

	for i := 0; i < 5; i++ {
		_, err := s.Create(testAccount(
			"u"+string(rune('0'+i)),
			"user"+string(rune('0'+i))+"@example.com",
		))
		require.NoError(t, err)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".tmp"), "leftover temp file: %s", e.Name())
	}
}

func TestCrashMidWriteLeavesOldDocumentIntact(t *testing.T) {
	s, path := newTestStore(t)

	_, err := s.Create(testAccount("u1", "alice@example.com"))
	require.NoError(t, err)

	// A crash between the temp write and the rename leaves a stray temp file
	// and an untouched destination.
	stray := filepath.Join(filepath.Dir(path), ".accounts-crashed.tmp")
	require.NoError(t, os.WriteFile(stray, []byte(`{"version":2,"accounts":[{"id":"partial`), 0o644))

	got, err := s.Get("u1")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", got.Email)

	// The next successful write still lands atomically.
	_, err = s.Create(testAccount("u2", "bob@example.com"))
	require.NoError(t, err)
	count, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestMigrationAtLoad(t *testing.T) {
	dir := t.TempDir()
	locks, err := lock.NewManager(filepath.Join(dir, "locks"), lock.DefaultOptions())
	require.NoError(t, err)

	created := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	old := document{
		Version: 1,
		Accounts: []Account{{
			ID:        "legacy",
			Email:     "legacy@example.com",
			Name:      "Legacy",
			CreatedAt: created,
		}},
	}
	data, err := json.Marshal(old)
	require.NoError(t, err)
	path := filepath.Join(dir, "accounts.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	s, err := NewStore(path, locks)
	require.NoError(t, err)

	got, err := s.Get("legacy")
	require.NoError(t, err)
	assert.Equal(t, PlanFree, got.Plan)
	assert.Equal(t, created, got.LastCreditReset)
	assert.Equal(t, created, got.PlanStartDate)
	assert.Equal(t, created.AddDate(0, 1, 0), got.PlanRenewDate)

	// The migrated document is persisted at the current version, once.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc document
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, schemaVersion, doc.Version)
}

func TestEmptyStoreStartsAtCurrentVersion(t *testing.T) {
	s, _ := newTestStore(t)

	count, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	list, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, list)
}
