package quota

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studiogate/internal/account"
	"studiogate/internal/ledger"
	"studiogate/internal/lock"
)

func newTestGate(t *testing.T, balance int64) (*Gate, *account.Store) {
	t.Helper()
	dir := t.TempDir()
	locks, err := lock.NewManager(filepath.Join(dir, "locks"), lock.DefaultOptions())
	require.NoError(t, err)

	store, err := account.NewStore(filepath.Join(dir, "accounts.json"), locks)
	require.NoError(t, err)

	now := time.Now().UTC()
	_, err = store.Create(account.Account{
		ID:              "u1",
		Email:           "u1@example.com",
		Name:            "u1",
		Plan:            account.PlanFree,
		CreditBalance:   balance,
		LastCreditReset: now,
		PlanRenewDate:   now.AddDate(0, 1, 0),
	})
	require.NoError(t, err)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	l := ledger.New(store, locks, map[string]int64{account.PlanFree: 2000}, 30, log)
	return NewGate(l), store
}

func TestGateAllowsAffordableOperation(t *testing.T) {
	g, _ := newTestGate(t, 100)

	rej, err := g.Check("u1", 40)
	require.NoError(t, err)
	assert.Nil(t, rej)
}

func TestGateAllowsExactBalance(t *testing.T) {
	g, _ := newTestGate(t, 40)

	rej, err := g.Check("u1", 40)
	require.NoError(t, err)
	assert.Nil(t, rej)
}

func TestGateRejectsShortfall(t *testing.T) {
	g, _ := newTestGate(t, 39)

	rej, err := g.Check("u1", 40)
	require.NoError(t, err)
	require.NotNil(t, rej)
	assert.Equal(t, CodeInsufficientCredits, rej.Code)
	assert.Equal(t, int64(40), rej.RequiredAmount)
	assert.Equal(t, int64(39), rej.CurrentBalance)
	assert.Greater(t, rej.ResetsInDays, 0)
	assert.NotEmpty(t, rej.Message)
}

func TestGateNeverMutates(t *testing.T) {
	g, store := newTestGate(t, 100)

	for i := 0; i < 3; i++ {
		_, err := g.Check("u1", 40)
		require.NoError(t, err)
	}

	a, err := store.Get("u1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), a.CreditBalance)
	assert.Equal(t, int64(0), a.CreditUsageTotal)
}

func TestGateUnknownAccount(t *testing.T) {
	g, _ := newTestGate(t, 100)

	_, err := g.Check("ghost", 40)
	assert.ErrorIs(t, err, account.ErrNotFound)
}
