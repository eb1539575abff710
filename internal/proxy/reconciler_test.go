package proxy

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studiogate/internal/ledger"
)

type sinkWriter struct {
	strings.Builder
	flushes int
}

func (s *sinkWriter) Flush() { s.flushes++ }

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) { return 0, errors.New("client gone") }
func (failingWriter) Flush()                      {}

type chargeRecorder struct {
	calls int
	units int64
	res   ledger.Result
	err   error
}

func (c *chargeRecorder) charge(units int64) (int64, ledger.Result, error) {
	c.calls++
	c.units = units
	if c.err != nil {
		return 0, ledger.Result{}, c.err
	}
	return units * 2, c.res, nil
}

const cleanStream = `data: {"id":"c1","choices":[{"delta":{"content":"hel"}}]}

data: {"id":"c1","choices":[{"delta":{"content":"lo"}}]}

data: {"id":"c1","choices":[{"delta":{}}],"usage":{"prompt_tokens":4,"completion_tokens":6,"total_tokens":10}}

data: [DONE]
`

func TestRelayCleanStreamChargesOnce(t *testing.T) {
	rec := &chargeRecorder{res: ledger.Result{OK: true, Balance: 180}}
	w := &sinkWriter{}

	result, err := NewReconciler(rec.charge).Relay(context.Background(), strings.NewReader(cleanStream), w)
	require.NoError(t, err)

	assert.Equal(t, OutcomeDeducted, result.Outcome)
	assert.Equal(t, int64(10), result.Units)
	assert.Equal(t, int64(20), result.Consumed)
	assert.Equal(t, int64(180), result.NewBalance)

	assert.Equal(t, 1, rec.calls, "charge must run exactly once")
	assert.Equal(t, int64(10), rec.units)

	out := w.String()
	assert.Contains(t, out, `"content":"hel"`, "content chunks are forwarded")
	assert.Contains(t, out, `"amount_consumed":20`)
	assert.Contains(t, out, `"new_balance":180`)
	assert.True(t, strings.HasSuffix(out, "data: [DONE]\n\n"))
}

func TestRelayErrorFrameIsFree(t *testing.T) {
	stream := `data: {"id":"c1","choices":[{"delta":{"content":"par"}}]}

data: {"error":{"message":"upstream overloaded","type":"server_error"}}

data: [DONE]
`
	rec := &chargeRecorder{res: ledger.Result{OK: true}}
	w := &sinkWriter{}

	result, err := NewReconciler(rec.charge).Relay(context.Background(), strings.NewReader(stream), w)
	require.NoError(t, err)

	assert.Equal(t, OutcomeErrored, result.Outcome)
	assert.Equal(t, 0, rec.calls, "errored streams are never charged")
	assert.Contains(t, w.String(), "data: [DONE]")
}

func TestRelayMissingUsageIsFree(t *testing.T) {
	stream := `data: {"id":"c1","choices":[{"delta":{"content":"trunc"}}]}
`
	rec := &chargeRecorder{res: ledger.Result{OK: true}}
	w := &sinkWriter{}

	result, err := NewReconciler(rec.charge).Relay(context.Background(), strings.NewReader(stream), w)
	require.NoError(t, err)

	assert.Equal(t, OutcomeErrored, result.Outcome, "EOF without a usage report must not bill")
	assert.Equal(t, 0, rec.calls)
}

func TestRelayAbortOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := &chargeRecorder{res: ledger.Result{OK: true}}
	w := &sinkWriter{}

	result, err := NewReconciler(rec.charge).Relay(ctx, strings.NewReader(cleanStream), w)
	require.Error(t, err)

	assert.Equal(t, OutcomeAborted, result.Outcome)
	assert.Equal(t, 0, rec.calls, "aborted streams are never charged")
}

func TestRelayAbortOnWriteFailure(t *testing.T) {
	rec := &chargeRecorder{res: ledger.Result{OK: true}}

	result, err := NewReconciler(rec.charge).Relay(context.Background(), strings.NewReader(cleanStream), failingWriter{})
	require.Error(t, err)

	assert.Equal(t, OutcomeAborted, result.Outcome)
	assert.Equal(t, 0, rec.calls)
}

func TestRelayPostPaidShortfall(t *testing.T) {
	// The account could not cover the final cost, but content was already
	// delivered: report the unchanged balance, claw nothing back.
	rec := &chargeRecorder{res: ledger.Result{OK: false, Balance: 3, Err: ledger.ErrInsufficientCredits}}
	w := &sinkWriter{}

	result, err := NewReconciler(rec.charge).Relay(context.Background(), strings.NewReader(cleanStream), w)
	require.NoError(t, err)

	assert.Equal(t, OutcomeUnpaid, result.Outcome, "a shortfall is not a deduction")
	assert.Equal(t, int64(0), result.Consumed)
	assert.Equal(t, int64(3), result.NewBalance)
	assert.Contains(t, w.String(), `"amount_consumed":0`)
}

func TestRelayChargeErrorPropagates(t *testing.T) {
	rec := &chargeRecorder{err: errors.New("store unavailable")}
	w := &sinkWriter{}

	result, err := NewReconciler(rec.charge).Relay(context.Background(), strings.NewReader(cleanStream), w)
	require.Error(t, err)
	assert.Equal(t, OutcomeErrored, result.Outcome)
}

func TestRelayEOFWithUsageStillBills(t *testing.T) {
	// Some providers close the stream after the usage chunk without [DONE].
	stream := `data: {"id":"c1","choices":[{"delta":{"content":"hi"}}],"usage":{"total_tokens":5}}
`
	rec := &chargeRecorder{res: ledger.Result{OK: true, Balance: 90}}
	w := &sinkWriter{}

	result, err := NewReconciler(rec.charge).Relay(context.Background(), strings.NewReader(stream), w)
	require.NoError(t, err)

	assert.Equal(t, OutcomeDeducted, result.Outcome)
	assert.Equal(t, int64(5), result.Units)
	assert.Equal(t, 1, rec.calls)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "deducted", OutcomeDeducted.String())
	assert.Equal(t, "errored", OutcomeErrored.String())
	assert.Equal(t, "aborted", OutcomeAborted.String())
	assert.Equal(t, "unpaid", OutcomeUnpaid.String())
}
