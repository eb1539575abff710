package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"studiogate/internal/ledger"
)

// Outcome is the terminal state of a relayed stream. Exactly one is reached
// per request.
type Outcome int

const (
	// OutcomeDeducted: the stream completed with a usage report and the
	// account was charged exactly once.
	OutcomeDeducted Outcome = iota
	// OutcomeErrored: the upstream emitted an error frame or ended without a
	// usage report. No charge.
	OutcomeErrored
	// OutcomeAborted: the caller cancelled or disconnected mid-stream. No
	// charge.
	OutcomeAborted
	// OutcomeUnpaid: the stream completed but the balance could not cover
	// the final cost. Content was already delivered, so nothing is charged
	// and nothing is clawed back.
	OutcomeUnpaid
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDeducted:
		return "deducted"
	case OutcomeErrored:
		return "errored"
	case OutcomeAborted:
		return "aborted"
	case OutcomeUnpaid:
		return "unpaid"
	default:
		return "unknown"
	}
}

// ChargeFunc converts a provider-reported unit count into a deduction and
// reports the credits consumed. It is invoked at most once per relay.
type ChargeFunc func(units int64) (consumed int64, res ledger.Result, err error)

// RelayResult summarizes a finished relay
type RelayResult struct {
	Outcome    Outcome
	Units      int64 // provider-reported usage units
	Consumed   int64 // credits actually deducted
	NewBalance int64
}

// writeFlusher is what the reconciler needs from the response side
type writeFlusher interface {
	io.Writer
	Flush()
}

// usageFrame is the terminal frame sent to the caller before [DONE], so the
// UI can update its balance without a second round trip
type usageFrame struct {
	Usage struct {
		AmountConsumed int64 `json:"amount_consumed"`
		NewBalance     int64 `json:"new_balance"`
	} `json:"usage"`
}

// Reconciler forwards SSE chunks from a streamed completion while watching
// for the terminal usage report. The true cost of a token-metered completion
// is unknowable until the stream ends, so deduction is deferred until a
// clean completion signal arrives; errored or aborted streams are never
// charged.
type Reconciler struct {
	charge ChargeFunc
}

// NewReconciler creates a reconciler that charges through fn on clean
// completion
func NewReconciler(fn ChargeFunc) *Reconciler {
	return &Reconciler{charge: fn}
}

// Relay pumps upstream SSE data to w until the stream terminates. The
// returned error reports transport problems; billing state is always in the
// RelayResult.
func (r *Reconciler) Relay(ctx context.Context, upstream io.Reader, w writeFlusher) (RelayResult, error) {
	var (
		usageUnits  int64
		usageSeen   bool
		upstreamErr bool
	)

	scanner := bufio.NewScanner(upstream)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return RelayResult{Outcome: OutcomeAborted}, ctx.Err()
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}

		if data == "[DONE]" {
			return r.finish(w, usageSeen && !upstreamErr, usageUnits)
		}

		var chunk struct {
			Usage *struct {
				TotalTokens int64 `json:"total_tokens"`
			} `json:"usage"`
			Error json.RawMessage `json:"error"`
		}
		if err := json.Unmarshal([]byte(data), &chunk); err == nil {
			if chunk.Usage != nil {
				usageUnits = chunk.Usage.TotalTokens
				usageSeen = true
			}
			if len(chunk.Error) > 0 {
				upstreamErr = true
			}
		}

		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			// Caller went away; nothing was completed, nothing is charged.
			return RelayResult{Outcome: OutcomeAborted}, err
		}
		w.Flush()
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return RelayResult{Outcome: OutcomeAborted}, ctx.Err()
		}
		return RelayResult{Outcome: OutcomeErrored}, err
	}

	// Upstream closed without a [DONE] marker. A missing usage report means
	// no deduction: billing treats it as stream-errored.
	return r.finish(w, usageSeen && !upstreamErr, usageUnits)
}

// finish settles billing and emits the terminal frames
func (r *Reconciler) finish(w writeFlusher, clean bool, units int64) (RelayResult, error) {
	if !clean {
		fmt.Fprint(w, "data: [DONE]\n\n")
		w.Flush()
		return RelayResult{Outcome: OutcomeErrored, Units: units}, nil
	}

	consumed, res, err := r.charge(units)
	if err != nil {
		return RelayResult{Outcome: OutcomeErrored, Units: units}, err
	}

	outcome := OutcomeDeducted
	var frame usageFrame
	frame.Usage.NewBalance = res.Balance
	if res.OK {
		frame.Usage.AmountConsumed = consumed
	} else {
		// Post-paid shortfall: the stream already delivered, so report the
		// unchanged balance rather than clawing content back.
		outcome = OutcomeUnpaid
		consumed = 0
	}

	payload, _ := json.Marshal(frame)
	fmt.Fprintf(w, "data: %s\n\n", payload)
	fmt.Fprint(w, "data: [DONE]\n\n")
	w.Flush()

	return RelayResult{
		Outcome:    outcome,
		Units:      units,
		Consumed:   consumed,
		NewBalance: res.Balance,
	}, nil
}
