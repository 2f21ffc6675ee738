// Package producer implements the epoch/seq state machine behind
// idempotent appends.
//
// A producer is a client-assigned identity carrying (epoch, seq). The
// evaluator classifies each attempt against the stored state; persistence
// is the stream engine's job, so Evaluate stays a pure function of its
// inputs.
package producer

import (
	"fmt"
	"time"
)

// Header names echoed on producer responses.
const (
	HeaderEpoch       = "Producer-Epoch"
	HeaderSeq         = "Producer-Seq"
	HeaderExpectedSeq = "Producer-Expected-Seq"
	HeaderReceivedSeq = "Producer-Received-Seq"
)

// MaxAge is the producer inactivity window. Rows older than this are
// lazily deleted on the next touch and the attempt treated as new.
const MaxAge = 7 * 24 * time.Hour

// State mirrors one row of the producer table.
type State struct {
	ID          string
	Epoch       int64
	LastSeq     int64
	LastOffset  int64 // tail offset after the producer's last accepted append
	LastUpdated int64 // unix seconds
}

// Outcome classifies an attempt.
type Outcome int

const (
	// OutcomeOK accepts the append; Result.Next is the state to persist.
	OutcomeOK Outcome = iota
	// OutcomeDuplicate is an idempotent replay; the original offset in
	// Result.Prior.LastOffset is acked and no state changes.
	OutcomeDuplicate
	// OutcomeError rejects the attempt with Result.Status.
	OutcomeError
)

// Result is the evaluator's verdict.
type Result struct {
	Outcome Outcome
	Next    *State            // OutcomeOK: state after this append (LastOffset filled by caller)
	Prior   *State            // OutcomeDuplicate: the untouched stored state
	Expired bool              // stored row aged out and must be deleted first
	Status  int               // OutcomeError: HTTP status
	Message string            // OutcomeError: response body
	Headers map[string]string // OutcomeError: extra response headers
}

// Evaluate classifies an attempt (id, epoch, seq) against the stored
// state, which may be nil when the producer is unknown.
func Evaluate(stored *State, id string, epoch, seq int64, now time.Time) Result {
	expired := false
	if stored != nil && now.Unix()-stored.LastUpdated > int64(MaxAge/time.Second) {
		stored = nil
		expired = true
	}

	if stored == nil {
		if seq != 0 {
			return Result{
				Outcome: OutcomeError,
				Expired: expired,
				Status:  400,
				Message: "unknown producer, seq must start at 0",
			}
		}
		return Result{
			Outcome: OutcomeOK,
			Expired: expired,
			Next:    &State{ID: id, Epoch: epoch, LastSeq: 0, LastUpdated: now.Unix()},
		}
	}

	switch {
	case epoch < stored.Epoch:
		return Result{
			Outcome: OutcomeError,
			Status:  403,
			Message: "producer epoch is stale",
			Headers: map[string]string{HeaderEpoch: fmt.Sprint(stored.Epoch)},
		}

	case epoch > stored.Epoch:
		// Epoch bump fences the old instance; the new one restarts at 0.
		if seq != 0 {
			return Result{
				Outcome: OutcomeError,
				Status:  400,
				Message: "new epoch must start at seq 0",
			}
		}
		return Result{
			Outcome: OutcomeOK,
			Next:    &State{ID: id, Epoch: epoch, LastSeq: 0, LastUpdated: now.Unix()},
		}
	}

	// Same epoch.
	switch {
	case seq <= stored.LastSeq:
		return Result{Outcome: OutcomeDuplicate, Prior: stored}
	case seq == stored.LastSeq+1:
		return Result{
			Outcome: OutcomeOK,
			Next:    &State{ID: id, Epoch: epoch, LastSeq: seq, LastUpdated: now.Unix()},
		}
	default:
		return Result{
			Outcome: OutcomeError,
			Status:  409,
			Message: "producer sequence gap",
			Headers: map[string]string{
				HeaderExpectedSeq: fmt.Sprint(stored.LastSeq + 1),
				HeaderReceivedSeq: fmt.Sprint(seq),
			},
		}
	}
}
