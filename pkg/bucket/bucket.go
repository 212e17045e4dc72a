package bucket

import (
	"github.com/cuemby/floodgate/pkg/types"
)

// MilliPerToken is the internal scale: bucket counters hold thousandths of
// a token so that sub-unit refill works without floating point.
const MilliPerToken = 1000

// Snapshot is the state of one bucket at a point in time, in milli-tokens.
// It mirrors the persisted bucket record exactly; the algebra below never
// touches the store.
type Snapshot struct {
	TokensMilli       int64
	LastRefillMS      int64
	CapacityMilli     int64
	BurstMilli        int64
	RefillAmountMilli int64
	RefillPeriodMS    int64
}

// Result reports the outcome of a consume attempt.
type Result struct {
	OK bool
	// Available is the signed whole-token balance after the attempt.
	Available int64
	// RetryAfterSeconds is how long until the requested amount would fit,
	// zero on success.
	RetryAfterSeconds float64
}

// Shape converts a limit to milli-token units.
func Shape(l types.Limit) Snapshot {
	return Snapshot{
		CapacityMilli:     l.Capacity * MilliPerToken,
		BurstMilli:        l.Burst * MilliPerToken,
		RefillAmountMilli: l.RefillAmount * MilliPerToken,
		RefillPeriodMS:    l.RefillPeriod.Milliseconds(),
	}
}

// NewFull materializes the bucket a first acquire sees: full to capacity
// (not burst) as of now.
func NewFull(l types.Limit, nowMS int64) Snapshot {
	s := Shape(l)
	s.TokensMilli = s.CapacityMilli
	s.LastRefillMS = nowMS
	return s
}

// Refill advances the bucket to nowMS, adding elapsed*rate tokens capped at
// burst. The clock advances even when no whole milli-token accrues, which
// keeps LastRefillMS monotone; the sub-tick remainder (at most one
// milli-token per step) is forfeited. A negative balance refills toward
// zero at the same rate and may cross zero in one step.
func Refill(s Snapshot, nowMS int64) Snapshot {
	elapsed := nowMS - s.LastRefillMS
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed > 0 && s.RefillPeriodMS > 0 {
		added := elapsed * s.RefillAmountMilli / s.RefillPeriodMS
		s.TokensMilli += added
		if s.TokensMilli > s.BurstMilli {
			s.TokensMilli = s.BurstMilli
		}
	}
	if nowMS > s.LastRefillMS {
		s.LastRefillMS = nowMS
	}
	return s
}

// TryConsume refills to nowMS and deducts amount whole tokens if the
// balance covers them. On failure the snapshot reflects the refill only.
func TryConsume(s Snapshot, amount int64, nowMS int64) (Snapshot, Result) {
	s = Refill(s, nowMS)
	need := amount * MilliPerToken
	if s.TokensMilli >= need {
		s.TokensMilli -= need
		return s, Result{OK: true, Available: wholeTokens(s.TokensMilli)}
	}
	deficit := need - s.TokensMilli
	return s, Result{
		OK:                false,
		Available:         wholeTokens(s.TokensMilli),
		RetryAfterSeconds: retryAfter(deficit, s.RefillAmountMilli, s.RefillPeriodMS),
	}
}

// ForceConsume refills to nowMS and deducts amount unconditionally. The
// balance may go negative; amount may itself be negative to hand tokens
// back.
func ForceConsume(s Snapshot, amount int64, nowMS int64) Snapshot {
	s = Refill(s, nowMS)
	s.TokensMilli -= amount * MilliPerToken
	if s.TokensMilli > s.BurstMilli {
		s.TokensMilli = s.BurstMilli
	}
	return s
}

// Available projects the refill to nowMS without consuming and returns the
// signed whole-token balance.
func Available(s Snapshot, nowMS int64) int64 {
	return wholeTokens(Refill(s, nowMS).TokensMilli)
}

// RetryAfter returns the seconds until amount whole tokens fit, projecting
// the refill to nowMS first. Zero when they already fit.
func RetryAfter(s Snapshot, amount int64, nowMS int64) float64 {
	s = Refill(s, nowMS)
	deficit := amount*MilliPerToken - s.TokensMilli
	if deficit <= 0 {
		return 0
	}
	return retryAfter(deficit, s.RefillAmountMilli, s.RefillPeriodMS)
}

func retryAfter(deficitMilli, refillAmountMilli, refillPeriodMS int64) float64 {
	if refillAmountMilli <= 0 || refillPeriodMS <= 0 {
		return 0
	}
	return float64(deficitMilli) * float64(refillPeriodMS) / float64(refillAmountMilli) / 1000.0
}

// wholeTokens floors toward negative infinity so a debt of half a token
// reads as -1, never 0.
func wholeTokens(milli int64) int64 {
	q := milli / MilliPerToken
	if milli%MilliPerToken != 0 && milli < 0 {
		q--
	}
	return q
}
