package bucket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/floodgate/pkg/types"
)

func rpm5() types.Limit { return types.PerMinute("rpm", 5) }

func TestNewFullStartsAtCapacity(t *testing.T) {
	l := types.NewLimit("rpm", 5, 20, 5, time.Minute)
	s := NewFull(l, 1000)

	assert.Equal(t, int64(5000), s.TokensMilli)
	assert.Equal(t, int64(20000), s.BurstMilli)
	assert.Equal(t, int64(1000), s.LastRefillMS)
}

func TestRefillEquation(t *testing.T) {
	// 5 tokens per minute: 5000 milli per 60000 ms.
	s := NewFull(rpm5(), 0)
	s.TokensMilli = 0

	// 12 seconds refills exactly one token.
	s = Refill(s, 12_000)
	assert.Equal(t, int64(1000), s.TokensMilli)
	assert.Equal(t, int64(12_000), s.LastRefillMS)

	// Another full minute caps at burst (= capacity here).
	s = Refill(s, 72_000+600_000)
	assert.Equal(t, int64(5000), s.TokensMilli)
}

func TestRefillClockMonotone(t *testing.T) {
	s := NewFull(rpm5(), 10_000)

	// A stale clock never rewinds the bucket.
	s = Refill(s, 5_000)
	assert.Equal(t, int64(10_000), s.LastRefillMS)
	assert.Equal(t, int64(5000), s.TokensMilli)

	// The clock advances even when no milli-token accrues.
	s.TokensMilli = 0
	s = Refill(s, 10_001)
	assert.Equal(t, int64(10_001), s.LastRefillMS)
}

func TestRefillFromDebtCrossesZero(t *testing.T) {
	s := NewFull(rpm5(), 0)
	s.TokensMilli = -2000 // two tokens of debt

	// One minute refills 5 tokens: -2 + 5 = 3.
	s = Refill(s, 60_000)
	assert.Equal(t, int64(3000), s.TokensMilli)
}

func TestTryConsumeSuccess(t *testing.T) {
	s := NewFull(rpm5(), 0)

	s, res := TryConsume(s, 2, 0)
	assert.True(t, res.OK)
	assert.Equal(t, int64(3), res.Available)
	assert.Zero(t, res.RetryAfterSeconds)
	assert.Equal(t, int64(3000), s.TokensMilli)
}

func TestTryConsumeFailureRetryAfter(t *testing.T) {
	s := NewFull(rpm5(), 0)
	s.TokensMilli = 0

	unchanged, res := TryConsume(s, 1, 0)
	assert.False(t, res.OK)
	assert.Equal(t, int64(0), res.Available)
	// Deficit of one token at 5/min refills in 12 s.
	assert.InDelta(t, 12.0, res.RetryAfterSeconds, 0.001)
	assert.Equal(t, s.TokensMilli, unchanged.TokensMilli)
}

func TestTryConsumeRefillsFirst(t *testing.T) {
	s := NewFull(rpm5(), 0)
	s.TokensMilli = 0

	// After 12 s exactly one token is back.
	_, res := TryConsume(s, 1, 12_000)
	assert.True(t, res.OK)
	assert.Equal(t, int64(0), res.Available)
}

func TestForceConsumeGoesNegative(t *testing.T) {
	l := types.PerMinute("tpm", 1000)
	s := NewFull(l, 0)

	s, res := TryConsume(s, 100, 0)
	assert.True(t, res.OK)

	s = ForceConsume(s, 950, 0)
	assert.Equal(t, int64(-50_000), s.TokensMilli)
	assert.Equal(t, int64(-50), Available(s, 0))

	// One more token on top of a 50-token debt: 51 tokens at 1000/min.
	assert.InDelta(t, 3.06, RetryAfter(s, 1, 0), 0.001)
}

func TestForceConsumeNegativeDeltaCapsAtBurst(t *testing.T) {
	s := NewFull(rpm5(), 0)

	// Handing back more than fits is clamped to burst.
	s = ForceConsume(s, -100, 0)
	assert.Equal(t, s.BurstMilli, s.TokensMilli)
}

func TestAvailableDoesNotMutate(t *testing.T) {
	s := NewFull(rpm5(), 0)
	s.TokensMilli = 0

	got := Available(s, 24_000)
	assert.Equal(t, int64(2), got)
	assert.Equal(t, int64(0), s.TokensMilli)
	assert.Equal(t, int64(0), s.LastRefillMS)
}

func TestWholeTokensFloors(t *testing.T) {
	assert.Equal(t, int64(0), wholeTokens(999))
	assert.Equal(t, int64(1), wholeTokens(1000))
	assert.Equal(t, int64(-1), wholeTokens(-1))
	assert.Equal(t, int64(-1), wholeTokens(-1000))
	assert.Equal(t, int64(-2), wholeTokens(-1001))
}

func TestSubUnitRefillRate(t *testing.T) {
	// 1 token per hour: far below one milli-token per ms.
	l := types.PerHour("hourly", 1)
	s := NewFull(l, 0)
	s.TokensMilli = 0

	// 3.6 s = 1/1000 of the period = exactly one milli-token.
	s = Refill(s, 3600)
	assert.Equal(t, int64(1), s.TokensMilli)
}
