package types

import (
	"fmt"
	"time"
)

// Limit defines the shape of one token bucket: how much capacity it has, how
// far it may burst, and how fast it refills. Limits are immutable value
// objects; buckets copy the shape at creation time.
type Limit struct {
	Name         string
	Capacity     int64
	Burst        int64
	RefillAmount int64
	RefillPeriod time.Duration
}

// NewLimit constructs a fully-specified limit. Burst defaults to capacity
// when zero.
func NewLimit(name string, capacity, burst, refillAmount int64, refillPeriod time.Duration) Limit {
	if burst == 0 {
		burst = capacity
	}
	return Limit{
		Name:         name,
		Capacity:     capacity,
		Burst:        burst,
		RefillAmount: refillAmount,
		RefillPeriod: refillPeriod,
	}
}

// PerSecond builds a limit that fully refills every second.
func PerSecond(name string, capacity int64) Limit {
	return NewLimit(name, capacity, capacity, capacity, time.Second)
}

// PerMinute builds a limit that fully refills every minute.
func PerMinute(name string, capacity int64) Limit {
	return NewLimit(name, capacity, capacity, capacity, time.Minute)
}

// PerHour builds a limit that fully refills every hour.
func PerHour(name string, capacity int64) Limit {
	return NewLimit(name, capacity, capacity, capacity, time.Hour)
}

// PerDay builds a limit that fully refills every day.
func PerDay(name string, capacity int64) Limit {
	return NewLimit(name, capacity, capacity, capacity, 24*time.Hour)
}

// Validate checks the limit shape for internal consistency.
func (l Limit) Validate() error {
	if err := ValidateName("limit_name", l.Name); err != nil {
		return err
	}
	if l.Capacity <= 0 {
		return &ValidationError{Field: "capacity", Value: fmt.Sprintf("%d", l.Capacity), Reason: "must be positive"}
	}
	if l.Burst < l.Capacity {
		return &ValidationError{Field: "burst", Value: fmt.Sprintf("%d", l.Burst), Reason: "must be >= capacity"}
	}
	if l.RefillAmount <= 0 {
		return &ValidationError{Field: "refill_amount", Value: fmt.Sprintf("%d", l.RefillAmount), Reason: "must be positive"}
	}
	if l.RefillPeriod < time.Millisecond {
		return &ValidationError{Field: "refill_period", Value: l.RefillPeriod.String(), Reason: "must be at least 1ms"}
	}
	return nil
}

// OnUnavailable selects the behavior when no limits can be resolved for an
// acquire (stored config absent or unreadable, no explicit limits passed).
type OnUnavailable string

const (
	// OnUnavailableDeny fails the acquire with a limits-unavailable error.
	OnUnavailableDeny OnUnavailable = "deny"
	// OnUnavailableAllow lets the acquire through without touching buckets.
	OnUnavailableAllow OnUnavailable = "allow"
)

// Entity is a rate-limited principal: a user, API key, project or tenant.
type Entity struct {
	ID        string
	Name      string
	ParentID  string
	Metadata  map[string]string
	Cascade   bool
	CreatedAt time.Time
}

// EffectiveLimits is the result of resolving the layered configuration for
// one (entity, resource) pair.
type EffectiveLimits struct {
	Limits        []Limit
	OnUnavailable OnUnavailable
	// Source records which scope the limits came from: "explicit",
	// "entity", "resource", "system" or "" when nothing resolved.
	Source string
}

// Limit returns the shape for the given name, if present.
func (e EffectiveLimits) Limit(name string) (Limit, bool) {
	for _, l := range e.Limits {
		if l.Name == name {
			return l, true
		}
	}
	return Limit{}, false
}

// Resolution source values.
const (
	SourceExplicit = "explicit"
	SourceEntity   = "entity"
	SourceResource = "resource"
	SourceSystem   = "system"
)
