package licensing

import (
	"math"
	"time"
)

// DefaultTrialDuration is how long a newly issued trial license lasts.
const DefaultTrialDuration = 14 * 24 * time.Hour

// DefaultTrialActivations is the seat count on a trial license.
const DefaultTrialActivations = 1

// License is the wire and cache representation of a license grant.
// The Authority owns the durable record; the agent caches the last-known copy.
type License struct {
	Key            string   `json:"key"`
	Email          string   `json:"email"`
	Name           string   `json:"name"`
	Company        string   `json:"company,omitempty"`
	PlanType       Plan     `json:"planType"`
	Status         Status   `json:"status"`
	MaxActivations int      `json:"maxActivations"`
	MachineIDs     []string `json:"machineIds"`
	// Features explicitly granted beyond the plan's own set (optional).
	Features  []string  `json:"features,omitempty"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	Notes     string    `json:"notes,omitempty"`
}

// IsExpired checks if the license is past its expiration instant.
func (l *License) IsExpired() bool {
	return l.IsExpiredAt(time.Now())
}

// IsExpiredAt checks expiry against an explicit clock, for testability.
// A license is unusable at or after the expiration instant.
func (l *License) IsExpiredAt(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// DaysRemaining returns the number of whole-or-partial days until expiry,
// zero if already expired.
func (l *License) DaysRemaining() int {
	remaining := time.Until(l.ExpiresAt)
	if remaining <= 0 {
		return 0
	}
	return int(math.Ceil(remaining.Hours() / 24))
}

// HasMachine reports whether machineID is bound to this license.
func (l *License) HasMachine(machineID string) bool {
	for _, id := range l.MachineIDs {
		if id == machineID {
			return true
		}
	}
	return false
}

// HasFeature checks if the license grants a specific feature, either through
// its plan or through an explicit per-license grant.
func (l *License) HasFeature(feature string) bool {
	for _, f := range l.Features {
		if f == feature {
			return true
		}
	}
	return PlanHasFeature(l.PlanType, feature)
}

// AllFeatures returns the effective feature set for this license.
func (l *License) AllFeatures() []string {
	return ResolveFeatures(l.PlanType, l.Features)
}

// Activation is one (license, machine) binding, consuming one seat.
type Activation struct {
	ID          string    `json:"id"`
	LicenseKey  string    `json:"licenseKey"`
	MachineID   string    `json:"machineId"`
	ActivatedAt time.Time `json:"activatedAt"`
	LastSeen    time.Time `json:"lastSeen"`
}
