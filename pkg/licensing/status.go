package licensing

import "strings"

// Status represents the authoritative state of a license, mutated by billing
// events or expiration-date comparison.
type Status string

const (
	StatusActive    Status = "active"
	StatusTrialing  Status = "trialing"
	StatusPastDue   Status = "past_due"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// StatusGrantsUse reports whether a license in this status authorizes use of
// the product. Past-due licenses keep working until billing resolves them.
func StatusGrantsUse(s Status) bool {
	switch s {
	case StatusActive, StatusTrialing, StatusPastDue:
		return true
	default:
		return false
	}
}

// MapStripeStatus normalizes a Stripe subscription status string to a license
// status.
func MapStripeStatus(status string) Status {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "active":
		return StatusActive
	case "trialing":
		return StatusTrialing
	case "past_due", "unpaid":
		return StatusPastDue
	case "canceled", "paused":
		return StatusCancelled
	case "incomplete", "incomplete_expired":
		return StatusExpired
	default:
		// Fail closed: an unknown status must not grant paid features.
		return StatusExpired
	}
}
