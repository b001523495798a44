package licensing

import "errors"

// Domain errors surfaced to callers as typed outcomes. The agent and the
// Authority client map transport conditions onto these; raw transport errors
// never reach the UI layer.
var (
	// ErrInvalidKey means the key is unknown to the Authority. Terminal;
	// the user must re-enter the key.
	ErrInvalidKey = errors.New("invalid license key")

	// ErrExpired means the key is known but past expiry. Terminal; prompts
	// the renewal flow.
	ErrExpired = errors.New("license has expired")

	// ErrSeatLimitReached means the key is valid but all activation slots
	// are in use. Terminal for this machine; actionable elsewhere.
	ErrSeatLimitReached = errors.New("license activation limit reached")

	// ErrWrongMachine means the cached license is bound to a different
	// machine than the current device reports.
	ErrWrongMachine = errors.New("license is activated on a different machine")

	// ErrNetworkUnavailable is transient; each agent operation documents
	// its explicit fallback.
	ErrNetworkUnavailable = errors.New("license server unreachable")

	// ErrTrialAlreadyUsed is enforced independently on the device and on
	// the server.
	ErrTrialAlreadyUsed = errors.New("trial has already been used on this machine")

	// ErrNoLicense means no license is cached on this installation.
	ErrNoLicense = errors.New("no license activated")

	// ErrUnauthorized covers the admin surface only.
	ErrUnauthorized = errors.New("unauthorized")
)
