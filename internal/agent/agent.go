// Package agent implements the Local License Agent embedded in the
// DraftDesk desktop application. It owns the encrypted on-device license
// cache, talks to the License Authority when a network is available, and
// answers feature checks from the cache so the editor never blocks on the
// network.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/draftdesk/licensing/pkg/licensing"
)

// FreshnessWindow is how long a cached verification stays trustworthy. Past
// it the agent keeps honoring the cache but re-verifies in the background.
const FreshnessWindow = 7 * 24 * time.Hour

// secretAccount is the account name the raw license key is filed under in
// the OS secret store.
const secretAccount = "license-key"

// Agent is the Local License Agent. All cache mutations are serialized
// through its mutex; reads of the validated state go through Validate.
type Agent struct {
	cache     *Cache
	client    AuthorityClient
	secrets   SecretStore
	machineID string

	mu          sync.Mutex
	reverifying atomic.Bool

	// now is replaceable in tests.
	now func() time.Time
}

// New assembles an agent from its capabilities. The machine identity is
// resolved once at construction.
func New(cache *Cache, client AuthorityClient, secrets SecretStore, machineID string) (*Agent, error) {
	if machineID = strings.TrimSpace(machineID); machineID == "" {
		return nil, errors.New("machine id cannot be empty")
	}
	return &Agent{
		cache:     cache,
		client:    client,
		secrets:   secrets,
		machineID: machineID,
		now:       time.Now,
	}, nil
}

// MachineID returns the identity this installation activates under.
func (a *Agent) MachineID() string {
	return a.machineID
}

// Activate binds this machine to the given license key. Re-activating the
// key already held is satisfied from the cache without network contact.
func (a *Agent) Activate(ctx context.Context, key, email, name string) (*licensing.License, error) {
	key = strings.ToUpper(strings.TrimSpace(key))
	if !licensing.ValidKeyFormat(key) {
		return nil, fmt.Errorf("%w: malformed key", licensing.ErrInvalidKey)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	state, err := a.cache.Load()
	if err != nil {
		log.Warn().Err(err).Msg("License cache unreadable, treating as empty")
		state = CachedState{}
	}
	if state.License != nil && state.License.Key == key && !state.License.IsExpiredAt(a.now()) {
		return state.License, nil
	}

	lic, err := a.client.Activate(ctx, key, email, name, a.machineID)
	if err != nil {
		return nil, err
	}

	state.License = lic
	state.LastVerified = a.now()
	state.OfflineTrial = false
	if err := a.persist(state, key); err != nil {
		return nil, err
	}

	log.Info().
		Str("plan", string(lic.PlanType)).
		Str("machine_id", a.machineID).
		Msg("License activated on this machine")
	return lic, nil
}

// Validate answers whether this installation may run licensed features
// right now. It consults only the cache on the fast path; a stale cache
// triggers at most one background re-verification, never a blocking call.
func (a *Agent) Validate(ctx context.Context) (*licensing.License, error) {
	a.mu.Lock()
	state, err := a.cache.Load()
	a.mu.Unlock()
	if err != nil {
		log.Warn().Err(err).Msg("License cache unreadable, treating as no license")
		return nil, licensing.ErrNoLicense
	}
	if state.License == nil {
		return nil, licensing.ErrNoLicense
	}

	lic := state.License
	if !lic.HasMachine(a.machineID) {
		return nil, licensing.ErrWrongMachine
	}
	now := a.now()
	if lic.IsExpiredAt(now) {
		return nil, licensing.ErrExpired
	}
	if !licensing.StatusGrantsUse(lic.Status) {
		return nil, fmt.Errorf("%w: status %s", licensing.ErrInvalidKey, lic.Status)
	}

	if state.OfflineTrial || now.Sub(state.LastVerified) > FreshnessWindow {
		a.reverifyInBackground(state)
	}
	return lic, nil
}

// HasFeature reports whether the current license grants a feature. Any
// validation failure reads as the feature being absent.
func (a *Agent) HasFeature(ctx context.Context, feature string) bool {
	lic, err := a.Validate(ctx)
	if err != nil {
		return false
	}
	return lic.HasFeature(feature)
}

// StartTrial provisions a trial for this machine. The Authority is asked
// first; if it cannot be reached the agent mints an offline trial that gets
// reconciled on the next successful contact. A machine gets one trial ever,
// enforced both here and server-side.
func (a *Agent) StartTrial(ctx context.Context, email, name string) (*licensing.License, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	state, err := a.cache.Load()
	if err != nil {
		log.Warn().Err(err).Msg("License cache unreadable, treating as empty")
		state = CachedState{}
	}
	if state.TrialUsed {
		return nil, licensing.ErrTrialAlreadyUsed
	}

	lic, err := a.client.StartTrial(ctx, email, name, a.machineID)
	switch {
	case err == nil:
		state.License = lic
		state.LastVerified = a.now()
		state.TrialUsed = true
		state.OfflineTrial = false
	case errors.Is(err, licensing.ErrNetworkUnavailable):
		lic, err = a.offlineTrial(email, name)
		if err != nil {
			return nil, err
		}
		state.License = lic
		state.LastVerified = time.Time{}
		state.TrialUsed = true
		state.OfflineTrial = true
		log.Info().Msg("Authority unreachable, issued offline trial pending reconciliation")
	default:
		if errors.Is(err, licensing.ErrTrialAlreadyUsed) {
			state.TrialUsed = true
			if persistErr := a.persist(state, ""); persistErr != nil {
				log.Warn().Err(persistErr).Msg("Failed to record used trial locally")
			}
		}
		return nil, err
	}

	if err := a.persist(state, lic.Key); err != nil {
		return nil, err
	}
	return lic, nil
}

// offlineTrial mints a locally generated trial license bound to this
// machine. It carries the trial plan and the standard trial duration.
func (a *Agent) offlineTrial(email, name string) (*licensing.License, error) {
	key, err := licensing.GenerateOfflineTrialKey()
	if err != nil {
		return nil, err
	}
	now := a.now()
	return &licensing.License{
		Key:            key,
		Email:          email,
		Name:           name,
		PlanType:       licensing.PlanTrial,
		Status:         licensing.StatusTrialing,
		MaxActivations: licensing.DefaultTrialActivations,
		MachineIDs:     []string{a.machineID},
		IssuedAt:       now,
		ExpiresAt:      now.Add(licensing.DefaultTrialDuration),
	}, nil
}

// Deactivate releases this machine's seat on the Authority and clears the
// local license. The trial-used marker survives.
func (a *Agent) Deactivate(ctx context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	state, err := a.cache.Load()
	if err != nil || state.License == nil {
		return 0, licensing.ErrNoLicense
	}

	remaining := 0
	if !state.OfflineTrial {
		remaining, err = a.client.Deactivate(ctx, state.License.Key, a.machineID)
		if err != nil && !errors.Is(err, licensing.ErrInvalidKey) && !errors.Is(err, licensing.ErrWrongMachine) {
			return 0, err
		}
	}
	if err := a.clearLocked(state); err != nil {
		return 0, err
	}
	return remaining, nil
}

// Revoke drops the local license without contacting the Authority. The seat
// stays bound server-side until deactivated from another channel.
func (a *Agent) Revoke() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	state, err := a.cache.Load()
	if err != nil {
		state = CachedState{}
	}
	return a.clearLocked(state)
}

func (a *Agent) clearLocked(state CachedState) error {
	state.License = nil
	state.LastVerified = time.Time{}
	state.OfflineTrial = false
	if err := a.cache.Save(state); err != nil {
		return err
	}
	if err := a.secrets.DeleteSecret(SecretService, secretAccount); err != nil && !errors.Is(err, ErrSecretNotFound) {
		log.Warn().Err(err).Msg("Failed to remove license key from secret store")
	}
	return nil
}

// LicenseInfo is a display-safe summary for the application UI. The raw key
// never leaves the agent.
type LicenseInfo struct {
	MaskedKey     string           `json:"maskedKey"`
	Email         string           `json:"email"`
	Name          string           `json:"name,omitempty"`
	PlanType      licensing.Plan   `json:"planType"`
	PlanName      string           `json:"planName"`
	Status        licensing.Status `json:"status"`
	Features      []string         `json:"features"`
	SeatsUsed     int              `json:"seatsUsed"`
	SeatsTotal    int              `json:"seatsTotal"`
	ExpiresAt     time.Time        `json:"expiresAt"`
	DaysRemaining int              `json:"daysRemaining"`
	OfflineTrial  bool             `json:"offlineTrial,omitempty"`
}

// LicenseInfo summarizes the cached license for display. It does not
// require the license to be valid for this machine.
func (a *Agent) LicenseInfo() (*LicenseInfo, error) {
	a.mu.Lock()
	state, err := a.cache.Load()
	a.mu.Unlock()
	if err != nil || state.License == nil {
		return nil, licensing.ErrNoLicense
	}

	lic := state.License
	return &LicenseInfo{
		MaskedKey:     maskKey(lic.Key),
		Email:         lic.Email,
		Name:          lic.Name,
		PlanType:      lic.PlanType,
		PlanName:      licensing.GetPlanDisplayName(lic.PlanType),
		Status:        lic.Status,
		Features:      lic.AllFeatures(),
		SeatsUsed:     len(lic.MachineIDs),
		SeatsTotal:    lic.MaxActivations,
		ExpiresAt:     lic.ExpiresAt,
		DaysRemaining: lic.DaysRemaining(),
		OfflineTrial:  state.OfflineTrial,
	}, nil
}

// maskKey keeps the product tag and final group so support can correlate a
// report without exposing the key.
func maskKey(key string) string {
	parts := strings.Split(key, "-")
	if len(parts) != 5 {
		return "****"
	}
	return parts[0] + "-****-****-****-" + parts[4]
}

// reverifyInBackground launches a single re-verification attempt. At most
// one runs at a time; callers are never blocked on its outcome.
func (a *Agent) reverifyInBackground(state CachedState) {
	if !a.reverifying.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer a.reverifying.Store(false)

		ctx, cancel := context.WithTimeout(context.Background(), defaultRequestTimeout)
		defer cancel()

		if state.OfflineTrial {
			a.reconcileOfflineTrial(ctx, state)
			return
		}
		a.reverify(ctx, state)
	}()
}

func (a *Agent) reverify(ctx context.Context, state CachedState) {
	outcome, err := a.client.Verify(ctx, state.License.Key, a.machineID)
	if err != nil {
		log.Debug().Err(err).Msg("Background license re-verification skipped")
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// Reload under the lock in case the license changed while the request
	// was in flight.
	current, loadErr := a.cache.Load()
	if loadErr != nil || current.License == nil || current.License.Key != state.License.Key {
		return
	}

	if !outcome.Valid {
		log.Warn().Str("reason", outcome.Reason).Msg("Authority rejected cached license, clearing it")
		if err := a.clearLocked(current); err != nil {
			log.Error().Err(err).Msg("Failed to clear rejected license")
		}
		return
	}

	current.LastVerified = a.now()
	if err := a.cache.Save(current); err != nil {
		log.Error().Err(err).Msg("Failed to persist license re-verification")
	}
}

// reconcileOfflineTrial swaps a locally minted trial for the server-issued
// one. If the Authority reports the trial as already consumed, the local
// trial keeps running until its own expiry; the server stays authoritative
// for anything beyond that.
func (a *Agent) reconcileOfflineTrial(ctx context.Context, state CachedState) {
	lic, err := a.client.StartTrial(ctx, state.License.Email, state.License.Name, a.machineID)
	if err != nil {
		if errors.Is(err, licensing.ErrTrialAlreadyUsed) {
			log.Warn().Msg("Authority reports trial already consumed, offline trial runs to its own expiry")
		} else {
			log.Debug().Err(err).Msg("Offline trial reconciliation skipped")
		}
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	current, loadErr := a.cache.Load()
	if loadErr != nil || current.License == nil || !current.OfflineTrial {
		return
	}
	current.License = lic
	current.LastVerified = a.now()
	current.OfflineTrial = false
	if err := a.persist(current, lic.Key); err != nil {
		log.Error().Err(err).Msg("Failed to persist reconciled trial")
		return
	}
	log.Info().Msg("Offline trial reconciled with server-issued trial")
}

// persist writes the cache and, when a key is present, files it in the
// secret store. Secret store failures are logged, not fatal; the encrypted
// cache is the source of truth.
func (a *Agent) persist(state CachedState, key string) error {
	if err := a.cache.Save(state); err != nil {
		return fmt.Errorf("persist license cache: %w", err)
	}
	if key != "" {
		if err := a.secrets.SetSecret(SecretService, secretAccount, key); err != nil {
			log.Warn().Err(err).Msg("Failed to store license key in secret store")
		}
	}
	return nil
}
