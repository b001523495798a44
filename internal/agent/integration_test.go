package agent

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/draftdesk/licensing/internal/authority"
	"github.com/draftdesk/licensing/pkg/licensing"
)

// startAuthority runs the real License Authority handler stack against a
// temp-dir SQLite store.
func startAuthority(t *testing.T) (*httptest.Server, *authority.Store) {
	t.Helper()
	store, err := authority.NewStore(filepath.Join(t.TempDir(), "licensing.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	srv := authority.NewServer(authority.Config{AdminToken: "test-admin"}, store)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, store
}

func newMachineAgent(t *testing.T, serverURL, machineID string) *Agent {
	t.Helper()
	cache, err := NewCache(t.TempDir())
	require.NoError(t, err)
	a, err := New(cache, NewHTTPAuthorityClient(serverURL), NewMemorySecretStore(), machineID)
	require.NoError(t, err)
	return a
}

func TestSeatLifecycleAcrossMachines(t *testing.T) {
	ts, store := startAuthority(t)
	lic, err := store.CreateLicense(context.Background(), authority.CreateLicenseParams{
		Email:          "team@example.com",
		Name:           "Team",
		PlanType:       licensing.PlanProfessional,
		ExpirationDays: 365,
		MaxActivations: 2,
	})
	require.NoError(t, err)

	laptop := newMachineAgent(t, ts.URL, "laptop")
	desktop := newMachineAgent(t, ts.URL, "desktop")
	tablet := newMachineAgent(t, ts.URL, "tablet")

	// Two machines fill both seats.
	_, err = laptop.Activate(context.Background(), lic.Key, "team@example.com", "Team")
	require.NoError(t, err)
	_, err = desktop.Activate(context.Background(), lic.Key, "team@example.com", "Team")
	require.NoError(t, err)

	// The third machine is refused.
	_, err = tablet.Activate(context.Background(), lic.Key, "team@example.com", "Team")
	assert.ErrorIs(t, err, licensing.ErrSeatLimitReached)

	// Each activated machine validates locally and gets its plan's features.
	got, err := laptop.Validate(context.Background())
	require.NoError(t, err)
	assert.True(t, got.HasMachine("laptop"))
	assert.True(t, laptop.HasFeature(context.Background(), licensing.FeatureCustomTemplates))
	assert.False(t, laptop.HasFeature(context.Background(), licensing.FeatureWhiteLabel))

	// Freeing a seat lets the third machine in.
	remaining, err := desktop.Deactivate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)

	_, err = tablet.Activate(context.Background(), lic.Key, "team@example.com", "Team")
	require.NoError(t, err)

	// The deactivated machine no longer validates.
	_, err = desktop.Validate(context.Background())
	assert.ErrorIs(t, err, licensing.ErrNoLicense)
}

func TestTrialLifecycleAgainstServer(t *testing.T) {
	ts, _ := startAuthority(t)
	a := newMachineAgent(t, ts.URL, "laptop")

	lic, err := a.StartTrial(context.Background(), "solo@example.com", "Solo")
	require.NoError(t, err)
	assert.Equal(t, licensing.PlanTrial, lic.PlanType)
	assert.Equal(t, licensing.StatusTrialing, lic.Status)
	assert.False(t, licensing.IsOfflineTrialKey(lic.Key), "server-issued trial should carry a regular key")
	assert.InDelta(t, 14, lic.DaysRemaining(), 1)

	// The trial is pre-bound to this machine.
	got, err := a.Validate(context.Background())
	require.NoError(t, err)
	assert.True(t, got.HasMachine("laptop"))
	assert.True(t, a.HasFeature(context.Background(), licensing.FeatureAIGeneration))

	// Wiping local state does not re-arm the trial: the server refuses and
	// the refusal is recorded locally again.
	require.NoError(t, a.Revoke())
	fresh := newMachineAgent(t, ts.URL, "laptop")
	_, err = fresh.StartTrial(context.Background(), "solo@example.com", "Solo")
	assert.ErrorIs(t, err, licensing.ErrTrialAlreadyUsed)
}

func TestStaleCacheReverifiedAgainstServer(t *testing.T) {
	ts, store := startAuthority(t)
	lic, err := store.CreateLicense(context.Background(), authority.CreateLicenseParams{
		Email:          "team@example.com",
		PlanType:       licensing.PlanStandard,
		ExpirationDays: 365,
		MaxActivations: 1,
	})
	require.NoError(t, err)

	a := newMachineAgent(t, ts.URL, "laptop")
	_, err = a.Activate(context.Background(), lic.Key, "team@example.com", "")
	require.NoError(t, err)

	// Age the cached verification past the freshness window, then have the
	// server revoke the license. The next Validate still succeeds from the
	// cache but the background re-verification clears it.
	state, err := a.cache.Load()
	require.NoError(t, err)
	state.LastVerified = time.Now().Add(-FreshnessWindow - time.Hour)
	require.NoError(t, a.cache.Save(state))
	require.NoError(t, store.UpdateLicenseStatus(context.Background(), lic.Key, licensing.StatusCancelled, time.Time{}))

	_, err = a.Validate(context.Background())
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, err := a.Validate(context.Background())
		return err != nil
	}, 2*time.Second, 10*time.Millisecond, "revoked license not cleared after re-verification")
}
