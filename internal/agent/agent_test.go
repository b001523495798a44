package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/draftdesk/licensing/pkg/licensing"
)

const testMachineID = "machine-a"

// fakeAuthority is a scriptable AuthorityClient. Unset functions fail the
// test if called.
type fakeAuthority struct {
	t            *testing.T
	activateFn   func(key, email, name, machineID string) (*licensing.License, error)
	verifyFn     func(key, machineID string) (VerifyOutcome, error)
	deactivateFn func(key, machineID string) (int, error)
	trialFn      func(email, name, machineID string) (*licensing.License, error)

	// calls receives the endpoint name of every invocation, buffered so
	// background goroutines never block.
	calls chan string
}

func newFakeAuthority(t *testing.T) *fakeAuthority {
	return &fakeAuthority{t: t, calls: make(chan string, 16)}
}

func (f *fakeAuthority) Activate(_ context.Context, key, email, name, machineID string) (*licensing.License, error) {
	f.calls <- "activate"
	if f.activateFn == nil {
		f.t.Fatal("unexpected Activate call")
	}
	return f.activateFn(key, email, name, machineID)
}

func (f *fakeAuthority) Verify(_ context.Context, key, machineID string) (VerifyOutcome, error) {
	f.calls <- "verify"
	if f.verifyFn == nil {
		f.t.Fatal("unexpected Verify call")
	}
	return f.verifyFn(key, machineID)
}

func (f *fakeAuthority) Deactivate(_ context.Context, key, machineID string) (int, error) {
	f.calls <- "deactivate"
	if f.deactivateFn == nil {
		f.t.Fatal("unexpected Deactivate call")
	}
	return f.deactivateFn(key, machineID)
}

func (f *fakeAuthority) StartTrial(_ context.Context, email, name, machineID string) (*licensing.License, error) {
	f.calls <- "trial"
	if f.trialFn == nil {
		f.t.Fatal("unexpected StartTrial call")
	}
	return f.trialFn(email, name, machineID)
}

func (f *fakeAuthority) waitForCall(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-f.calls:
		if got != want {
			t.Fatalf("authority call = %s, want %s", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s call", want)
	}
}

func newTestAgent(t *testing.T, client AuthorityClient) *Agent {
	t.Helper()
	cache, err := NewCache(t.TempDir())
	require.NoError(t, err)
	a, err := New(cache, client, NewMemorySecretStore(), testMachineID)
	require.NoError(t, err)
	return a
}

func serverLicense(key string, expiresIn time.Duration) *licensing.License {
	now := time.Now()
	return &licensing.License{
		Key:            key,
		Email:          "alice@example.com",
		Name:           "Alice",
		PlanType:       licensing.PlanStandard,
		Status:         licensing.StatusActive,
		MaxActivations: 2,
		MachineIDs:     []string{testMachineID},
		IssuedAt:       now,
		ExpiresAt:      now.Add(expiresIn),
	}
}

func TestActivateStoresLicenseAndKey(t *testing.T) {
	auth := newFakeAuthority(t)
	key := "DDSK-0000-1111-2222-3333"
	auth.activateFn = func(gotKey, _, _, machineID string) (*licensing.License, error) {
		assert.Equal(t, key, gotKey)
		assert.Equal(t, testMachineID, machineID)
		return serverLicense(key, 30*24*time.Hour), nil
	}

	agent := newTestAgent(t, auth)
	lic, err := agent.Activate(context.Background(), key, "alice@example.com", "Alice")
	require.NoError(t, err)
	assert.Equal(t, licensing.PlanStandard, lic.PlanType)

	// The key is filed in the secret store and the license is validated
	// from the cache without further network contact.
	stored, err := agent.secrets.GetSecret(SecretService, secretAccount)
	require.NoError(t, err)
	assert.Equal(t, key, stored)

	validated, err := agent.Validate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, key, validated.Key)
}

func TestActivateRejectsMalformedKey(t *testing.T) {
	agent := newTestAgent(t, newFakeAuthority(t))
	_, err := agent.Activate(context.Background(), "not-a-key", "", "")
	assert.ErrorIs(t, err, licensing.ErrInvalidKey)
}

func TestActivateIsIdempotentWithoutNetwork(t *testing.T) {
	auth := newFakeAuthority(t)
	key := "DDSK-0000-1111-2222-3333"
	calls := 0
	auth.activateFn = func(string, string, string, string) (*licensing.License, error) {
		calls++
		return serverLicense(key, 30*24*time.Hour), nil
	}

	agent := newTestAgent(t, auth)
	_, err := agent.Activate(context.Background(), key, "alice@example.com", "Alice")
	require.NoError(t, err)

	// Same key again: served from the cache, no second server call.
	_, err = agent.Activate(context.Background(), key, "alice@example.com", "Alice")
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestValidateWithoutLicense(t *testing.T) {
	agent := newTestAgent(t, newFakeAuthority(t))
	_, err := agent.Validate(context.Background())
	assert.ErrorIs(t, err, licensing.ErrNoLicense)
}

func TestValidateRejectsForeignMachine(t *testing.T) {
	agent := newTestAgent(t, newFakeAuthority(t))
	lic := serverLicense("DDSK-0000-1111-2222-3333", 30*24*time.Hour)
	lic.MachineIDs = []string{"machine-b"}
	require.NoError(t, agent.cache.Save(CachedState{License: lic, LastVerified: time.Now()}))

	_, err := agent.Validate(context.Background())
	assert.ErrorIs(t, err, licensing.ErrWrongMachine)
}

func TestValidateRejectsExpiredLicense(t *testing.T) {
	agent := newTestAgent(t, newFakeAuthority(t))
	lic := serverLicense("DDSK-0000-1111-2222-3333", -time.Hour)
	require.NoError(t, agent.cache.Save(CachedState{License: lic, LastVerified: time.Now()}))

	_, err := agent.Validate(context.Background())
	assert.ErrorIs(t, err, licensing.ErrExpired)
}

func TestValidateHonorsCacheInsideFreshnessWindow(t *testing.T) {
	// No verify function is scripted: any network call fails the test.
	agent := newTestAgent(t, newFakeAuthority(t))
	lic := serverLicense("DDSK-0000-1111-2222-3333", 30*24*time.Hour)
	require.NoError(t, agent.cache.Save(CachedState{License: lic, LastVerified: time.Now().Add(-time.Hour)}))

	got, err := agent.Validate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, lic.Key, got.Key)
}

func TestValidateStaleCacheTriggersBackgroundReverify(t *testing.T) {
	auth := newFakeAuthority(t)
	auth.verifyFn = func(key, machineID string) (VerifyOutcome, error) {
		return VerifyOutcome{Valid: true}, nil
	}

	agent := newTestAgent(t, auth)
	lic := serverLicense("DDSK-0000-1111-2222-3333", 30*24*time.Hour)
	stale := time.Now().Add(-FreshnessWindow - time.Hour)
	require.NoError(t, agent.cache.Save(CachedState{License: lic, LastVerified: stale}))

	// The call itself succeeds immediately from the cache.
	_, err := agent.Validate(context.Background())
	require.NoError(t, err)

	auth.waitForCall(t, "verify")
	assert.Eventually(t, func() bool {
		state, err := agent.cache.Load()
		return err == nil && state.LastVerified.After(stale)
	}, 2*time.Second, 10*time.Millisecond, "LastVerified not refreshed")
}

func TestValidateClearsServerRejectedLicense(t *testing.T) {
	auth := newFakeAuthority(t)
	auth.verifyFn = func(key, machineID string) (VerifyOutcome, error) {
		return VerifyOutcome{Valid: false, Reason: "revoked"}, nil
	}

	agent := newTestAgent(t, auth)
	lic := serverLicense("DDSK-0000-1111-2222-3333", 30*24*time.Hour)
	require.NoError(t, agent.cache.Save(CachedState{License: lic, LastVerified: time.Now().Add(-FreshnessWindow - time.Hour)}))

	_, err := agent.Validate(context.Background())
	require.NoError(t, err, "stale cache still honored while re-verification runs")

	auth.waitForCall(t, "verify")
	assert.Eventually(t, func() bool {
		_, err := agent.Validate(context.Background())
		return errors.Is(err, licensing.ErrNoLicense)
	}, 2*time.Second, 10*time.Millisecond, "rejected license not cleared")
}

func TestValidateNetworkFailureKeepsCache(t *testing.T) {
	auth := newFakeAuthority(t)
	auth.verifyFn = func(key, machineID string) (VerifyOutcome, error) {
		return VerifyOutcome{}, licensing.ErrNetworkUnavailable
	}

	agent := newTestAgent(t, auth)
	lic := serverLicense("DDSK-0000-1111-2222-3333", 30*24*time.Hour)
	require.NoError(t, agent.cache.Save(CachedState{License: lic, LastVerified: time.Now().Add(-FreshnessWindow - time.Hour)}))

	_, err := agent.Validate(context.Background())
	require.NoError(t, err)
	auth.waitForCall(t, "verify")

	// Offline grace: the cached license keeps working until its expiry.
	got, err := agent.Validate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, lic.Key, got.Key)
}

func TestStartTrialFromServer(t *testing.T) {
	auth := newFakeAuthority(t)
	auth.trialFn = func(email, name, machineID string) (*licensing.License, error) {
		lic := serverLicense("DDSK-1234-5678-9ABC-DEF0", licensing.DefaultTrialDuration)
		lic.PlanType = licensing.PlanTrial
		lic.Status = licensing.StatusTrialing
		lic.MaxActivations = 1
		return lic, nil
	}

	agent := newTestAgent(t, auth)
	lic, err := agent.StartTrial(context.Background(), "alice@example.com", "Alice")
	require.NoError(t, err)
	assert.Equal(t, licensing.PlanTrial, lic.PlanType)

	// Trials grant use while trialing.
	assert.True(t, agent.HasFeature(context.Background(), licensing.FeatureAIGeneration))
	assert.False(t, agent.HasFeature(context.Background(), licensing.FeatureAPIAccess))
}

func TestStartTrialOfflineFallback(t *testing.T) {
	auth := newFakeAuthority(t)
	auth.trialFn = func(email, name, machineID string) (*licensing.License, error) {
		return nil, licensing.ErrNetworkUnavailable
	}

	agent := newTestAgent(t, auth)
	lic, err := agent.StartTrial(context.Background(), "alice@example.com", "Alice")
	require.NoError(t, err)
	assert.True(t, licensing.IsOfflineTrialKey(lic.Key))
	assert.Equal(t, []string{testMachineID}, lic.MachineIDs)

	state, err := agent.cache.Load()
	require.NoError(t, err)
	assert.True(t, state.OfflineTrial)
	assert.True(t, state.TrialUsed)

	// The offline trial validates locally.
	got, err := agent.Validate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, lic.Key, got.Key)
}

func TestStartTrialOnlyOnceLocally(t *testing.T) {
	auth := newFakeAuthority(t)
	auth.trialFn = func(email, name, machineID string) (*licensing.License, error) {
		return nil, licensing.ErrNetworkUnavailable
	}

	agent := newTestAgent(t, auth)
	_, err := agent.StartTrial(context.Background(), "alice@example.com", "Alice")
	require.NoError(t, err)

	// Even after revoking the license the trial marker blocks a second one.
	require.NoError(t, agent.Revoke())
	_, err = agent.StartTrial(context.Background(), "alice@example.com", "Alice")
	assert.ErrorIs(t, err, licensing.ErrTrialAlreadyUsed)
}

func TestStartTrialServerRefusalIsRecorded(t *testing.T) {
	auth := newFakeAuthority(t)
	auth.trialFn = func(email, name, machineID string) (*licensing.License, error) {
		return nil, licensing.ErrTrialAlreadyUsed
	}

	agent := newTestAgent(t, auth)
	_, err := agent.StartTrial(context.Background(), "alice@example.com", "Alice")
	assert.ErrorIs(t, err, licensing.ErrTrialAlreadyUsed)

	state, err := agent.cache.Load()
	require.NoError(t, err)
	assert.True(t, state.TrialUsed, "server refusal should mark the trial as used locally")
}

func TestOfflineTrialReconciliation(t *testing.T) {
	auth := newFakeAuthority(t)
	serverKey := "DDSK-1234-5678-9ABC-DEF0"
	auth.trialFn = func(email, name, machineID string) (*licensing.License, error) {
		return nil, licensing.ErrNetworkUnavailable
	}

	agent := newTestAgent(t, auth)
	_, err := agent.StartTrial(context.Background(), "alice@example.com", "Alice")
	require.NoError(t, err)
	<-auth.calls // consume the failed trial call

	// Server is back: the next Validate swaps in the server-issued trial.
	auth.trialFn = func(email, name, machineID string) (*licensing.License, error) {
		assert.Equal(t, "alice@example.com", email)
		lic := serverLicense(serverKey, licensing.DefaultTrialDuration)
		lic.PlanType = licensing.PlanTrial
		lic.Status = licensing.StatusTrialing
		return lic, nil
	}
	_, err = agent.Validate(context.Background())
	require.NoError(t, err)

	auth.waitForCall(t, "trial")
	assert.Eventually(t, func() bool {
		state, err := agent.cache.Load()
		return err == nil && state.License != nil && state.License.Key == serverKey && !state.OfflineTrial
	}, 2*time.Second, 10*time.Millisecond, "offline trial not reconciled")
}

func TestDeactivateFreesSeatAndClearsCache(t *testing.T) {
	auth := newFakeAuthority(t)
	key := "DDSK-0000-1111-2222-3333"
	auth.activateFn = func(string, string, string, string) (*licensing.License, error) {
		return serverLicense(key, 30*24*time.Hour), nil
	}
	auth.deactivateFn = func(gotKey, machineID string) (int, error) {
		assert.Equal(t, key, gotKey)
		return 1, nil
	}

	agent := newTestAgent(t, auth)
	_, err := agent.Activate(context.Background(), key, "alice@example.com", "Alice")
	require.NoError(t, err)

	remaining, err := agent.Deactivate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)

	_, err = agent.Validate(context.Background())
	assert.ErrorIs(t, err, licensing.ErrNoLicense)
	_, err = agent.secrets.GetSecret(SecretService, secretAccount)
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestLicenseInfoMasksKey(t *testing.T) {
	auth := newFakeAuthority(t)
	key := "DDSK-0000-1111-2222-3333"
	auth.activateFn = func(string, string, string, string) (*licensing.License, error) {
		return serverLicense(key, 30*24*time.Hour), nil
	}

	agent := newTestAgent(t, auth)
	_, err := agent.Activate(context.Background(), key, "alice@example.com", "Alice")
	require.NoError(t, err)

	info, err := agent.LicenseInfo()
	require.NoError(t, err)
	assert.Equal(t, "DDSK-****-****-****-3333", info.MaskedKey)
	assert.Equal(t, "Standard", info.PlanName)
	assert.Contains(t, info.Features, licensing.FeatureExportPDF)
	assert.Positive(t, info.DaysRemaining)
}

func TestCorruptCacheReadsAsNoLicense(t *testing.T) {
	agent := newTestAgent(t, newFakeAuthority(t))
	lic := serverLicense("DDSK-0000-1111-2222-3333", 30*24*time.Hour)
	require.NoError(t, agent.cache.Save(CachedState{License: lic, LastVerified: time.Now()}))

	// Corrupt the file in place.
	cacheFile := filepath.Join(agent.cache.configDir, cacheFileName)
	require.NoError(t, os.WriteFile(cacheFile, []byte("garbage"), 0o600))

	_, err := agent.Validate(context.Background())
	assert.ErrorIs(t, err, licensing.ErrNoLicense)
}
