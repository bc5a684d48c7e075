package auth

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dattmumas/lnked-realtime/internal/core/ports"
	"github.com/dattmumas/lnked-realtime/internal/infrastructure/clock"
)

func newCredentialManager(t *testing.T) (*CredentialManager, *TokenManager, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(epoch)
	tokens := NewTokenManager("backend-secret", 10*time.Minute, "lnked", clk)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m, err := NewCredentialManager(tokens, CredentialConfig{Subject: "realtime-node", Role: "service_role", RefreshBefore: time.Minute}, clk, logger)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m, tokens, clk
}

func noSignal(t *testing.T, m *CredentialManager) {
	t.Helper()
	select {
	case sig := <-m.Signals():
		t.Fatalf("unexpected signal %s", sig)
	default:
	}
}

func TestCredentialManager_InitialToken(t *testing.T) {
	m, tokens, _ := newCredentialManager(t)

	claims, err := tokens.ValidateToken(m.Token())
	require.NoError(t, err)
	assert.Equal(t, "realtime-node", claims.UserID())
	assert.Equal(t, "service_role", claims.Role)
	assert.Equal(t, epoch.Add(10*time.Minute), m.ExpiresAt())
	noSignal(t, m)
}

func TestCredentialManager_RotatesBeforeExpiry(t *testing.T) {
	m, _, clk := newCredentialManager(t)
	first := m.Token()

	clk.Advance(9*time.Minute - time.Second)
	noSignal(t, m)
	assert.Equal(t, first, m.Token())

	clk.Advance(time.Second)
	assert.Equal(t, ports.SignalRotated, <-m.Signals())
	assert.NotEqual(t, first, m.Token())
	assert.Equal(t, epoch.Add(19*time.Minute), m.ExpiresAt())

	// The next rotation is scheduled from the new expiry.
	clk.Advance(9 * time.Minute)
	assert.Equal(t, ports.SignalRotated, <-m.Signals())
}

func TestCredentialManager_ManualRotate(t *testing.T) {
	m, _, clk := newCredentialManager(t)
	first := m.Token()

	clk.Advance(time.Second)
	require.NoError(t, m.Rotate())
	assert.Equal(t, ports.SignalRotated, <-m.Signals())
	assert.NotEqual(t, first, m.Token())
	assert.Equal(t, 1, clk.PendingCount(), "exactly one rotation timer")
}

func TestCredentialManager_SignOut(t *testing.T) {
	m, _, clk := newCredentialManager(t)

	m.SignOut()
	assert.Equal(t, ports.SignalSignedOut, <-m.Signals())
	assert.Empty(t, m.Token())
	assert.Zero(t, clk.PendingCount())

	m.SignOut()
	noSignal(t, m)

	clk.Advance(time.Hour)
	noSignal(t, m)

	require.NoError(t, m.Rotate())
	assert.Equal(t, ports.SignalRotated, <-m.Signals())
	assert.NotEmpty(t, m.Token())
}

func TestCredentialManager_SignOutIsDeliveredWhenBufferIsFull(t *testing.T) {
	m, _, _ := newCredentialManager(t)

	for i := 0; i < cap(m.signals)+2; i++ {
		require.NoError(t, m.Rotate())
	}
	require.Len(t, m.signals, cap(m.signals))

	m.SignOut()

	var last ports.CredentialSignal
	for len(m.signals) > 0 {
		last = <-m.Signals()
	}
	assert.Equal(t, ports.SignalSignedOut, last)
}

func TestCredentialManager_Closed(t *testing.T) {
	m, _, clk := newCredentialManager(t)
	m.Close()

	assert.Zero(t, clk.PendingCount())
	assert.Error(t, m.Rotate())
}
