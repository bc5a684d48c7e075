package auth

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dattmumas/lnked-realtime/internal/core/ports"
	"github.com/dattmumas/lnked-realtime/internal/infrastructure/clock"
)

// CredentialConfig describes the service credential presented to the
// realtime backend.
type CredentialConfig struct {
	Subject string
	Role    string
	// RefreshBefore is how long before expiry the credential is rotated.
	RefreshBefore time.Duration
}

// CredentialManager mints the backend credential, rotates it before it
// expires and announces every change on Signals.
type CredentialManager struct {
	tokens  *TokenManager
	cfg     CredentialConfig
	clock   clock.Clock
	logger  *slog.Logger
	signals chan ports.CredentialSignal

	mu        sync.Mutex
	token     string
	expiresAt time.Time
	signedOut bool
	timer     clock.Timer
	closed    bool
}

var (
	_ ports.CredentialProvider   = (*CredentialManager)(nil)
	_ ports.CredentialController = (*CredentialManager)(nil)
)

// NewCredentialManager mints the first credential and schedules its
// rotation. No signal is emitted for the initial credential.
func NewCredentialManager(tokens *TokenManager, cfg CredentialConfig, clk clock.Clock, logger *slog.Logger) (*CredentialManager, error) {
	if cfg.RefreshBefore <= 0 || cfg.RefreshBefore >= tokens.TTL() {
		cfg.RefreshBefore = tokens.TTL() / 5
	}
	m := &CredentialManager{
		tokens:  tokens,
		cfg:     cfg,
		clock:   clk,
		logger:  logger.With("component", "credentials"),
		signals: make(chan ports.CredentialSignal, 8),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.mintLocked(); err != nil {
		return nil, err
	}
	return m, nil
}

// Token returns the current credential, or "" after sign-out.
func (m *CredentialManager) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

// ExpiresAt returns the expiry of the current credential.
func (m *CredentialManager) ExpiresAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expiresAt
}

func (m *CredentialManager) Signals() <-chan ports.CredentialSignal {
	return m.signals
}

// Rotate replaces the credential and emits SignalRotated. Rotating after
// sign-out signs the service back in.
func (m *CredentialManager) Rotate() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("credential manager closed")
	}
	if err := m.mintLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	m.signedOut = false
	m.mu.Unlock()

	m.logger.Info("credential rotated")
	m.emit(ports.SignalRotated)
	return nil
}

// SignOut drops the credential, stops rotation and emits SignalSignedOut.
func (m *CredentialManager) SignOut() {
	m.mu.Lock()
	if m.signedOut || m.closed {
		m.mu.Unlock()
		return
	}
	m.signedOut = true
	m.token = ""
	m.expiresAt = time.Time{}
	m.stopTimerLocked()
	m.mu.Unlock()

	m.logger.Info("credential signed out")
	m.emit(ports.SignalSignedOut)
}

// Close stops scheduled rotation.
func (m *CredentialManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.stopTimerLocked()
}

func (m *CredentialManager) mintLocked() error {
	token, expiresAt, err := m.tokens.GenerateToken(m.cfg.Subject, m.cfg.Role)
	if err != nil {
		return fmt.Errorf("mint backend credential: %w", err)
	}
	m.token = token
	m.expiresAt = expiresAt

	m.stopTimerLocked()
	due := expiresAt.Sub(m.clock.Now()) - m.cfg.RefreshBefore
	m.timer = m.clock.AfterFunc(due, m.autoRotate)
	return nil
}

func (m *CredentialManager) autoRotate() {
	if err := m.Rotate(); err != nil {
		m.logger.Error("scheduled credential rotation failed", "error", err)
	}
}

func (m *CredentialManager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// emit never blocks. A full buffer already holds a pending rotation and the
// resynchronizer coalesces rotations, so a rotation can be dropped. A
// sign-out evicts queued signals until it fits.
func (m *CredentialManager) emit(sig ports.CredentialSignal) {
	for {
		select {
		case m.signals <- sig:
			return
		default:
		}
		if sig != ports.SignalSignedOut {
			m.logger.Warn("credential signal dropped", "signal", sig.String())
			return
		}
		select {
		case stale := <-m.signals:
			m.logger.Debug("credential signal superseded by sign-out", "signal", stale.String())
		default:
		}
	}
}
