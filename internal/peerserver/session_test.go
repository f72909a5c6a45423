package peerserver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"giro/internal/testutil"
)

func newTestSessions(max int) (*SessionManager, *testutil.StubClock) {
	clock := testutil.FixedClock()
	return NewSessionManager("test-secret", time.Hour, max, clock, testutil.NewStubIDGenerator()), clock
}

func TestSessionManager_CreateAndValidate(t *testing.T) {
	m, _ := newTestSessions(2)

	token, sess, err := m.Create("e1", "Ana", "cashier", "phone-1")
	require.NoError(t, err)

	got, err := m.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, "cashier", got.Role)
	assert.Equal(t, "phone-1", got.DeviceID)
}

func TestSessionManager_EvictsOldestPerEmployee(t *testing.T) {
	m, _ := newTestSessions(2)

	first, _, err := m.Create("e1", "Ana", "cashier", "a")
	require.NoError(t, err)
	_, _, err = m.Create("e1", "Ana", "cashier", "b")
	require.NoError(t, err)
	_, _, err = m.Create("e2", "Bia", "manager", "c")
	require.NoError(t, err)
	_, _, err = m.Create("e1", "Ana", "cashier", "d")
	require.NoError(t, err)

	_, err = m.Validate(first)
	assert.ErrorIs(t, err, ErrSessionRevoked)

	var devices []string
	for _, s := range m.List() {
		devices = append(devices, s.DeviceID)
	}
	assert.Equal(t, []string{"b", "c", "d"}, devices)
}

func TestSessionManager_Expiry(t *testing.T) {
	m, clock := newTestSessions(2)
	token, _, err := m.Create("e1", "Ana", "cashier", "a")
	require.NoError(t, err)

	clock.Advance(59 * time.Minute)
	_, err = m.Validate(token)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	_, err = m.Validate(token)
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.Equal(t, 1, m.CleanupExpired())
	assert.Empty(t, m.List())
}

func TestSessionManager_RejectsForeignAndUnknownTokens(t *testing.T) {
	m, _ := newTestSessions(2)
	other := NewSessionManager("other-secret", time.Hour, 2, testutil.FixedClock(), testutil.NewStubIDGenerator())

	foreign, _, err := other.Create("e1", "Ana", "cashier", "a")
	require.NoError(t, err)
	_, err = m.Validate(foreign)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = m.Validate("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	// Same secret, but issued by a registry that has since restarted.
	restarted := NewSessionManager("test-secret", time.Hour, 2, testutil.FixedClock(), testutil.NewStubIDGenerator())
	token, _, err := m.Create("e1", "Ana", "cashier", "a")
	require.NoError(t, err)
	_, err = restarted.Validate(token)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessionManager_InvalidateAll(t *testing.T) {
	m, _ := newTestSessions(2)
	a, _, _ := m.Create("e1", "Ana", "cashier", "a")
	b, _, _ := m.Create("e2", "Bia", "manager", "b")

	m.InvalidateAll()

	for _, token := range []string{a, b} {
		_, err := m.Validate(token)
		assert.ErrorIs(t, err, ErrSessionRevoked)
	}
	assert.Empty(t, m.List())
}
