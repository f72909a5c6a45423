package peerserver

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"giro/internal/giro"
)

const (
	DefaultSessionTTL = 8 * time.Hour
	// DefaultMaxSessions is the number of live sessions one employee may
	// hold. Creating another evicts the oldest.
	DefaultMaxSessions = 2
)

var (
	ErrInvalidToken    = errors.New("invalid session token")
	ErrSessionExpired  = errors.New("session expired")
	ErrSessionRevoked  = errors.New("session revoked")
	ErrSessionNotFound = errors.New("session not found")
)

// Session is an authenticated (employee, role) pair bound to a device.
type Session struct {
	ID           string
	EmployeeID   string
	EmployeeName string
	Role         string
	DeviceID     string
	CreatedAt    time.Time
	ExpiresAt    time.Time

	seq uint64
}

type sessionClaims struct {
	EmployeeID string `json:"employee_id"`
	Role       string `json:"role"`
	DeviceID   string `json:"device_id,omitempty"`
	jwt.RegisteredClaims
}

// SessionManager issues HS256 tokens and tracks which of them are live.
// A token is only accepted while its session is still registered.
type SessionManager struct {
	secret      []byte
	ttl         time.Duration
	maxSessions int
	clock       giro.Clock
	ids         giro.IDGenerator

	mu       sync.Mutex
	seq      uint64
	sessions map[string]*Session
	// revoked remembers explicitly invalidated ids until they would have
	// expired, so callers can tell revocation from a stale token.
	revoked map[string]time.Time
}

func NewSessionManager(secret string, ttl time.Duration, maxSessions int, clock giro.Clock, ids giro.IDGenerator) *SessionManager {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	return &SessionManager{
		secret:      []byte(secret),
		ttl:         ttl,
		maxSessions: maxSessions,
		clock:       clock,
		ids:         ids,
		sessions:    make(map[string]*Session),
		revoked:     make(map[string]time.Time),
	}
}

// Create registers a session and returns its signed token.
func (m *SessionManager) Create(employeeID, name, role, deviceID string) (string, Session, error) {
	now := m.clock.Now()
	sess := Session{
		ID:           m.ids.New(),
		EmployeeID:   employeeID,
		EmployeeName: name,
		Role:         role,
		DeviceID:     deviceID,
		CreatedAt:    now,
		ExpiresAt:    now.Add(m.ttl),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, sessionClaims{
		EmployeeID: employeeID,
		Role:       role,
		DeviceID:   deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        sess.ID,
			Subject:   employeeID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(sess.ExpiresAt),
		},
	})
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", Session{}, fmt.Errorf("signing session token: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	sess.seq = m.seq
	var owned []*Session
	for _, s := range m.sessions {
		if s.EmployeeID == employeeID {
			owned = append(owned, s)
		}
	}
	sort.Slice(owned, func(i, j int) bool { return owned[i].seq < owned[j].seq })
	for len(owned) >= m.maxSessions {
		m.revokeLocked(owned[0].ID)
		owned = owned[1:]
	}
	m.sessions[sess.ID] = &sess
	return signed, sess, nil
}

// Validate checks the signature and expiry of raw and returns the live
// session it names.
func (m *SessionManager) Validate(raw string) (*Session, error) {
	parsed, err := jwt.ParseWithClaims(raw, &sessionClaims{}, func(token *jwt.Token) (any, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.clock.Now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrSessionExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*sessionClaims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[claims.ID]
	if !ok {
		if _, gone := m.revoked[claims.ID]; gone {
			return nil, ErrSessionRevoked
		}
		return nil, ErrSessionNotFound
	}
	if !m.clock.Now().Before(sess.ExpiresAt) {
		delete(m.sessions, sess.ID)
		return nil, ErrSessionExpired
	}
	out := *sess
	return &out, nil
}

// Invalidate revokes one session. Unknown ids are ignored.
func (m *SessionManager) Invalidate(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revokeLocked(id)
}

// InvalidateAll revokes every live session.
func (m *SessionManager) InvalidateAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.sessions {
		m.revokeLocked(id)
	}
}

func (m *SessionManager) revokeLocked(id string) {
	sess, ok := m.sessions[id]
	if !ok {
		return
	}
	delete(m.sessions, id)
	m.revoked[id] = sess.ExpiresAt
}

// CleanupExpired drops expired sessions and returns how many were live.
func (m *SessionManager) CleanupExpired() int {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.sessions {
		if !now.Before(s.ExpiresAt) {
			delete(m.sessions, id)
			n++
		}
	}
	for id, exp := range m.revoked {
		if !now.Before(exp) {
			delete(m.revoked, id)
		}
	}
	return n
}

// List returns the live sessions, oldest first.
func (m *SessionManager) List() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (m *SessionManager) live(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return ok && m.clock.Now().Before(s.ExpiresAt)
}
