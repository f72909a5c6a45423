package credkey

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"giro/internal/giro"
	"giro/internal/testutil"
)

func TestValidatePIN(t *testing.T) {
	tests := []struct {
		pin   string
		valid bool
	}{
		{"1234", true},
		{"123456", true},
		{"123", false},
		{"1234567", false},
		{"12a4", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.pin, func(t *testing.T) {
			err := ValidatePIN(tt.pin)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidPIN)
			}
		})
	}
}

func TestAuthenticator_AuthenticatePIN(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*Authenticator, *KeyManager, giro.Store) {
		m, db, _, _ := newManager(t)
		return NewAuthenticator(m, db, nil), m, db
	}

	t.Run("current key", func(t *testing.T) {
		a, m, db := setup(t)
		hash, err := m.Hash(ctx, "1234")
		require.NoError(t, err)
		require.NoError(t, db.UpsertEmployee(ctx, giro.Employee{ID: "e1", Name: "Ana", Role: "cashier", PINHash: hash, Active: true}))

		emp, err := a.AuthenticatePIN(ctx, "1234")
		require.NoError(t, err)
		assert.Equal(t, "e1", emp.ID)
	})

	t.Run("history key is migrated to the current key", func(t *testing.T) {
		a, m, db := setup(t)
		require.NoError(t, db.SetSetting(ctx, historyKey(1), "retired"))
		require.NoError(t, db.UpsertEmployee(ctx, giro.Employee{
			ID: "e2", Name: "Bia", PINHash: HashWithKey("retired", "4321"), Active: true,
		}))

		// Pin the current key to something other than the history entry.
		_, err := m.Rotate(ctx)
		require.NoError(t, err)

		emp, err := a.AuthenticatePIN(ctx, "4321")
		require.NoError(t, err)
		assert.Equal(t, "e2", emp.ID)

		want, _ := m.Hash(ctx, "4321")
		found, err := db.FindEmployeeByPINHash(ctx, want)
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, "e2", found.ID)
	})

	t.Run("legacy sha256 is migrated", func(t *testing.T) {
		a, m, db := setup(t)
		require.NoError(t, db.UpsertEmployee(ctx, giro.Employee{
			ID: "e3", Name: "Caio", PINHash: testutil.LegacyPINHash("5555"), Active: true,
		}))

		emp, err := a.AuthenticatePIN(ctx, "5555")
		require.NoError(t, err)
		assert.Equal(t, "e3", emp.ID)

		want, _ := m.Hash(ctx, "5555")
		assert.Equal(t, want, emp.PINHash)

		// Second login goes through the current key.
		emp, err = a.AuthenticatePIN(ctx, "5555")
		require.NoError(t, err)
		assert.Equal(t, "e3", emp.ID)
	})

	t.Run("argon2 password hash is migrated", func(t *testing.T) {
		a, m, db := setup(t)
		pw, err := HashPassword("777777")
		require.NoError(t, err)
		require.NoError(t, db.UpsertEmployee(ctx, giro.Employee{ID: "e4", Name: "Duda", PasswordHash: pw, Active: true}))

		emp, err := a.AuthenticatePIN(ctx, "777777")
		require.NoError(t, err)
		assert.Equal(t, "e4", emp.ID)

		want, _ := m.Hash(ctx, "777777")
		found, _ := db.FindEmployeeByPINHash(ctx, want)
		require.NotNil(t, found)
	})

	t.Run("bcrypt password hash", func(t *testing.T) {
		a, _, db := setup(t)
		pw, err := bcrypt.GenerateFromPassword([]byte("2468"), bcrypt.MinCost)
		require.NoError(t, err)
		require.NoError(t, db.UpsertEmployee(ctx, giro.Employee{ID: "e5", Name: "Eva", PasswordHash: string(pw), Active: true}))

		emp, err := a.AuthenticatePIN(ctx, "2468")
		require.NoError(t, err)
		assert.Equal(t, "e5", emp.ID)
	})

	t.Run("unknown pin fails", func(t *testing.T) {
		a, _, _ := setup(t)
		_, err := a.AuthenticatePIN(ctx, "0000")
		assert.ErrorIs(t, err, ErrAuthFailed)
	})

	t.Run("malformed pin is rejected before lookup", func(t *testing.T) {
		a, _, _ := setup(t)
		_, err := a.AuthenticatePIN(ctx, "12")
		assert.ErrorIs(t, err, ErrInvalidPIN)
	})
}

func TestVerifyPassword(t *testing.T) {
	hash, err := HashPassword("s3cret")
	require.NoError(t, err)
	assert.Contains(t, hash, "$argon2id$v=19$m=65536,t=2,p=1$")

	assert.True(t, VerifyPassword(hash, "s3cret"))
	assert.False(t, VerifyPassword(hash, "wrong"))
	assert.False(t, VerifyPassword("$argon2id$broken", "s3cret"))
	assert.False(t, VerifyPassword("plain", "plain"))
}
