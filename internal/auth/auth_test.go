package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/ksred/klear-exchange/internal/database/dbtest"
	"github.com/ksred/klear-exchange/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHook struct {
	users []uint
	err   error
}

func (r *recordingHook) OnUserCreated(_ context.Context, user *types.User) error {
	r.users = append(r.users, user.ID)
	return r.err
}

func TestService_RegisterAndLogin(t *testing.T) {
	db := dbtest.New(t)
	hook := &recordingHook{}
	svc := NewService(db, "secret", hook)
	ctx := context.Background()

	user, err := svc.Register(ctx, Credentials{Username: " Alice ", Password: "correct horse"})
	require.NoError(t, err)
	assert.Equal(t, "Alice", user.Username)
	assert.Equal(t, []uint{user.ID}, hook.users)

	token, err := svc.GenerateToken(ctx, Credentials{Username: "alice", Password: "correct horse"})
	require.NoError(t, err)
	assert.NotEmpty(t, token.Token)

	claims, err := svc.ValidateToken(token.Token)
	require.NoError(t, err)
	assert.Equal(t, "1", claims.ClientID)

	_, err = svc.GenerateToken(ctx, Credentials{Username: "alice", Password: "wrong password"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.GenerateToken(ctx, Credentials{Username: "nobody", Password: "whatever!"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestService_RegisterValidation(t *testing.T) {
	db := dbtest.New(t)
	svc := NewService(db, "secret")
	ctx := context.Background()

	_, err := svc.Register(ctx, Credentials{Username: "", Password: "longenough"})
	assert.ErrorIs(t, err, ErrInvalidRegistration)

	_, err = svc.Register(ctx, Credentials{Username: "bob", Password: "short"})
	assert.ErrorIs(t, err, ErrInvalidRegistration)

	_, err = svc.Register(ctx, Credentials{Username: "bob", Password: "longenough"})
	require.NoError(t, err)
	_, err = svc.Register(ctx, Credentials{Username: "BOB", Password: "longenough"})
	assert.ErrorIs(t, err, ErrUsernameTaken)
}

func TestService_HookFailureSurfaces(t *testing.T) {
	db := dbtest.New(t)
	svc := NewService(db, "secret", &recordingHook{err: errors.New("boom")})

	_, err := svc.Register(context.Background(), Credentials{Username: "carol", Password: "longenough"})
	assert.Error(t, err)
}

func TestService_ValidateTokenWrongSecret(t *testing.T) {
	db := dbtest.New(t)
	token, err := NewService(db, "one").IssueToken(7)
	require.NoError(t, err)

	_, err = NewService(db, "two").ValidateToken(token.Token)
	assert.Error(t, err)
}
