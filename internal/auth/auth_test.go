package auth

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/bugtrack/internal/models"
)

var testUser = &models.User{ID: "01USER", Username: "dave", Role: models.RoleDeveloper}

func TestIssuer_RoundTrip(t *testing.T) {
	iss, err := NewIssuer("secret", time.Hour)
	require.NoError(t, err)

	token, err := iss.Issue(testUser)
	require.NoError(t, err)

	p, err := iss.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "01USER", p.UserID)
	assert.Equal(t, "dave", p.Username)
	assert.Equal(t, models.RoleDeveloper, p.Role)
	assert.Equal(t, &models.UserRef{ID: "01USER", Username: "dave", Role: models.RoleDeveloper}, p.Ref())
}

func TestIssuer_Expired(t *testing.T) {
	iss, err := NewIssuer("secret", time.Minute)
	require.NoError(t, err)
	token, err := iss.Issue(testUser)
	require.NoError(t, err)

	iss.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = iss.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestIssuer_WrongSecret(t *testing.T) {
	a, err := NewIssuer("one", time.Hour)
	require.NoError(t, err)
	b, err := NewIssuer("two", time.Hour)
	require.NoError(t, err)

	token, err := a.Issue(testUser)
	require.NoError(t, err)
	_, err = b.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = b.Verify("garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewIssuer_RequiresSecret(t *testing.T) {
	_, err := NewIssuer("", time.Hour)
	assert.Error(t, err)
}

func TestPasswords(t *testing.T) {
	h, err := HashPassword("hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, "hunter2", h)

	assert.NoError(t, CheckPassword(h, "hunter2"))
	assert.ErrorIs(t, CheckPassword(h, "wrong"), ErrInvalidCredentials)

	_, err = HashPassword("")
	assert.Error(t, err)
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	_, err := BearerToken(r)
	assert.ErrorIs(t, err, ErrMissingToken)

	r.Header.Set("Authorization", "Bearer abc.def")
	tok, err := BearerToken(r)
	require.NoError(t, err)
	assert.Equal(t, "abc.def", tok)

	r.Header.Set("Authorization", "Basic xyz")
	_, err = BearerToken(r)
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestPrincipalContext(t *testing.T) {
	assert.Nil(t, FromContext(context.Background()))
	p := &Principal{UserID: "u"}
	ctx := WithPrincipal(context.Background(), p)
	assert.Same(t, p, FromContext(ctx))
}
