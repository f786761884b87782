package identity

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) *Service {
	t.Helper()

	s, err := NewService(context.Background(), Config{
		Secret:      base64.StdEncoding.EncodeToString([]byte("test-secret")),
		TokenExpiry: time.Minute,
	})
	require.NoError(t, err)
	return s
}

func TestIssueAndResolve(t *testing.T) {
	s := newTestService(t)
	s.Register(Principal{ID: "alice", DisplayName: "Alice"})

	token, err := s.Issue("alice")
	require.NoError(t, err)

	principalID, err := s.Resolve(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", principalID)
}

func TestIssue_UnknownPrincipal(t *testing.T) {
	s := newTestService(t)

	_, err := s.Issue("nobody")
	assert.ErrorIs(t, err, ErrUnknownPrincipal)
}

func TestResolve_Invalid(t *testing.T) {
	s := newTestService(t)
	s.Register(Principal{ID: "alice"})

	token, err := s.Issue("alice")
	require.NoError(t, err)

	t.Run("garbage", func(t *testing.T) {
		_, err := s.Resolve("not-a-token")
		assert.ErrorIs(t, err, ErrUnauthenticated)
	})

	t.Run("tampered signature", func(t *testing.T) {
		nonce, _, ok := strings.Cut(token, ".")
		require.True(t, ok)
		_, err := s.Resolve(nonce + ".AAAA")
		assert.ErrorIs(t, err, ErrUnauthenticated)
	})

	t.Run("revoked", func(t *testing.T) {
		s.Revoke(token)
		_, err := s.Resolve(token)
		assert.ErrorIs(t, err, ErrUnauthenticated)
	})
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{Secret: "***not base64***"}
	assert.Error(t, cfg.Validate())

	cfg = Config{}
	assert.Error(t, cfg.Validate())

	cfg = Config{Secret: base64.StdEncoding.EncodeToString([]byte("k"))}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultTokenExpiry, cfg.TokenExpiry)
}
