package identity

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/c-pro/geche"
	"github.com/google/uuid"
)

const DefaultTokenExpiry = 12 * time.Hour

var (
	ErrUnauthenticated  = errors.New("invalid or expired token")
	ErrUnknownPrincipal = errors.New("unknown principal")
)

// Principal is the opaque identity this engine consumes. Account management
// lives in an external collaborator; this service only resolves bearer
// tokens back to principal ids.
type Principal struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

type Config struct {
	// Secret is the base64-encoded HMAC key tokens are signed with.
	Secret      string
	secretBytes []byte
	TokenExpiry time.Duration
}

func (c *Config) Validate() error {
	if c.Secret == "" {
		return errors.New("secret is required")
	}

	var err error
	c.secretBytes, err = base64.StdEncoding.DecodeString(c.Secret)
	if err != nil {
		return fmt.Errorf("identity secret is not a valid base64: %w", err)
	}

	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}

	return nil
}

type Service struct {
	Config
	principals *geche.Locker[string, *Principal]
	liveTokens geche.Geche[string, string]
}

func NewService(ctx context.Context, config Config) (*Service, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Service{
		Config:     config,
		principals: geche.NewLocker[string, *Principal](geche.NewMapCache[string, *Principal]()),
		liveTokens: geche.NewMapTTLCache[string, string](ctx, config.TokenExpiry, time.Minute),
	}, nil
}

// Register makes a principal known to the resolver. Re-registering updates
// the display name.
func (s *Service) Register(p Principal) {
	tx := s.principals.Lock()
	defer tx.Unlock()
	tx.Set(p.ID, &p)
}

// Principal looks up a registered principal by id.
func (s *Service) Principal(id string) (Principal, error) {
	tx := s.principals.Lock()
	defer tx.Unlock()
	p, err := tx.Get(id)
	if err != nil {
		return Principal{}, ErrUnknownPrincipal
	}
	return *p, nil
}

// Issue mints a signed bearer token for the principal. The token stays
// resolvable for the configured expiry.
func (s *Service) Issue(principalID string) (string, error) {
	if _, err := s.Principal(principalID); err != nil {
		return "", err
	}

	nonce := uuid.NewString()
	token := nonce + "." + s.sign(nonce)
	s.liveTokens.Set(token, principalID)

	return token, nil
}

// Resolve maps a bearer token back to the current principal id.
func (s *Service) Resolve(token string) (string, error) {
	nonce, sig, ok := strings.Cut(token, ".")
	if !ok || !hmac.Equal([]byte(sig), []byte(s.sign(nonce))) {
		return "", ErrUnauthenticated
	}

	principalID, err := s.liveTokens.Get(token)
	if err != nil {
		return "", ErrUnauthenticated
	}

	return principalID, nil
}

// Revoke invalidates a live token. Unknown tokens are a no-op.
func (s *Service) Revoke(token string) {
	_ = s.liveTokens.Del(token)
}

func (s *Service) sign(nonce string) string {
	h := hmac.New(sha512.New, s.secretBytes)
	h.Write([]byte(nonce))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil)[:16])
}
