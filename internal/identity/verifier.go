// Package identity verifies the signed identity tokens presented with each
// inbound request.
package identity

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"bedrock-chat/internal/integrations/paramstore"
)

const (
	cacheSize = 1024
	cacheTTL  = 5 * time.Minute
)

// ErrInvalidToken is returned for any token that fails verification.
var ErrInvalidToken = errors.New("identity: invalid token")

// Identity is the verified caller.
type Identity struct {
	UserID   string
	Email    string
	Username string
}

type claims struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

type cached struct {
	id        Identity
	expiresAt time.Time
}

var now = time.Now

// Verifier checks token signatures against the signing key held in Parameter
// Store. Verified identities are cached for five minutes, never past the
// token's own expiry.
type Verifier struct {
	params paramstore.Getter
	log    *slog.Logger
	cache  *expirable.LRU[string, cached]

	mu  sync.RWMutex
	key any
}

func NewVerifier(params paramstore.Getter, logger *slog.Logger) (*Verifier, error) {
	if params == nil {
		return nil, errors.New("identity: params must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		params: params,
		log:    logger,
		cache:  expirable.NewLRU[string, cached](cacheSize, nil, cacheTTL),
	}, nil
}

// Verify validates token and returns the caller identity.
func (v *Verifier) Verify(ctx context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, fmt.Errorf("%w: token is empty", ErrInvalidToken)
	}
	if c, ok := v.cache.Get(token); ok {
		if now().Before(c.expiresAt) {
			return c.id, nil
		}
		v.cache.Remove(token)
	}

	key, err := v.signingKey(ctx)
	if err != nil {
		return Identity{}, err
	}

	var cl claims
	_, err = jwt.ParseWithClaims(token, &cl, func(t *jwt.Token) (interface{}, error) {
		switch key.(type) {
		case []byte:
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
		case *rsa.PublicKey:
			if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
		}
		return key, nil
	}, jwt.WithExpirationRequired(), jwt.WithTimeFunc(now))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if cl.Subject == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	id := Identity{UserID: cl.Subject, Email: cl.Email, Username: cl.Username}
	v.cache.Add(token, cached{id: id, expiresAt: cl.ExpiresAt.Time})
	return id, nil
}

// Invalidate drops cached identities and the signing key, forcing both to be
// reloaded.
func (v *Verifier) Invalidate() {
	v.cache.Purge()
	v.mu.Lock()
	v.key = nil
	v.mu.Unlock()
}

// signingKey loads the key once; a failed load is retried on the next call.
func (v *Verifier) signingKey(ctx context.Context) (any, error) {
	v.mu.RLock()
	key := v.key
	v.mu.RUnlock()
	if key != nil {
		return key, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.key != nil {
		return v.key, nil
	}
	raw, err := v.params.GetParameter(ctx, paramstore.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("identity: load signing key: %w", err)
	}
	key, err = parseKey(raw)
	if err != nil {
		return nil, err
	}
	v.log.Info("identity signing key loaded", "type", fmt.Sprintf("%T", key))
	v.key = key
	return key, nil
}

// parseKey accepts a PEM encoded RSA public key or a shared HMAC secret.
func parseKey(raw string) (any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("identity: signing key is empty")
	}
	if strings.HasPrefix(raw, "-----BEGIN") {
		pub, err := jwt.ParseRSAPublicKeyFromPEM([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("identity: parse signing key: %w", err)
		}
		return pub, nil
	}
	return []byte(raw), nil
}
