// Package auth adapts the external identity provider to the Trade API. The
// provider issues HS256 bearer tokens whose subject is the account ID; this
// package only verifies them and carries the subject on the request context.
package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	ErrMissingToken = errors.New("auth: authorization header required")
	ErrInvalidToken = errors.New("auth: invalid token")
)

type contextKey struct{}

// WithAccount returns a copy of ctx carrying the authenticated account ID.
func WithAccount(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, contextKey{}, accountID)
}

// AccountFromContext returns the authenticated account ID, if any.
func AccountFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(contextKey{}).(string)
	return id, ok && id != ""
}

// Verifier validates bearer tokens signed with a shared secret.
type Verifier struct {
	secret []byte
	leeway time.Duration
}

// NewVerifier creates a verifier for HS256 tokens signed with secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret), leeway: 30 * time.Second}
}

// Verify parses token and returns its subject.
func (v *Verifier) Verify(token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(v.leeway),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", errors.Wrap(ErrInvalidToken, err.Error())
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", errors.Wrap(ErrInvalidToken, "missing subject")
	}
	return claims.Subject, nil
}

// Issue signs a token for subject valid for ttl. Used by operator tooling
// and tests; production tokens come from the identity provider.
func Issue(secret, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	signed, err := token.SignedString([]byte(secret))
	return signed, errors.Wrap(err, "sign token")
}

// Middleware rejects requests without a valid bearer token and stores the
// token subject on the request context.
func (v *Verifier) Middleware(logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := bearerToken(r)
			if err == nil {
				var sub string
				if sub, err = v.Verify(token); err == nil {
					next.ServeHTTP(w, r.WithContext(WithAccount(r.Context(), sub)))
					return
				}
			}
			logger.Debug("request unauthorized", zap.String("path", r.URL.Path), zap.Error(err))
			writeUnauthorized(w, err)
		})
	}
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingToken
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", errors.Wrap(ErrInvalidToken, "malformed authorization header")
	}
	return strings.TrimSpace(parts[1]), nil
}

func writeUnauthorized(w http.ResponseWriter, err error) {
	msg := "invalid token"
	if errors.Is(err, ErrMissingToken) {
		msg = "authorization header required"
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="settlement"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]any{"error": msg, "kind": "Unauthorized", "retryable": false})
}
