package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/samma/market-engine/internal/access"
)

// Claims are the bearer token claims. The subject is the user id.
type Claims struct {
	Staff bool `json:"is_staff"`
	jwt.RegisteredClaims
}

type actorKey struct{}

// ActorFrom returns the authenticated actor, or the anonymous actor.
func ActorFrom(ctx context.Context) access.Actor {
	a, _ := ctx.Value(actorKey{}).(access.Actor)
	return a
}

// WithActor returns a context carrying a.
func WithActor(ctx context.Context, a access.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// IssueToken signs an HS256 token for a.
func IssueToken(secret []byte, a access.Actor, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Staff: a.Staff,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   a.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ParseToken verifies tokenStr and returns its actor.
func ParseToken(secret []byte, tokenStr string) (access.Actor, error) {
	if len(secret) == 0 {
		return access.Actor{}, errors.New("token authentication is not configured")
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return access.Actor{}, err
	}
	if claims.Subject == "" {
		return access.Actor{}, errors.New("token has no subject")
	}
	return access.Actor{ID: claims.Subject, Staff: claims.Staff}, nil
}

// Authenticate resolves the bearer token, if any, into the request's actor.
// Requests without a token proceed anonymously; an invalid token is rejected.
// Browsers cannot set headers on WebSocket upgrades, so a "token" query
// parameter is accepted too.
func Authenticate(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr := r.URL.Query().Get("token")
			if h := r.Header.Get("Authorization"); h != "" {
				var ok bool
				tokenStr, ok = strings.CutPrefix(h, "Bearer ")
				if !ok {
					writeError(w, "authorization header must be a bearer token", http.StatusUnauthorized)
					return
				}
			}
			if tokenStr == "" {
				next.ServeHTTP(w, r)
				return
			}

			actor, err := ParseToken(secret, tokenStr)
			if err != nil {
				writeError(w, "invalid token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}
