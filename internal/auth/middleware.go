package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/loan-adjustments/pkg/audit"
)

type authInfoKey struct{}

type AuthInfo struct {
	ClientID string
	Scopes   map[string]struct{}
}

// HasScope reports whether the token was granted scope.
func (ai *AuthInfo) HasScope(scope string) bool {
	_, ok := ai.Scopes[scope]
	return ok
}

func AuthInfoFromContext(ctx context.Context) (*AuthInfo, bool) {
	ai, ok := ctx.Value(authInfoKey{}).(*AuthInfo)
	return ai, ok
}

// ContextWithAuthInfo attaches ai to ctx and records the client as the
// actor of audit events.
func ContextWithAuthInfo(ctx context.Context, ai *AuthInfo) context.Context {
	ctx = context.WithValue(ctx, authInfoKey{}, ai)
	return audit.WithActor(ctx, ai.ClientID)
}

type JWTValidator struct {
	KeySet *KeySet
	Issuer string
}

func (v *JWTValidator) Validate(tokenString string) (*AccessTokenClaims, error) {
	if v.KeySet == nil || v.KeySet.PublicKey() == nil {
		return nil, errors.New("missing keyset")
	}

	claims := &AccessTokenClaims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return v.KeySet.PublicKey(), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	if !tok.Valid {
		return nil, errors.New("invalid token")
	}
	if v.Issuer != "" && claims.Issuer != v.Issuer {
		return nil, errors.New("invalid issuer")
	}
	return claims, nil
}

func Authenticate(v *JWTValidator, onError func(http.ResponseWriter, *http.Request, int, string)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v == nil {
				onError(w, r, http.StatusUnauthorized, "unauthorized")
				return
			}

			authz := r.Header.Get("Authorization")
			if len(authz) < len("Bearer ") || !strings.EqualFold(authz[:len("Bearer ")], "bearer ") {
				onError(w, r, http.StatusUnauthorized, "unauthorized")
				return
			}

			claims, err := v.Validate(strings.TrimSpace(authz[len("Bearer "):]))
			if err != nil {
				onError(w, r, http.StatusUnauthorized, "unauthorized")
				return
			}

			scopes := make(map[string]struct{}, len(claims.Scopes))
			for _, s := range claims.Scopes {
				scopes[s] = struct{}{}
			}

			ai := &AuthInfo{ClientID: claims.ClientID, Scopes: scopes}
			next.ServeHTTP(w, r.WithContext(ContextWithAuthInfo(r.Context(), ai)))
		})
	}
}

func RequireScopes(onError func(http.ResponseWriter, *http.Request, int, string), required ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ai, ok := AuthInfoFromContext(r.Context())
			if !ok {
				onError(w, r, http.StatusUnauthorized, "unauthorized")
				return
			}

			for _, s := range required {
				if !ai.HasScope(s) {
					onError(w, r, http.StatusForbidden, "forbidden")
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}
