package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var ErrClientNotFound = errors.New("client not found")

// Client is an OAuth client allowed to call the API with the
// client_credentials grant.
type Client struct {
	ID         string
	SecretHash string
	Scopes     []string
}

type ClientStore interface {
	GetClient(ctx context.Context, clientID string) (*Client, error)
}

type OAuthServer struct {
	Store          ClientStore
	Keys           *KeySet
	Issuer         string
	AccessTokenTTL time.Duration
	Logger         *slog.Logger
}

type AccessTokenClaims struct {
	jwt.RegisteredClaims
	ClientID string   `json:"client_id"`
	Scopes   []string `json:"scopes"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope,omitempty"`
}

func HashClientSecret(secret string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func VerifyClientSecret(hash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}

func (s *OAuthServer) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// TokenHandler implements the client_credentials grant. Credentials come
// from HTTP Basic auth or the client_id/client_secret form fields.
func (s *OAuthServer) TokenHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	if r.PostFormValue("grant_type") != "client_credentials" {
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type")
		return
	}

	clientID, clientSecret, ok := r.BasicAuth()
	if !ok {
		clientID = r.PostFormValue("client_id")
		clientSecret = r.PostFormValue("client_secret")
	}
	if clientID == "" || clientSecret == "" {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client")
		return
	}

	client, err := s.Store.GetClient(r.Context(), clientID)
	if err != nil || client == nil {
		if err != nil && !errors.Is(err, ErrClientNotFound) {
			s.logger().Error("client lookup failed", "client_id", clientID, "error", err)
		}
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client")
		return
	}
	if !VerifyClientSecret(client.SecretHash, clientSecret) {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client")
		return
	}

	requested := strings.Fields(r.PostFormValue("scope"))
	granted := intersectScopes(client.Scopes, requested)
	if len(requested) > 0 && len(granted) == 0 {
		writeOAuthError(w, http.StatusForbidden, "invalid_scope")
		return
	}

	ttl := s.AccessTokenTTL
	if ttl == 0 {
		ttl = 15 * time.Minute
	}
	now := time.Now()

	claims := AccessTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.Issuer,
			Subject:   client.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		ClientID: client.ID,
		Scopes:   granted,
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = s.Keys.KeyID()

	signed, err := tok.SignedString(s.Keys.PrivateKey())
	if err != nil {
		s.logger().Error("failed to sign access token", "client_id", client.ID, "error", err)
		writeOAuthError(w, http.StatusInternalServerError, "server_error")
		return
	}

	s.logger().Info("access token issued", "client_id", client.ID, "scopes", granted, "jti", claims.ID)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(TokenResponse{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int64(ttl.Seconds()),
		Scope:       strings.Join(granted, " "),
	})
}

func (s *OAuthServer) JWKSHandler(w http.ResponseWriter, r *http.Request) {
	jwks, err := s.Keys.JWKS()
	if err != nil {
		writeOAuthError(w, http.StatusInternalServerError, "server_error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(jwks)
}

func writeOAuthError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}

// intersectScopes grants every allowed scope when none are requested,
// otherwise the requested ones the client holds.
func intersectScopes(allowed []string, requested []string) []string {
	allowedSet := map[string]struct{}{}
	for _, s := range allowed {
		if s = strings.TrimSpace(s); s != "" {
			allowedSet[s] = struct{}{}
		}
	}

	if len(requested) == 0 {
		out := make([]string, 0, len(allowedSet))
		for s := range allowedSet {
			out = append(out, s)
		}
		sort.Strings(out)
		return out
	}

	var out []string
	for _, s := range requested {
		if _, ok := allowedSet[s]; ok {
			out = append(out, s)
		}
	}
	return out
}
