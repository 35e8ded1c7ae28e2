package transport

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/wardflow/internal/config"
	"github.com/pitabwire/wardflow/model"
)

// LoadVerificationKey returns the key JWTAuthenticator verifies tokens
// against: the shared secret for HS256, or the PEM public key for RS256.
func LoadVerificationKey(cfg config.IdentityConfig) (any, error) {
	switch cfg.Algorithm {
	case "HS256":
		secret := os.Getenv(cfg.SecretEnv)
		if secret == "" {
			return nil, fmt.Errorf("auth: %s is empty", cfg.SecretEnv)
		}
		return []byte(secret), nil
	case "RS256":
		pem, err := os.ReadFile(cfg.PublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("auth: reading public key: %w", err)
		}
		key, err := jwt.ParseRSAPublicKeyFromPEM(pem)
		if err != nil {
			return nil, fmt.Errorf("auth: parsing public key: %w", err)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("auth: unsupported algorithm %q", cfg.Algorithm)
	}
}

// JWTAuthenticator returns middleware that verifies bearer tokens and
// stores their claims in the request context. Only cfg.Algorithm is
// accepted, so an RS256 public key can never be replayed as an HS256 secret.
func JWTAuthenticator(cfg config.IdentityConfig, key any) func(http.Handler) http.Handler {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{cfg.Algorithm}),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithAudience(cfg.Audience),
		jwt.WithLeeway(30*time.Second),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	keyFunc := func(*jwt.Token) (any, error) { return key, nil }

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, problem := bearerToken(r.Header.Get("Authorization"))
			if problem != "" {
				WriteError(w, model.NewUnauthorizedError(problem))
				return
			}

			claims := jwt.MapClaims{}
			if _, err := parser.ParseWithClaims(raw, claims, keyFunc); err != nil {
				WriteError(w, model.NewUnauthorizedError(rejectionMessage(err)))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// bearerToken extracts the token from an Authorization header value. The
// scheme is matched case-insensitively.
func bearerToken(header string) (token, problem string) {
	if header == "" {
		return "", "Missing authorization header"
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", "Invalid authorization header format"
	}
	return strings.TrimSpace(token), ""
}

// rejections are checked in order; the first match names the failure.
var rejections = []struct {
	err error
	msg string
}{
	{jwt.ErrTokenExpired, "Token expired"},
	{jwt.ErrTokenNotValidYet, "Token not yet valid"},
	{jwt.ErrTokenUsedBeforeIssued, "Token used before issued"},
	{jwt.ErrTokenRequiredClaimMissing, "Token is missing a required claim"},
	{jwt.ErrTokenInvalidIssuer, "Invalid token issuer"},
	{jwt.ErrTokenInvalidAudience, "Invalid token audience"},
	{jwt.ErrTokenMalformed, "Malformed token"},
}

func rejectionMessage(err error) string {
	for _, rj := range rejections {
		if errors.Is(err, rj.err) {
			return rj.msg
		}
	}
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
		// The parser reports a disallowed alg as an invalid signature.
		if strings.Contains(err.Error(), "signing method") {
			return "Disallowed signing algorithm"
		}
		return "Invalid token signature"
	}
	return "Invalid token"
}
