package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"teammanage/internal/repo"
)

// AuthConfig controls how incoming requests are authenticated.
type AuthConfig struct {
	JWTSecret               string
	AllowLegacyUserIDHeader bool
	Logger                  *log.Logger
}

// Principal is the authenticated caller attached to the request context.
type Principal struct {
	UserID string
	Role   string
	Source string // "jwt", "api_key" or "header"
}

type principalKey struct{}

// PrincipalFromContext returns the authenticated principal, if any.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

func authenticateJWT(secret, token string) (Principal, error) {
	if secret == "" {
		return Principal{}, errors.New("jwt auth disabled: no secret configured")
	}
	claims := &jwtClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("token missing subject")
	}
	return Principal{UserID: claims.Subject, Role: claims.Role, Source: "jwt"}, nil
}

// signDevToken mints a short-lived HS256 token for local development.
func signDevToken(secret, userID, role string) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret not configured")
	}
	now := time.Now().UTC()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(24 * time.Hour)),
		},
		Role: role,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func authenticateAPIKey(ctx context.Context, r repo.Repo, raw string) (Principal, error) {
	key, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(raw))
	if err != nil {
		return Principal{}, err
	}
	role := ""
	if u, err := r.GetUser(ctx, key.UserID); err == nil {
		role = u.Role
	}
	return Principal{UserID: key.UserID, Role: role, Source: "api_key"}, nil
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", false
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return strings.TrimSpace(parts[1]), true
}

func isAuthExempt(path string) bool {
	if strings.HasSuffix(path, "/health") {
		return true
	}
	if strings.HasSuffix(path, "/auth/dev/login") {
		return true
	}
	if strings.HasSuffix(path, "/openapi.json") || strings.HasSuffix(path, "/docs") {
		return true
	}
	return false
}

func newAuthMiddleware(cfg AuthConfig, store repo.Repo) func(http.Handler) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isAuthExempt(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			if token, ok := bearerToken(r); ok {
				p, err := authenticateJWT(cfg.JWTSecret, token)
				if err != nil {
					respondStatusError(w, http.StatusUnauthorized, "unauthorized", "invalid bearer token")
					return
				}
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
				return
			}
			if raw := r.Header.Get("X-Api-Key"); raw != "" {
				p, err := authenticateAPIKey(r.Context(), store, raw)
				if err != nil {
					respondStatusError(w, http.StatusUnauthorized, "unauthorized", "invalid api key")
					return
				}
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
				return
			}
			if cfg.AllowLegacyUserIDHeader {
				if userID := strings.TrimSpace(r.Header.Get("X-User-Id")); userID != "" {
					logger.Printf("auth: accepting legacy X-User-Id header for %s", userID)
					p := Principal{UserID: userID, Source: "header"}
					if u, err := store.GetUser(r.Context(), userID); err == nil {
						p.Role = u.Role
					}
					next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
					return
				}
			}
			respondStatusError(w, http.StatusUnauthorized, "unauthorized", "missing credentials")
		})
	}
}

func respondStatusError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"code":    code,
		"message": message,
	})
}
