package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/canukguy1974/franky-ai/internal/logger"
	"github.com/canukguy1974/franky-ai/internal/repo"
)

const defaultActor = "local-user"

// AuthConfig controls request authentication. With an empty JWTSecret the API
// is open and the X-Actor-Id header, if any, names the caller.
type AuthConfig struct {
	JWTSecret string
	Logger    logger.Logger
}

func (c AuthConfig) enforced() bool {
	return strings.TrimSpace(c.JWTSecret) != ""
}

type Principal struct {
	ActorID string
	Source  string
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func actorIDFromContext(ctx context.Context) (string, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.ActorID != "" {
		return p.ActorID, nil
	}
	return "", newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

type jwtClaims struct {
	jwt.RegisteredClaims
}

// SignToken mints an HS256 token for actorID.
func SignToken(secret, actorID string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if strings.TrimSpace(actorID) == "" {
		return "", errors.New("actor id required")
	}
	now := time.Now()
	claims := jwtClaims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:  actorID,
		IssuedAt: jwt.NewNumericDate(now),
	}}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func authenticateJWT(token string, secret string) (Principal, error) {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	return Principal{ActorID: claims.Subject, Source: "jwt"}, nil
}

func authenticateAPIKey(ctx context.Context, r repo.Repo, key string) (Principal, error) {
	apiKey, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(key))
	if err != nil {
		return Principal{}, err
	}
	if apiKey.ActorID == "" {
		return Principal{}, errors.New("api key missing actor")
	}
	return Principal{ActorID: apiKey.ActorID, Source: "api_key"}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath string, cfg AuthConfig, r repo.Repo) func(http.Handler) http.Handler {
	open := map[string]bool{
		path.Join(basePath, "health"):       true,
		path.Join(basePath, "openapi.json"): true,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !strings.HasPrefix(req.URL.Path, basePath) || open[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}
			if !cfg.enforced() {
				actor := strings.TrimSpace(req.Header.Get("X-Actor-Id"))
				if actor == "" {
					actor = defaultActor
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), Principal{ActorID: actor, Source: "header"})))
				return
			}

			var (
				principal Principal
				err       error
			)
			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			apiKey := strings.TrimSpace(req.Header.Get("X-Api-Key"))
			switch {
			case authz != "":
				token, ok := bearerToken(authz)
				if !ok {
					err = errors.New("malformed authorization header")
					break
				}
				principal, err = authenticateJWT(token, cfg.JWTSecret)
			case apiKey != "":
				principal, err = authenticateAPIKey(req.Context(), r, apiKey)
			default:
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
				return
			}
			if err != nil {
				if cfg.Logger != nil {
					cfg.Logger.Debug("rejected credentials", "path", req.URL.Path, "err", err)
				}
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
				return
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	_ = json.NewEncoder(w).Encode(err)
}
