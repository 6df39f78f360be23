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
	"github.com/rs/zerolog/log"

	"drawline/internal/domain"
	"drawline/internal/engine"
	"drawline/internal/engine/auth"
	"drawline/internal/repo"
)

type AuthConfig struct {
	JWTSecret string
	// AllowLegacyHeader accepts an unauthenticated X-Participant-Id header.
	AllowLegacyHeader bool
	// EnableDevLogin exposes POST /auth/dev/login, which mints tokens for
	// any existing participant.
	EnableDevLogin bool
	TokenTTL       time.Duration
}

// Principal is the authenticated caller before it is resolved to a session.
type Principal struct {
	ParticipantID string
	Admin         bool
	Source        string
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, huma.StatusError) {
	if p, ok := ctx.Value(principalKey{}).(Principal); ok && p.ParticipantID != "" {
		return p, nil
	}
	return Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

// sessionFromContext loads the calling participant. Admin mode needs both an
// admin request from the credential and a listing under admins in config.
func sessionFromContext(ctx context.Context, e engine.Engine) (domain.Session, error) {
	p, authErr := principalFromContext(ctx)
	if authErr != nil {
		return domain.Session{}, authErr
	}
	participant, err := e.Repo.GetParticipant(ctx, p.ParticipantID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Session{}, newAPIError(http.StatusUnauthorized, "unknown_participant", "participant not found", map[string]any{"participant_id": p.ParticipantID})
		}
		return domain.Session{}, err
	}
	if p.Admin && !e.Config.IsAdmin(participant.ID) {
		return domain.Session{}, auth.ForbiddenError{Action: "use admin mode"}
	}
	return domain.Session{Participant: participant, AdminMode: p.Admin}, nil
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Admin bool `json:"admin,omitempty"`
}

func authenticateJWT(token, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
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
	return Principal{ParticipantID: claims.Subject, Admin: claims.Admin, Source: "jwt"}, nil
}

func signDevToken(secret, participantID string, admin bool, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   participantID,
			Issuer:    "drawline-dev",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Admin: admin,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func authenticateAPIKey(ctx context.Context, r repo.Repo, key string) (Principal, error) {
	if strings.TrimSpace(key) == "" {
		return Principal{}, errors.New("api key required")
	}
	apiKey, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(key))
	if err != nil {
		return Principal{}, err
	}
	return Principal{ParticipantID: apiKey.ParticipantID, Source: "api_key"}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func adminHeader(req *http.Request) bool {
	v := strings.TrimSpace(req.Header.Get("X-Drawline-Admin"))
	return v == "1" || strings.EqualFold(v, "true")
}

func newAuthMiddleware(basePath string, cfg AuthConfig, r repo.Repo) func(http.Handler) http.Handler {
	public := map[string]string{
		path.Join(basePath, "health"):         http.MethodGet,
		path.Join(basePath, "auth/dev/login"): http.MethodPost,
		path.Join(basePath, "participants"):   http.MethodPost,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if method, ok := public[req.URL.Path]; ok && method == req.Method {
				next.ServeHTTP(w, req)
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			apiKeyHeader := strings.TrimSpace(req.Header.Get("X-Api-Key"))
			legacy := strings.TrimSpace(req.Header.Get("X-Participant-Id"))

			var principal Principal
			var err error
			switch {
			case authz != "":
				token, ok := bearerToken(authz)
				if !ok {
					err = errors.New("malformed authorization header")
					break
				}
				principal, err = authenticateJWT(token, cfg.JWTSecret)
			case apiKeyHeader != "":
				principal, err = authenticateAPIKey(req.Context(), r, apiKeyHeader)
				principal.Admin = adminHeader(req)
			case legacy != "" && cfg.AllowLegacyHeader:
				log.Warn().Str("participant", legacy).Msg("legacy X-Participant-Id header used without credentials")
				principal = Principal{ParticipantID: legacy, Admin: adminHeader(req), Source: "legacy_header"}
			default:
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
				return
			}
			if err != nil {
				log.Debug().Err(err).Str("path", req.URL.Path).Msg("authentication failed")
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
