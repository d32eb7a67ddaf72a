package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	tokenAudience = "sheetmirror"

	ScopeAdminRead  = "admin:read"
	ScopeAdminWrite = "admin:write"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// AdminClaims are the claims of an admin bearer token.
type AdminClaims struct {
	Scopes scopes `json:"scopes"`
	jwt.RegisteredClaims
}

// scopes accepts a JSON list or a space separated string.
type scopes map[string]struct{}

func (s *scopes) UnmarshalJSON(data []byte) error {
	out := scopes{}
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		for _, scope := range list {
			if scope = strings.TrimSpace(scope); scope != "" {
				out[scope] = struct{}{}
			}
		}
		*s = out
		return nil
	}
	var joined string
	if err := json.Unmarshal(data, &joined); err != nil {
		return errors.New("scopes must be a list or a string")
	}
	for _, scope := range strings.Fields(joined) {
		out[scope] = struct{}{}
	}
	*s = out
	return nil
}

type claimsKey struct{}

// IssueAdminToken signs an HS256 admin token. The CLI uses it to mint tokens
// for the dashboard.
func IssueAdminToken(secret, subject string, grant []string, ttl time.Duration, now time.Time) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret is required")
	}
	claims := jwt.MapClaims{
		"sub":    subject,
		"scopes": grant,
		"aud":    tokenAudience,
		"iat":    now.Unix(),
		"exp":    now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func parseBearer(raw, secret string, now time.Time) (*AdminClaims, *authError) {
	if raw == "" {
		return nil, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing or invalid bearer token"}
	}
	claims := &AdminClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(tokenAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "token expired"}
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return nil, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "jwt signature mismatch"}
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return nil, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "invalid aud claim"}
	default:
		return nil, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "invalid bearer token"}
	}
	if len(claims.Scopes) == 0 {
		return nil, &authError{status: http.StatusForbidden, code: "forbidden", message: "no scopes granted"}
	}
	return claims, nil
}

// bearerToken reads the Authorization header. Browsers cannot set headers on
// websocket upgrades, so the events feed also accepts ?access_token=.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return strings.TrimSpace(r.URL.Query().Get("access_token"))
	}
	return ""
}

// requireScope guards admin routes. With no secret configured every request
// passes.
func (s *Server) requireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.cfg.JWTSecret == "" {
				next.ServeHTTP(w, r)
				return
			}
			claims, authErr := parseBearer(bearerToken(r), s.cfg.JWTSecret, s.now())
			if authErr == nil {
				if _, ok := claims.Scopes[scope]; !ok {
					authErr = &authError{status: http.StatusForbidden, code: "forbidden", message: "missing required scope: " + scope}
				}
			}
			if authErr != nil {
				writeError(w, authErr.status, authErr.code, authErr.message, correlationID(r.Context()))
				return
			}
			ctx := context.WithValue(r.Context(), claimsKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func claimsFrom(ctx context.Context) *AdminClaims {
	claims, _ := ctx.Value(claimsKey{}).(*AdminClaims)
	return claims
}
