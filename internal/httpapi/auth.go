package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/parlakisik/campus-exchange/internal/service"
)

var errUnauthenticated = errors.New("unauthenticated")

// Claims carried by actor tokens. Subject is the user or service id.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator resolves the caller from a bearer token. With no secret
// configured it trusts X-User-ID and X-User-Role instead, which config only
// permits outside production.
type Authenticator struct {
	secret       []byte
	allowHeaders bool
}

func NewAuthenticator(secret string, allowHeaders bool) *Authenticator {
	return &Authenticator{secret: []byte(secret), allowHeaders: allowHeaders}
}

// Sign issues a token for subject. Used by internal callers and tests.
func (a *Authenticator) Sign(claims Claims) (string, error) {
	if len(a.secret) == 0 {
		return "", errors.New("jwt secret is not configured")
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *Authenticator) authenticate(r *http.Request) (service.Actor, error) {
	header := r.Header.Get("Authorization")
	if header != "" && len(a.secret) > 0 {
		return a.parseBearer(header)
	}
	if a.allowHeaders {
		id := strings.TrimSpace(r.Header.Get("X-User-ID"))
		if id == "" {
			return service.Actor{}, fmt.Errorf("%w: X-User-ID header is required", errUnauthenticated)
		}
		role, err := parseRole(r.Header.Get("X-User-Role"))
		if err != nil {
			return service.Actor{}, err
		}
		return service.Actor{ID: id, Role: role}, nil
	}
	return service.Actor{}, fmt.Errorf("%w: authorization token not provided", errUnauthenticated)
}

func (a *Authenticator) parseBearer(header string) (service.Actor, error) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return service.Actor{}, fmt.Errorf("%w: invalid Authorization header format", errUnauthenticated)
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(parts[1], &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return service.Actor{}, fmt.Errorf("%w: invalid or expired token", errUnauthenticated)
	}
	if claims.Subject == "" {
		return service.Actor{}, fmt.Errorf("%w: token has no subject", errUnauthenticated)
	}
	role, err := parseRole(claims.Role)
	if err != nil {
		return service.Actor{}, err
	}
	return service.Actor{ID: claims.Subject, Role: role}, nil
}

func parseRole(raw string) (service.Role, error) {
	switch role := service.Role(strings.ToLower(strings.TrimSpace(raw))); role {
	case "":
		return service.RoleUser, nil
	case service.RoleUser, service.RoleAdmin, service.RoleService:
		return role, nil
	default:
		return "", fmt.Errorf("%w: unknown role %q", errUnauthenticated, raw)
	}
}

// Middleware rejects unauthenticated requests with 401.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, err := a.authenticate(r)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, apiError{
				Code:    "unauthenticated",
				Kind:    string(service.KindAuthorization),
				Message: strings.TrimPrefix(err.Error(), errUnauthenticated.Error()+": "),
			})
			return
		}
		if info := requestInfoFrom(r.Context()); info != nil {
			info.actor = actor
			info.authd = true
		}
		next.ServeHTTP(w, r)
	})
}
