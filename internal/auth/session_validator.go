package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/kiosk/internal/catalog"
	"github.com/golang-jwt/jwt/v5"
)

// AccessTokenQueryParameter carries the session token on requests that
// cannot set headers, such as EventSource streams.
const AccessTokenQueryParameter = "access_token"

var (
	ErrMissingSessionToken   = errors.New("session validator: token required")
	ErrInvalidSessionToken   = errors.New("session validator: invalid token")
	ErrExpiredSessionToken   = errors.New("session validator: token expired")
	ErrMissingSessionSubject = errors.New("session validator: subject required")
	ErrInvalidCredentials    = errors.New("session validator: invalid credentials")
)

// SessionClaims is the JWT payload of an admin session.
type SessionClaims struct {
	AdminID string `json:"admin_id"`
	Name    string `json:"name"`
	Role    string `json:"role"`
	jwt.RegisteredClaims
}

// Elevated reports whether the session may write to shared storage.
func (c SessionClaims) Elevated() bool {
	return catalog.IsElevatedRole(c.Role)
}

// TokenValidator validates session JWTs.
type TokenValidator interface {
	ValidateToken(token string) (SessionClaims, error)
}

// SessionValidator extracts and validates the session token of a request.
// The Authorization bearer header wins over the cookie and the query
// parameter.
type SessionValidator struct {
	tokens     TokenValidator
	cookieName string
}

// NewSessionValidator constructs a validator. An empty cookie name disables
// cookie lookups.
func NewSessionValidator(tokens TokenValidator, cookieName string) *SessionValidator {
	return &SessionValidator{tokens: tokens, cookieName: strings.TrimSpace(cookieName)}
}

// CookieName returns the cookie name configured for session lookups.
func (v *SessionValidator) CookieName() string {
	return v.cookieName
}

// ValidateRequest extracts the session token from the request and validates it.
func (v *SessionValidator) ValidateRequest(r *http.Request) (SessionClaims, error) {
	if r == nil {
		return SessionClaims{}, ErrMissingSessionToken
	}
	return v.tokens.ValidateToken(requestToken(r, v.cookieName))
}

func requestToken(r *http.Request, cookieName string) string {
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if cookieName != "" {
		if cookie, err := r.Cookie(cookieName); err == nil && cookie != nil {
			return cookie.Value
		}
	}
	return r.URL.Query().Get(AccessTokenQueryParameter)
}

// AdminDirectory lists the admin accounts that may sign in.
type AdminDirectory interface {
	ActiveAdmins() []catalog.AdminUser
}

// AuthenticatePIN returns the active admin whose name and PIN match.
func AuthenticatePIN(_ context.Context, directory AdminDirectory, name, pin string) (catalog.AdminUser, error) {
	name = strings.TrimSpace(name)
	if name == "" || pin == "" {
		return catalog.AdminUser{}, ErrInvalidCredentials
	}
	for _, admin := range directory.ActiveAdmins() {
		if !strings.EqualFold(strings.TrimSpace(admin.Name), name) {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(admin.PIN), []byte(pin)) == 1 {
			return admin, nil
		}
	}
	return catalog.AdminUser{}, ErrInvalidCredentials
}
