package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"fleetview/internal/session"

	"github.com/golang-jwt/jwt/v5"
	log "github.com/sirupsen/logrus"
)

type contextKey string

const (
	UserContextKey       contextKey = "user"
	CredentialContextKey contextKey = "credential"
)

var (
	ErrNoToken      = errors.New("no token presented")
	ErrInvalidToken = errors.New("invalid token")
)

type UserClaims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Role   string `json:"role"`
}

// Authenticator validates dashboard JWTs and captures the credential that is
// forwarded to the backend.
type Authenticator struct {
	secret     []byte
	cookieName string
}

func NewAuthenticator(secret, cookieName string) *Authenticator {
	return &Authenticator{secret: []byte(secret), cookieName: cookieName}
}

// Authenticate reads the token from the Authorization header, the token query
// parameter or the session cookie, in that order. A token read from the cookie
// is forwarded to the backend as that cookie only.
func (a *Authenticator) Authenticate(r *http.Request) (UserClaims, session.Credential, error) {
	tokenString, fromCookie := a.extractToken(r)
	if tokenString == "" {
		return UserClaims{}, session.Credential{}, ErrNoToken
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return UserClaims{}, session.Credential{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return UserClaims{}, session.Credential{}, ErrInvalidToken
	}

	userClaims := UserClaims{
		UserID: stringClaim(claims, "user_id"),
		Email:  stringClaim(claims, "email"),
		Role:   stringClaim(claims, "role"),
	}
	if userClaims.UserID == "" {
		return UserClaims{}, session.Credential{}, fmt.Errorf("%w: missing user_id", ErrInvalidToken)
	}

	bearer := tokenString
	if fromCookie {
		bearer = ""
	}
	return userClaims, session.FromRequest(r, bearer, a.cookieName), nil
}

// Auth middleware validates the JWT and adds user claims and credential to context
func (a *Authenticator) Auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userClaims, cred, err := a.Authenticate(r)
		if err != nil {
			log.WithField("path", r.URL.Path).Warnf("❌ Unauthorized: %v", err)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		log.WithField("path", r.URL.Path).Debugf("🔐 Authenticated: %s (%s)", userClaims.Email, userClaims.Role)

		ctx := context.WithValue(r.Context(), UserContextKey, userClaims)
		ctx = context.WithValue(ctx, CredentialContextKey, cred)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole middleware checks if user has required role (must be used after Auth)
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userClaims, ok := GetUserFromContext(r)
			if !ok {
				log.Warn("❌ User claims not found in context")
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			if userClaims.Role != role {
				log.Warnf("❌ Insufficient permissions: required %s, got %s", role, userClaims.Role)
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// GetUserFromContext extracts user claims from request context
func GetUserFromContext(r *http.Request) (UserClaims, bool) {
	userClaims, ok := r.Context().Value(UserContextKey).(UserClaims)
	return userClaims, ok
}

// GetCredentialFromContext returns the backend credential captured by Auth.
func GetCredentialFromContext(r *http.Request) (session.Credential, bool) {
	cred, ok := r.Context().Value(CredentialContextKey).(session.Credential)
	return cred, ok
}

func (a *Authenticator) extractToken(r *http.Request) (token string, fromCookie bool) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1], false
		}
		return "", false
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, false
	}
	if a.cookieName != "" {
		if cookie, err := r.Cookie(a.cookieName); err == nil {
			return cookie.Value, true
		}
	}
	return "", false
}

func stringClaim(claims jwt.MapClaims, key string) string {
	s, _ := claims[key].(string)
	return s
}
