package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/huddle-chat/huddle/internal/errors"
	"github.com/huddle-chat/huddle/internal/storage"
)

type userContextKey struct{}

type accessClaims struct {
	UserID string `json:"userId"`
	jwt.RegisteredClaims
}

// Authenticator validates bearer tokens and resolves them to stored users.
type Authenticator struct {
	secret []byte
	users  storage.UserStore
}

// NewAuthenticator creates a bearer-token authenticator.
func NewAuthenticator(secret string, users storage.UserStore) (*Authenticator, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("jwt secret is required")
	}
	return &Authenticator{secret: []byte(secret), users: users}, nil
}

// IssueToken signs an access token for the given user id.
func (a *Authenticator) IssueToken(userID string, ttl time.Duration) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", apperrors.New(apperrors.CodeUserIDEmpty, "user id is required")
	}
	now := time.Now()
	claims := accessClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Middleware rejects requests without a valid bearer token for an existing
// user and stores the resolved user on the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, apperrors.New(apperrors.CodeUnauthorized, "authorization required"))
			return
		}
		raw := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))

		var claims accessClaims
		_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return a.secret, nil
		})
		if err != nil {
			writeError(w, apperrors.Wrap(apperrors.CodeUnauthorized, "invalid access token", err))
			return
		}

		userID := strings.TrimSpace(claims.UserID)
		if userID == "" {
			userID = strings.TrimSpace(claims.Subject)
		}
		if userID == "" {
			writeError(w, apperrors.New(apperrors.CodeUnauthorized, "token carries no user id"))
			return
		}

		user, err := a.users.GetUser(r.Context(), userID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				writeError(w, apperrors.New(apperrors.CodeUserNotFound, "user does not exist"))
				return
			}
			writeError(w, err)
			return
		}

		ctx := context.WithValue(r.Context(), userContextKey{}, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// userFrom returns the authenticated user stored by the middleware.
func userFrom(ctx context.Context) (storage.User, bool) {
	user, ok := ctx.Value(userContextKey{}).(storage.User)
	return user, ok
}
