// Package auth issues and verifies the bearer tokens that guard both the
// HTTP surface and the WebSocket upgrade.
package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/omnidesk/omnidesk/internal/errdefs"
	"github.com/omnidesk/omnidesk/internal/store"
)

// Service registers users, checks credentials and mints tokens.
type Service struct {
	users    store.UserStore
	secret   []byte
	tokenTTL time.Duration
}

// NewService builds an auth service. The secret must be non-empty.
func NewService(users store.UserStore, secret string, tokenTTL time.Duration) (*Service, error) {
	if secret == "" {
		return nil, fmt.Errorf("auth: jwt secret is required")
	}
	if tokenTTL <= 0 {
		tokenTTL = 12 * time.Hour
	}
	return &Service{users: users, secret: []byte(secret), tokenTTL: tokenTTL}, nil
}

// Register creates a user with a bcrypt-hashed password and returns it with
// a fresh token.
func (s *Service) Register(ctx context.Context, name, email, password string) (store.User, string, error) {
	name = strings.TrimSpace(name)
	email = strings.ToLower(strings.TrimSpace(email))
	if name == "" || email == "" || len(password) < 6 {
		return store.User{}, "", errdefs.New(errdefs.Invalid, "name, email and a password of 6+ chars are required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return store.User{}, "", fmt.Errorf("hash password: %w", err)
	}
	u, err := s.users.Create(ctx, store.User{Name: name, Email: email, PasswordHash: string(hash)})
	if err != nil {
		return store.User{}, "", err
	}
	token, err := s.mint(u.ID)
	if err != nil {
		return store.User{}, "", err
	}
	return u, token, nil
}

// Login checks credentials and returns the user with a fresh token.
// Unknown email and wrong password are indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, email, password string) (store.User, string, error) {
	u, err := s.users.ByEmail(ctx, email)
	if err != nil {
		return store.User{}, "", errdefs.New(errdefs.AuthInvalid, "invalid credentials")
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return store.User{}, "", errdefs.New(errdefs.AuthInvalid, "invalid credentials")
	}
	token, err := s.mint(u.ID)
	if err != nil {
		return store.User{}, "", err
	}
	return u, token, nil
}

// Verify parses a bearer token and returns the authenticated user id.
func (s *Service) Verify(tokenStr string) (string, error) {
	if tokenStr == "" {
		return "", errdefs.New(errdefs.AuthRequired, "missing token")
	}
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return "", errdefs.Wrap(errdefs.AuthInvalid, "invalid token", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errdefs.New(errdefs.AuthInvalid, "invalid token")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", errdefs.New(errdefs.AuthInvalid, "invalid token")
	}
	return sub, nil
}

func (s *Service) mint(userID string) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(s.tokenTTL).Unix(),
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
