// Copyright (c) 2025-2026 The Dropforge developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package system

import (
	"fmt"
	"strings"
	"time"

	"github.com/dgrijalva/jwt-go"
	"golang.org/x/crypto/bcrypt"

	"github.com/dropforge/dropd/dropapi"
)

// DefaultAdminTokenTTL is how long an issued admin token stays valid.
const DefaultAdminTokenTTL = 12 * time.Hour

// AdminAuth issues and validates the bearer tokens protecting the
// admin endpoints. It stays disabled, refusing everything, until a
// bcrypt password hash is configured.
type AdminAuth struct {
	secret       []byte
	passwordHash []byte
	tokenTTL     time.Duration
	now          func() time.Time
}

// NewAdminAuth returns an AdminAuth signing with apiSecret and
// checking logins against the bcrypt passwordHash. An empty hash
// disables the admin API entirely.
func NewAdminAuth(apiSecret, passwordHash string, tokenTTL time.Duration) *AdminAuth {
	if tokenTTL <= 0 {
		tokenTTL = DefaultAdminTokenTTL
	}
	return &AdminAuth{
		secret:       []byte(apiSecret),
		passwordHash: []byte(passwordHash),
		tokenTTL:     tokenTTL,
		now:          time.Now,
	}
}

// Enabled reports whether an admin password hash is configured.
func (a *AdminAuth) Enabled() bool {
	return len(a.passwordHash) > 0
}

func errUnauthorized(message string) error {
	return dropapi.New(dropapi.KindNotAuthorized, dropapi.CodeUnauthorized, message)
}

// Login verifies the password against the configured hash and returns
// a signed token plus its lifetime in seconds.
func (a *AdminAuth) Login(password string) (string, int64, error) {
	if !a.Enabled() {
		return "", 0, errUnauthorized("Admin API is disabled")
	}
	if err := bcrypt.CompareHashAndPassword(a.passwordHash, []byte(password)); err != nil {
		log.Warnf("admin login failure: %v", err)
		return "", 0, errUnauthorized("Bad credentials")
	}

	now := a.now()
	claims := jwt.MapClaims{
		"loggedInAs": "admin",
		"iat":        now.Unix(),
		"exp":        now.Add(a.tokenTTL).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", 0, dropapi.Internalf("sign admin token: %v", err)
	}
	return token, int64(a.tokenTTL / time.Second), nil
}

// ValidateToken checks an Authorization header value against the
// signing secret.
func (a *AdminAuth) ValidateToken(authHeader string) error {
	if !a.Enabled() {
		return errUnauthorized("Admin API is disabled")
	}
	apitoken := strings.TrimPrefix(authHeader, "Bearer ")
	if apitoken == "" || apitoken == authHeader {
		return errUnauthorized("Missing bearer token")
	}

	JWTtoken, err := jwt.Parse(apitoken, func(token *jwt.Token) (interface{}, error) {
		// validate signing algorithm
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		log.Warnf("invalid admin token: %v", err)
		return errUnauthorized("Invalid token")
	}
	claims, ok := JWTtoken.Claims.(jwt.MapClaims)
	if !ok || !JWTtoken.Valid || claims["loggedInAs"] != "admin" {
		return errUnauthorized("Invalid token")
	}
	return nil
}
