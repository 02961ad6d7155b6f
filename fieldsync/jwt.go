// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mobiletoly/go-fieldsync/fielderr"
	"github.com/mobiletoly/go-fieldsync/internal/auth"
)

// JWTAuth handles JWT authentication
type JWTAuth struct {
	secret []byte
	logger *slog.Logger
}

// NewJWTAuth creates a new JWT authenticator
func NewJWTAuth(secret string, logger *slog.Logger) *JWTAuth {
	if logger == nil {
		logger = slog.Default()
	}
	return &JWTAuth{
		secret: []byte(secret),
		logger: logger,
	}
}

// JWTClaims carries the agent identity: user in "sub", device in "did", role in "role".
type JWTClaims struct {
	DeviceID string `json:"did"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// GenerateToken generates a signed token. An empty role means REPARTIDOR.
func (j *JWTAuth) GenerateToken(userID, deviceID, role string, expiration time.Duration) (string, error) {
	if role == "" {
		role = auth.RoleRepartidor
	}
	now := time.Now()
	claims := &JWTClaims{
		DeviceID: deviceID,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(expiration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "go-fieldsync",
			Subject:   userID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secret)
}

// ValidateToken validates a JWT token and returns the claims
func (j *JWTAuth) ValidateToken(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return nil, errors.New("missing sub (user ID) in token")
	}
	if claims.DeviceID == "" {
		return nil, errors.New("missing did (device ID) in token")
	}
	switch claims.Role {
	case auth.RoleRepartidor, auth.RoleAdmin:
	case "":
		claims.Role = auth.RoleRepartidor
	default:
		return nil, fmt.Errorf("unknown role %q in token", claims.Role)
	}
	return claims, nil
}

// Authenticate extracts the actor from the bearer token (implements Authenticator).
func (j *JWTAuth) Authenticate(r *http.Request) (auth.Actor, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return auth.Actor{}, errors.New("authorization header required")
	}
	tokenString, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok || tokenString == "" {
		return auth.Actor{}, errors.New("bearer token required")
	}

	claims, err := j.ValidateToken(tokenString)
	if err != nil {
		// Safely log token prefix (max 20 chars)
		tokenPrefix := tokenString
		if len(tokenPrefix) > 20 {
			tokenPrefix = tokenPrefix[:20]
		}
		j.logger.Warn("JWT validation failed", "error", err, "token_prefix", tokenPrefix)
		return auth.Actor{}, fmt.Errorf("invalid token: %w", err)
	}
	return auth.Actor{UserID: claims.Subject, DeviceID: claims.DeviceID, Role: claims.Role}, nil
}

// Middleware rejects unauthenticated requests and stores the actor in the request context.
func (j *JWTAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, err := j.Authenticate(r)
		if err != nil {
			writeJSON(w, j.logger, http.StatusUnauthorized, ErrorResponse{
				Error:   fielderr.CodeUnauthenticated,
				Message: err.Error(),
			})
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.SetActor(r.Context(), actor)))
	})
}
