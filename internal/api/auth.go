package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	operatorContextKey = "Operator"
	operatorSubject    = "operator"
)

// OperatorClaims represents JWT claims for the operator.
type OperatorClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// HashPassword produces the OPERATOR_PASSWORD_HASH value for a password.
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func checkPassword(hash, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

func generateToken(secret string, now, expiresAt time.Time) (string, error) {
	claims := OperatorClaims{
		Role: operatorSubject,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   operatorSubject,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func parseToken(tokenStr, secret string) (*OperatorClaims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &OperatorClaims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*OperatorClaims); ok && token.Valid && claims.Role == operatorSubject {
		return claims, nil
	}
	return nil, errors.New("invalid token claims")
}

// AuthMiddleware enforces JWT auth for operator routes. An empty secret
// locks the routes entirely.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			respondAbort(c, http.StatusServiceUnavailable, "AUTH_DISABLED", "operator endpoints are not configured")
			return
		}
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			respondAbort(c, http.StatusUnauthorized, "MISSING_TOKEN", "missing Authorization header")
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			respondAbort(c, http.StatusUnauthorized, "INVALID_AUTH_HEADER", "invalid Authorization header")
			return
		}

		claims, err := parseToken(parts[1], secret)
		if err != nil {
			respondAbort(c, http.StatusUnauthorized, "INVALID_TOKEN", "invalid or expired token")
			return
		}

		c.Set(operatorContextKey, claims.Subject)
		c.Next()
	}
}

// issueToken exchanges the operator password for a bearer token.
func (s *Server) issueToken(c *gin.Context) {
	var req struct {
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "password is required")
		return
	}
	if s.cfg.PasswordHash == "" || s.cfg.JWTSecret == "" {
		respondError(c, http.StatusServiceUnavailable, "AUTH_DISABLED", "operator login is not configured")
		return
	}
	if err := checkPassword(s.cfg.PasswordHash, req.Password); err != nil {
		s.log.Warn("operator login failed", zap.String("client_ip", c.ClientIP()))
		respondError(c, http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid credentials")
		return
	}

	now := time.Now()
	ttl := s.cfg.TokenTTL
	if ttl <= 0 {
		ttl = DefaultConfig().TokenTTL
	}
	expiresAt := now.Add(ttl)
	token, err := generateToken(s.cfg.JWTSecret, now, expiresAt)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to generate token")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_at": expiresAt.UTC().Format(time.RFC3339),
	})
}
