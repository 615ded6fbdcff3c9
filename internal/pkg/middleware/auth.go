package middleware

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/wingerapp/winger-backend/internal/pkg/env"
)

// KeyAidantID is the Locals key holding the authenticated account id.
const KeyAidantID = "aidant_id"

type accessTokenClaims struct {
	AidantID uint `json:"aidant_id"`
	jwt.RegisteredClaims
}

// RequireAuth validates the Authorization bearer token and stores the
// account id in Locals. Returns JSON 401 on missing or invalid tokens.
func RequireAuth(c *fiber.Ctx) error {
	header := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
	if header == "" || !strings.HasPrefix(header, "Bearer ") {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error":   "unauthorized",
			"message": "bearer token required",
		})
	}

	aidantID, err := parseAccessToken(strings.TrimPrefix(header, "Bearer "))
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error":   "unauthorized",
			"message": "invalid or expired token",
		})
	}

	c.Locals(KeyAidantID, aidantID)
	return c.Next()
}

// AidantID returns the authenticated account id set by RequireAuth.
func AidantID(c *fiber.Ctx) uint {
	if id, ok := c.Locals(KeyAidantID).(uint); ok {
		return id
	}
	return 0
}

func parseAccessToken(token string) (uint, error) {
	secret := env.GetEnv("JWT_SECRET", "")
	if secret == "" {
		return 0, errors.New("JWT_SECRET is not configured")
	}

	claims := &accessTokenClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}))
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return 0, err
	}
	if !parsed.Valid || claims.AidantID == 0 {
		return 0, errors.New("invalid token claims")
	}
	return claims.AidantID, nil
}
