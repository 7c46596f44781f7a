package api

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	Mode      string // "api-key", "jwt", "none"
	APIKey    string
	JWTSecret string
}

// defaultOwner is the owner recorded for requests authenticated without an
// identity of their own (api-key and none modes, absent an X-Owner-ID header).
const defaultOwner = "default"

// NewAuthMiddleware returns a Fiber middleware that validates the
// Authorization header and stores the caller's owner id in locals.
func NewAuthMiddleware(cfg AuthConfig, logger zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		path := c.Path()
		if path == "/healthz" || path == "/readyz" {
			return c.Next()
		}

		if cfg.Mode == "none" {
			c.Locals("owner_id", ownerFromHeader(c))
			return c.Next()
		}

		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return problemResponse(c, fiber.StatusUnauthorized,
				"missing_auth", "Unauthorized",
				"Authorization header is required")
		}
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return problemResponse(c, fiber.StatusUnauthorized,
				"invalid_auth_scheme", "Unauthorized",
				"Authorization header must use Bearer scheme")
		}
		token := strings.TrimPrefix(authHeader, "Bearer ")

		switch cfg.Mode {
		case "jwt":
			owner, err := ownerFromJWT(token, cfg.JWTSecret)
			if err != nil {
				logger.Warn().Str("path", path).Err(err).Msg("unauthorized request: invalid token")
				return problemResponse(c, fiber.StatusUnauthorized,
					"invalid_token", "Unauthorized",
					"Invalid or expired token")
			}
			c.Locals("owner_id", owner)
			return c.Next()

		default: // api-key
			if cfg.APIKey == "" || token != cfg.APIKey {
				logger.Warn().Str("path", path).Msg("unauthorized request: invalid API key")
				return problemResponse(c, fiber.StatusUnauthorized,
					"invalid_api_key", "Unauthorized",
					"Invalid API key")
			}
			c.Locals("owner_id", ownerFromHeader(c))
			return c.Next()
		}
	}
}

// ownerFromJWT validates an HMAC-signed token and returns its subject claim.
func ownerFromJWT(token, secret string) (string, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", err
	}
	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", jwt.ErrTokenInvalidSubject
	}
	return sub, nil
}

func ownerFromHeader(c *fiber.Ctx) string {
	if owner := c.Get("X-Owner-ID"); owner != "" {
		return owner
	}
	return defaultOwner
}

// ownerID returns the authenticated caller's owner id.
func ownerID(c *fiber.Ctx) string {
	if owner, ok := c.Locals("owner_id").(string); ok && owner != "" {
		return owner
	}
	return defaultOwner
}
