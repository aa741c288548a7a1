package middleware

import (
	"crypto/subtle"

	"github.com/AzielCF/az-bridge/pkg/utils"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/keyauth"
)

const HeaderAdminToken = "X-Admin-Token"

// AdminToken only lets through requests carrying the configured operator
// token in X-Admin-Token.
func AdminToken(token string) fiber.Handler {
	return keyauth.New(keyauth.Config{
		KeyLookup: "header:" + HeaderAdminToken,
		Next: func(c *fiber.Ctx) bool {
			return c.Method() == fiber.MethodOptions
		},
		Validator: func(_ *fiber.Ctx, key string) (bool, error) {
			if token != "" && subtle.ConstantTimeCompare([]byte(key), []byte(token)) == 1 {
				return true, nil
			}
			return false, keyauth.ErrMissingOrMalformedAPIKey
		},
		ErrorHandler: unauthorized,
	})
}

// WebhookToken checks the bearer token the provider sends with every
// delivery (webhookUrlToken). An empty token accepts everything.
func WebhookToken(token string) fiber.Handler {
	if token == "" {
		return func(c *fiber.Ctx) error { return c.Next() }
	}
	return keyauth.New(keyauth.Config{
		KeyLookup:  "header:" + fiber.HeaderAuthorization,
		AuthScheme: "Bearer",
		Validator: func(_ *fiber.Ctx, key string) (bool, error) {
			if subtle.ConstantTimeCompare([]byte(key), []byte(token)) == 1 {
				return true, nil
			}
			return false, keyauth.ErrMissingOrMalformedAPIKey
		},
		ErrorHandler: unauthorized,
	})
}

func unauthorized(c *fiber.Ctx, _ error) error {
	return c.Status(fiber.StatusUnauthorized).JSON(utils.ResponseData{
		Status:  fiber.StatusUnauthorized,
		Code:    "UNAUTHORIZED",
		Message: "missing or invalid token",
	})
}
