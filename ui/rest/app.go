package rest

import (
	"strings"
	"time"

	"github.com/AzielCF/az-bridge/ui/rest/middleware"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/requestid"
)

// AppOptions is the HTTP surface shared by both processes.
type AppOptions struct {
	Name           string
	Debug          bool
	BodyLimit      int
	TrustedProxies []string
	AllowOrigins   []string
	// RequestsPerMinute caps requests per client IP; 0 disables the limiter.
	RequestsPerMinute int
}

// NewApp builds the fiber app with the standard middleware stack.
func NewApp(opts AppOptions) *fiber.App {
	fiberConfig := fiber.Config{
		EnableTrustedProxyCheck: true,
		BodyLimit:               opts.BodyLimit,
		Network:                 "tcp",
		AppName:                 opts.Name,
		DisableStartupMessage:   true,
		ServerHeader:            "Hidden",
		ErrorHandler:            middleware.ErrorHandler,
	}
	if len(opts.TrustedProxies) > 0 {
		fiberConfig.TrustedProxies = opts.TrustedProxies
		fiberConfig.ProxyHeader = fiber.HeaderXForwardedFor
	}

	app := fiber.New(fiberConfig)

	app.Use(requestid.New())
	if len(opts.AllowOrigins) > 0 {
		app.Use(cors.New(cors.Config{
			AllowOrigins: strings.Join(opts.AllowOrigins, ", "),
			AllowHeaders: "Origin, Content-Type, Accept, Authorization, " + middleware.HeaderAdminToken + ", X-Request-ID",
		}))
	}
	app.Use(middleware.Recovery())
	app.Use(helmet.New(helmet.Config{
		XSSProtection:      "1; mode=block",
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "DENY",
		ReferrerPolicy:     "no-referrer",
	}))
	if opts.RequestsPerMinute > 0 {
		app.Use(limiter.New(limiter.Config{
			Max:        opts.RequestsPerMinute,
			Expiration: 1 * time.Minute,
			KeyGenerator: func(c *fiber.Ctx) string {
				return c.IP()
			},
		}))
	}
	if opts.Debug {
		app.Use(logger.New())
	}

	return app
}
