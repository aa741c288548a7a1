package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	coreconfig "github.com/AzielCF/az-bridge/core/config"
	"github.com/AzielCF/az-bridge/ui/rest"
	"github.com/AzielCF/az-bridge/ui/rest/middleware"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

// role is one process role mounted on the shared HTTP server.
type role interface {
	Routes(app *fiber.App, api fiber.Router)
	Stop()
}

// serve runs the HTTP server for roles until SIGINT/SIGTERM, then stops every
// role in reverse order and closes the infrastructure.
func serve(ctx context.Context, cancel context.CancelFunc, cfg *coreconfig.Config, in *infra, name string, roles ...role) error {
	app := rest.NewApp(rest.AppOptions{
		Name:              name,
		Debug:             cfg.App.Debug,
		BodyLimit:         int(cfg.Telegram.MaxFileSize) + 1024*1024,
		TrustedProxies:    cfg.App.TrustedProxies,
		AllowOrigins:      cfg.App.CorsAllowedOrigins,
		RequestsPerMinute: 6000,
	})

	var api fiber.Router
	if cfg.App.AdminToken != "" {
		api = app.Group("/api", middleware.AdminToken(cfg.App.AdminToken))
	} else {
		logrus.Warn("[REST] APP_ADMIN_TOKEN is empty, operator routes are disabled")
	}
	for _, r := range roles {
		r.Routes(app, api)
	}

	// Graceful shutdown handler
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			logrus.Info("[REST] Reception of termination signal, shutting down gracefully...")
		case <-ctx.Done():
		}
		if err := app.Shutdown(); err != nil {
			logrus.Errorf("[REST] Error during Fiber shutdown: %v", err)
		}
	}()

	logrus.Infof("[REST] %s listening on %s", name, listenAddr(cfg))
	err := app.Listen(listenAddr(cfg))

	cancel()
	for i := len(roles) - 1; i >= 0; i-- {
		roles[i].Stop()
	}
	in.Close()
	logrus.Info("[APP] Application stopped cleanly.")
	return err
}
