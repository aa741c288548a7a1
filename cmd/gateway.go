package cmd

import (
	"context"

	coreconfig "github.com/AzielCF/az-bridge/core/config"
	"github.com/AzielCF/az-bridge/gateway"
	"github.com/AzielCF/az-bridge/gateway/application"
	"github.com/AzielCF/az-bridge/gateway/domain"
	"github.com/AzielCF/az-bridge/gateway/repository"
	"github.com/AzielCF/az-bridge/infrastructure/greenapi"
	"github.com/AzielCF/az-bridge/infrastructure/rpc"
	"github.com/AzielCF/az-bridge/infrastructure/telegram"
	"github.com/AzielCF/az-bridge/pkg/msgworker"
	"github.com/AzielCF/az-bridge/pkg/ratelimit"
	"github.com/AzielCF/az-bridge/ui/rest"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the instance gateway: provider clients, webhook ingestion and relay bot",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := coreconfig.Global
		in, err := openInfra(cfg, "gateway")
		if err != nil {
			return err
		}
		ctx, cancel := context.WithCancel(context.Background())
		gw, err := startGateway(ctx, cfg, in)
		if err != nil {
			cancel()
			in.Close()
			return err
		}
		return serve(ctx, cancel, cfg, in, "az-bridge gateway", gw)
	},
}

func init() {
	rootCmd.AddCommand(gatewayCmd)
}

type gatewayRuntime struct {
	cfg      *coreconfig.Config
	manager  *gateway.Manager
	ingestor *application.Ingestor
	pool     *msgworker.Pool
}

func startGateway(ctx context.Context, cfg *coreconfig.Config, in *infra) (*gatewayRuntime, error) {
	if err := in.store.InitSchema(ctx); err != nil {
		return nil, err
	}

	limiter := ratelimit.New()

	var relay *telegram.Relay
	if cfg.Telegram.Token != "" {
		r, err := telegram.NewRelay(telegram.Config{
			Token:       cfg.Telegram.Token,
			WebHost:     cfg.Telegram.WebHost,
			MaxFileSize: cfg.Telegram.MaxFileSize,
		})
		if err != nil {
			return nil, err
		}
		relay = r
	} else {
		logrus.Warn("[RELAY] TELEGRAM_BOT_TOKEN is empty, relay channel disabled")
	}

	routerOpts := []application.RouterOption{
		application.WithEvents(in.bus),
		application.WithAutoReplier(application.NewAutoReplier(cfg.AutoReply.Interval)),
	}
	if relay != nil {
		routerOpts = append(routerOpts, application.WithRelay(relay))
	}
	router := application.NewRouter(in.store, in.broadcast, nil, routerOpts...)

	rpcServer := rpc.NewServer(in.transport)
	opts := gateway.Options{
		Events: in.bus,
		RPC:    rpcServer,
		ClientFactory: gateway.DefaultClientFactory(limiter,
			greenapi.WithRetry(cfg.GreenAPI.MaxAttempts, cfg.GreenAPI.BaseBackoff)),
		WebhookURL:        cfg.GreenAPI.WebhookURL,
		WebhookToken:      cfg.GreenAPI.WebhookToken,
		PollInterval:      cfg.GreenAPI.PollInterval,
		QRRefreshInterval: cfg.GreenAPI.QRRefreshInterval,
		RefreshCooldown:   cfg.GreenAPI.RefreshCooldown,
	}
	if relay != nil {
		opts.Relay = relay
	}
	mgr := gateway.NewManager(in.store, limiter, router, opts)

	var dedup domain.DedupStore = repository.NewMemoryDedupStore()
	if in.valkey != nil {
		dedup = repository.NewValkeyDedupStore(in.valkey)
	}
	ingestor := application.NewIngestor(dedup, router, mgr, cfg.Ingest.DedupTTL)
	mgr.SetImporter(application.NewHistoryImporter(ingestor))

	mgr.RegisterHandlers(rpcServer)
	if err := rpcServer.Start(ctx); err != nil {
		return nil, err
	}
	if err := mgr.WatchConfig(ctx, in.bus); err != nil {
		return nil, err
	}
	if err := mgr.Start(ctx); err != nil {
		return nil, err
	}
	if relay != nil {
		if err := relay.Listen(ctx, router); err != nil {
			logrus.WithError(err).Error("[RELAY] Replies from the relay channel are disabled")
		}
	}

	pool := msgworker.NewPool(cfg.WorkerPool.Size, cfg.WorkerPool.QueueSize)
	pool.Start(ctx)

	if cfg.GreenAPI.WebhookURL == "" {
		logrus.Warn("[GATEWAY] GREENAPI_WEBHOOK_URL is empty, provider webhook settings are left untouched")
	}
	return &gatewayRuntime{cfg: cfg, manager: mgr, ingestor: ingestor, pool: pool}, nil
}

func (g *gatewayRuntime) Routes(app *fiber.App, api fiber.Router) {
	rest.InitRestWebhook(app, g.ingestor, g.pool, g.cfg.GreenAPI.WebhookToken)
	rest.InitRestHealth(app, rest.Health{
		Version:   g.cfg.App.Version,
		Ingest:    g.ingestor,
		Pool:      g.pool,
		Instances: g.manager,
	})
	if api != nil {
		rest.InitRestWorkerPool(api, g.pool)
	}
}

func (g *gatewayRuntime) Stop() {
	g.pool.Stop()
	g.manager.Stop()
}
