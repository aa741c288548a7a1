package cmd

import (
	"context"

	coreconfig "github.com/AzielCF/az-bridge/core/config"
	domainInstance "github.com/AzielCF/az-bridge/domains/instance"
	"github.com/AzielCF/az-bridge/infrastructure/rpc"
	"github.com/AzielCF/az-bridge/ui/rest"
	"github.com/AzielCF/az-bridge/usecase"
	"github.com/gofiber/fiber/v2"
	"github.com/spf13/cobra"
)

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Run the operator-side API: instance configuration, QR hand-over and login codes",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := coreconfig.Global
		in, err := openInfra(cfg, "admin")
		if err != nil {
			return err
		}
		ctx, cancel := context.WithCancel(context.Background())
		ad, err := startAdmin(ctx, cfg, in)
		if err != nil {
			cancel()
			in.Close()
			return err
		}
		return serve(ctx, cancel, cfg, in, "az-bridge admin", ad)
	},
}

// allCmd runs both roles in one process; required for the memory bus and
// memory RPC transport.
var allCmd = &cobra.Command{
	Use:   "all",
	Short: "Run gateway and admin in a single process",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := coreconfig.Global
		in, err := openInfra(cfg, "bridge")
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
		ad, err := startAdmin(ctx, cfg, in)
		if err != nil {
			cancel()
			gw.Stop()
			in.Close()
			return err
		}
		ad.embedded = true
		return serve(ctx, cancel, cfg, in, "az-bridge", gw, ad)
	},
}

func init() {
	rootCmd.AddCommand(adminCmd, allCmd)
}

type adminRuntime struct {
	cfg     *coreconfig.Config
	service domainInstance.IInstanceUsecase
	// embedded is set when the gateway shares the server and already
	// serves /health.
	embedded bool
}

func startAdmin(ctx context.Context, cfg *coreconfig.Config, in *infra) (*adminRuntime, error) {
	if err := in.store.InitSchema(ctx); err != nil {
		return nil, err
	}

	client := rpc.NewClient(in.transport, in.nodeID, cfg.RPC.Timeout)
	if err := client.Start(ctx); err != nil {
		return nil, err
	}
	if err := usecase.ForwardEvents(ctx, in.bus, in.broadcast); err != nil {
		return nil, err
	}

	return &adminRuntime{
		cfg:     cfg,
		service: usecase.NewInstanceService(in.store, client, in.bus),
	}, nil
}

func (a *adminRuntime) Routes(app *fiber.App, api fiber.Router) {
	if !a.embedded {
		rest.InitRestHealth(app, rest.Health{Version: a.cfg.App.Version})
	}
	if api != nil {
		rest.InitRestInstance(api, a.service)
	}
}

func (a *adminRuntime) Stop() {}
