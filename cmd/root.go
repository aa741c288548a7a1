package cmd

import (
	"os"
	"time"

	coreconfig "github.com/AzielCF/az-bridge/core/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "az-bridge",
	Short: "Bridge messaging gateway accounts to an operator workspace",
	Long: `az-bridge runs the instance gateway (provider clients, webhook ingestion,
relay bot) and the operator-side admin API that talks to it over the event
bus and the RPC channel.`,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		return initApp()
	},
}

func init() {
	// Load environment variables first
	coreconfig.LoadEnvFiles(".")

	time.Local = time.UTC

	rootCmd.CompletionOptions.DisableDefaultCmd = true

	initFlags()
}

func initFlags() {
	flags := rootCmd.PersistentFlags()

	flags.StringP("port", "p", "3000",
		"change port number with --port <number> | example: --port=8080")
	flags.BoolP("debug", "d", false,
		"hide or displaying log with --debug <true/false> | example: --debug=true")
	flags.String("admin-token", "",
		`token required in X-Admin-Token for operator routes --admin-token <string> | example: --admin-token="super-secret"`)
	flags.String("trusted-proxies", "",
		`trusted proxy IP ranges for reverse proxy deployments | example: --trusted-proxies="10.0.0.0/8,172.16.0.0/12"`)
	flags.String("db-driver", "sqlite",
		`database driver --db-driver <sqlite|postgres>`)
	flags.String("webhook-url", "",
		`public URL the provider posts webhooks to | example: --webhook-url="https://bridge.example.com/webhook"`)
	flags.Int("message-workers", 20,
		`number of ingestion workers --message-workers <number> | example: --message-workers=30`)
	flags.Int("message-queue-size", 1000,
		`queue size per ingestion worker --message-queue-size <number> | example: --message-queue-size=1500`)

	bind := map[string]string{
		"APP_PORT":                  "port",
		"APP_DEBUG":                 "debug",
		"APP_ADMIN_TOKEN":           "admin-token",
		"APP_TRUSTED_PROXIES":       "trusted-proxies",
		"DB_DRIVER":                 "db-driver",
		"GREENAPI_WEBHOOK_URL":      "webhook-url",
		"MESSAGE_WORKER_POOL_SIZE":  "message-workers",
		"MESSAGE_WORKER_QUEUE_SIZE": "message-queue-size",
	}
	for key, flag := range bind {
		if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			logrus.WithError(err).Fatalf("[APP] Cannot bind flag %s", flag)
		}
	}
}

func initApp() error {
	cfg, err := coreconfig.LoadConfig()
	if err != nil {
		return err
	}
	if cfg.App.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return nil
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
