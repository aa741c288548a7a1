package cmd

import (
	"fmt"

	coreconfig "github.com/AzielCF/az-bridge/core/config"
	coreDB "github.com/AzielCF/az-bridge/core/database"
	domainEvent "github.com/AzielCF/az-bridge/domains/event"
	domainRPC "github.com/AzielCF/az-bridge/domains/rpc"
	"github.com/AzielCF/az-bridge/gateway/domain"
	"github.com/AzielCF/az-bridge/infrastructure/broadcast"
	"github.com/AzielCF/az-bridge/infrastructure/eventbus"
	"github.com/AzielCF/az-bridge/infrastructure/natsx"
	"github.com/AzielCF/az-bridge/infrastructure/rpc"
	"github.com/AzielCF/az-bridge/infrastructure/storage"
	"github.com/AzielCF/az-bridge/infrastructure/valkey"
	"github.com/AzielCF/az-bridge/pkg/crypto"
	"github.com/AzielCF/az-bridge/pkg/utils"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// infra is everything both processes connect to. The memory bus and memory
// RPC transport only reach components inside the same process.
type infra struct {
	cfg       *coreconfig.Config
	nodeID    string
	db        *gorm.DB
	store     *storage.GormStore
	valkey    *valkey.Client
	nats      *nats.Conn
	bus       domainEvent.Bus
	transport domainRPC.Transport
	broadcast domain.Broadcaster
}

func openInfra(cfg *coreconfig.Config, name string) (*infra, error) {
	in := &infra{
		cfg:    cfg,
		nodeID: utils.GetPersistentNodeID(cfg.App.ServerID, cfg.App.StorageDir, name),
	}

	db, err := coreDB.NewDatabase(cfg.Database, cfg.App.Debug)
	if err != nil {
		return nil, err
	}
	in.db = db

	var storeOpts []storage.StoreOption
	if cfg.App.SecretKey != "" {
		sealer, err := crypto.NewSealer(cfg.App.SecretKey)
		if err != nil {
			in.Close()
			return nil, err
		}
		storeOpts = append(storeOpts, storage.WithTokenSealer(sealer))
	} else {
		logrus.Warn("[APP] APP_SECRET_KEY is empty, provider tokens are stored unencrypted")
	}
	in.store = storage.NewGormStore(db, storeOpts...)

	if cfg.Valkey.Enabled {
		in.valkey, err = valkey.NewClient(valkey.Config{
			Address:   cfg.Valkey.Address,
			Password:  cfg.Valkey.Password,
			DB:        cfg.Valkey.DB,
			KeyPrefix: cfg.Valkey.KeyPrefix,
		})
		if err != nil {
			in.Close()
			return nil, err
		}
	}

	if cfg.RPC.Transport == "nats" {
		in.nats, err = natsx.Connect(natsx.Config{
			Servers:  cfg.Nats.Servers,
			Name:     in.nodeID,
			User:     cfg.Nats.User,
			Password: cfg.Nats.Password,
		})
		if err != nil {
			in.Close()
			return nil, err
		}
	}

	switch cfg.EventBus.Driver {
	case "valkey":
		in.bus = eventbus.NewValkeyBus(in.valkey, in.nodeID)
	case "postgres":
		in.bus = eventbus.NewPostgresBus(db, cfg.Database.PostgresDSN(), cfg.EventBus.NotifyChannel, in.nodeID)
	default:
		in.bus = eventbus.NewMemoryBus()
	}

	switch cfg.RPC.Transport {
	case "valkey":
		in.transport = rpc.NewValkeyTransport(in.valkey)
	case "nats":
		in.transport = rpc.NewNatsTransport(in.nats, cfg.Nats.SubjectPrefix)
	default:
		in.transport = rpc.NewMemoryTransport()
	}

	if in.valkey != nil {
		in.broadcast = broadcast.NewPubSub(in.valkey, in.valkey.Key(broadcast.DefaultChannel))
	} else {
		in.broadcast = broadcast.Log{}
	}

	logrus.WithFields(logrus.Fields{
		"node_id":   in.nodeID,
		"db":        cfg.Database.Driver,
		"event_bus": cfg.EventBus.Driver,
		"rpc":       cfg.RPC.Transport,
	}).Infof("[APP] Infrastructure ready for %s", name)
	return in, nil
}

func (in *infra) Close() {
	if in.bus != nil {
		if err := in.bus.Close(); err != nil {
			logrus.WithError(err).Warn("[APP] Event bus close failed")
		}
	}
	if in.nats != nil {
		if err := in.nats.Drain(); err != nil {
			in.nats.Close()
		}
	}
	if in.valkey != nil {
		in.valkey.Close()
	}
	if err := coreDB.Close(in.db); err != nil {
		logrus.WithError(err).Warn("[APP] Database close failed")
	}
}

func listenAddr(cfg *coreconfig.Config) string {
	return fmt.Sprintf(":%s", cfg.App.Port)
}
