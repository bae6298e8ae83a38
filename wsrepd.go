package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dutow/wsrep-go/admin"
	"github.com/dutow/wsrep-go/cfg"
	"github.com/dutow/wsrep-go/common"
	"github.com/dutow/wsrep-go/coordinator"
	_ "github.com/dutow/wsrep-go/nats"
	"github.com/dutow/wsrep-go/notify"
	"github.com/dutow/wsrep-go/provider"
	"github.com/dutow/wsrep-go/telemetry"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Str("node", cfg.Config.NodeName).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("wsrepd - write-set replication coordinator")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()

	initialPosition := common.UndefinedGTID()
	if cfg.Config.InitialPosition != "" {
		initialPosition, err = common.ParseGTID(cfg.Config.InitialPosition)
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid initial position")
			return
		}
	}

	rollbackMode := coordinator.RollbackModeAsync
	if cfg.Config.RollbackMode == "sync" {
		rollbackMode = coordinator.RollbackModeSync
	}

	hub := notify.NewHub()
	server := coordinator.NewServerState(coordinator.Config{
		Name:               cfg.Config.NodeName,
		ID:                 common.ID(cfg.Config.NodeID),
		IncomingAddress:    cfg.Config.IncomingAddress,
		Address:            cfg.Config.GroupAddress,
		WorkingDir:         cfg.Config.DataDir,
		InitialPosition:    initialPosition,
		MaxProtocolVersion: cfg.Config.MaxProtocolVersion,
		RollbackMode:       rollbackMode,
		Hub:                hub,
	}, &daemonServerService{})
	server.SetDebugLogLevel(cfg.Config.Logging.Debug)

	applier := &daemonApplier{}
	if err := server.LoadProvider(cfg.Config.Provider.Name, cfg.Config.Provider.Options, applier); err != nil {
		log.Fatal().Err(err).Msg("Failed to load provider")
		return
	}

	// Admin endpoints
	if cfg.Config.Admin.Enabled {
		mux := http.NewServeMux()
		admin.RegisterRoutes(mux, admin.NewHandlers(server))
		go func() {
			if err := http.ListenAndServe(cfg.Config.Admin.Bind, mux); err != nil {
				log.Error().Err(err).Msg("Admin endpoint failed")
			}
		}()
	}

	// Log state transitions from the hub
	events, cancelEvents := hub.Subscribe(notify.Filter{Components: []string{"server_state"}})
	go func() {
		for ev := range events {
			log.Info().Str("from", ev.From).Str("to", ev.To).Msg("State change")
		}
	}()
	defer cancelEvents()

	if !cfg.Config.SST.BeforeInit {
		// Logical SST: storage initialization precedes the join.
		server.Initialized()
	}

	if err := server.Connect(
		cfg.Config.Cluster.Name,
		cfg.Config.Provider.URL,
		cfg.Config.Cluster.Donor,
		cfg.Config.Cluster.Bootstrap,
	); err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to cluster")
		return
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info().Msg("Shutting down")
	if err := server.Disconnect(); err != nil {
		log.Warn().Err(err).Msg("Disconnect failed")
	}
	server.UnloadProvider()
}

// daemonServerService is the daemon's embedder-side server service.
// It keeps no storage engine of its own; SST callbacks only log what a
// DBMS embedder would perform, and background rollback only marks the
// transaction rolled back.
type daemonServerService struct{}

func (s *daemonServerService) SSTBeforeInit() bool {
	return cfg.Config.SST.BeforeInit
}

func (s *daemonServerService) SSTRequest() string {
	return cfg.Config.SST.Method + "://" + cfg.Config.IncomingAddress
}

func (s *daemonServerService) StartSST(request string, gtid common.GTID, bypass bool) error {
	log.Info().
		Str("request", request).
		Str("gtid", gtid.String()).
		Bool("bypass", bypass).
		Msg("SST transfer requested")
	return nil
}

func (s *daemonServerService) BackgroundRollback(client *coordinator.ClientState) {
	client.Transaction().Rollback()
}

func (s *daemonServerService) LogStateChange(from, to coordinator.State) {
	log.Debug().Str("from", from.String()).Str("to", to.String()).Msg("Server state change")
}

func (s *daemonServerService) LogView(view common.View) {
	log.Info().
		Str("status", view.Status.String()).
		Int("members", len(view.Members)).
		Int("own_index", view.OwnIndex).
		Msg("New cluster view")
}

func (s *daemonServerService) RecoverStreamingAppliers(applier coordinator.HighPriorityService) {
}

// daemonApplier applies remote write-sets. The daemon has no storage
// engine; applies are logged and acknowledged.
type daemonApplier struct{}

func (a *daemonApplier) ApplyWriteSet(meta provider.WSMeta, data []byte) error {
	log.Debug().
		Str("gtid", meta.GTID.String()).
		Str("origin", meta.ServerID.String()).
		Int("size", len(data)).
		Msg("Applying write-set")
	return nil
}

func (a *daemonApplier) CommitFragment(meta provider.WSMeta) error {
	return nil
}

func (a *daemonApplier) RollbackFragment(meta provider.WSMeta) error {
	return nil
}

func (a *daemonApplier) Close() error {
	return nil
}
