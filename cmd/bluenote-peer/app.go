package main

import (
	"context"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/bluenote/internal/auth"
	"github.com/MarcoPoloResearchLab/bluenote/internal/config"
	"github.com/MarcoPoloResearchLab/bluenote/internal/database"
	"github.com/MarcoPoloResearchLab/bluenote/internal/devices"
	"github.com/MarcoPoloResearchLab/bluenote/internal/logging"
	"github.com/MarcoPoloResearchLab/bluenote/internal/notes"
	"github.com/MarcoPoloResearchLab/bluenote/internal/server"
	notesync "github.com/MarcoPoloResearchLab/bluenote/internal/sync"
	"github.com/MarcoPoloResearchLab/bluenote/internal/transport"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// peerApp holds the wired collaborators of one process.
type peerApp struct {
	config       config.AppConfig
	logger       *zap.Logger
	self         devices.LocalIdentity
	threads      *notes.ThreadService
	notes        *notes.NoteService
	devices      *devices.Service
	tokens       *auth.PairingTokens
	local        *notesync.LocalCompanion
	orchestrator *notesync.Orchestrator
	realtime     *server.RealtimeDispatcher
}

// withApp wires the process from viper, runs fn, and releases the store.
func withApp(ctx context.Context, fn func(ctx context.Context, rt *peerApp) error) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(logging.Options{Level: appConfig.LogLevel, Format: appConfig.LogFormat})
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	serviceConfig := notes.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: notes.NewUUIDProvider(),
		Logger:     logger,
	}
	threadService, err := notes.NewThreadService(serviceConfig)
	if err != nil {
		return err
	}
	noteService, err := notes.NewNoteService(serviceConfig)
	if err != nil {
		return err
	}

	deviceService, err := devices.NewService(devices.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		DeviceName: appConfig.DeviceName,
	})
	if err != nil {
		return err
	}
	self, err := deviceService.Self(ctx)
	if err != nil {
		return err
	}

	tokens, err := auth.NewPairingTokens(auth.PairingConfig{
		SigningSecret: []byte(appConfig.PairingSecret),
		TokenTTL:      appConfig.PairingTokenTTL,
	})
	if err != nil {
		return err
	}

	engine, err := notesync.NewEngine(notesync.EngineConfig{
		Threads:     threadService,
		Notes:       noteService,
		Concurrency: appConfig.SyncConcurrency,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	applier, err := notesync.NewApplier(db, logger)
	if err != nil {
		return err
	}
	local, err := notesync.NewLocalCompanion(db)
	if err != nil {
		return err
	}
	dialer, err := transport.NewDialer(transport.DialerConfig{
		DeviceID: self.DeviceID,
		Tokens:   tokens,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	realtime := server.NewRealtimeDispatcher()
	orchestrator, err := notesync.NewOrchestrator(notesync.OrchestratorConfig{
		Devices:            deviceService,
		Dialer:             dialer,
		Engine:             engine,
		Applier:            applier,
		Clock:              time.Now,
		PeerTimeout:        appConfig.SyncTimeout,
		PeerConcurrency:    appConfig.SyncPeerConcurrency,
		TombstoneRetention: appConfig.SyncTombstoneRetention,
		Observer:           realtime,
		Logger:             logger,
	})
	if err != nil {
		return err
	}

	return fn(ctx, &peerApp{
		config:       appConfig,
		logger:       logger,
		self:         self,
		threads:      threadService,
		notes:        noteService,
		devices:      deviceService,
		tokens:       tokens,
		local:        local,
		orchestrator: orchestrator,
		realtime:     realtime,
	})
}

func (rt *peerApp) httpHandler() (http.Handler, error) {
	companion, err := transport.NewServer(transport.ServerConfig{
		DeviceID:          rt.self.DeviceID,
		Tokens:            rt.tokens,
		Devices:           rt.devices,
		Companion:         rt.local,
		RequestsPerSecond: rt.config.CompanionRequestsPerSecond,
		Burst:             rt.config.CompanionBurst,
		Logger:            rt.logger,
	})
	if err != nil {
		return nil, err
	}
	return server.NewHTTPHandler(server.Dependencies{
		Threads:   rt.threads,
		Notes:     rt.notes,
		Devices:   rt.devices,
		Sync:      rt.orchestrator,
		Companion: companion,
		Realtime:  rt.realtime,
		Logger:    rt.logger,
	})
}
