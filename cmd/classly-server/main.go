package main

import (
	"context"

	"classly-backend/lib/configutil"
	"classly-backend/lib/serviceutil"
	"classly-backend/lib/telemetry"
	"classly-backend/services/keychain"
	"classly-backend/services/normalizer"
	"classly-backend/services/platforms"
	"classly-backend/services/platforms/canvas"
	"classly-backend/services/platforms/prairielearn"
	"classly-backend/services/syncer"
	"classly-backend/services/syncer/server"
	"classly-backend/services/taskstore"
)

type Config struct {
	Port     int                   `json:"port"`
	Database string                `json:"database"`
	Llm      normalizer.RichConfig `json:"llm"`
	// standard 5-field cron spec; empty disables scheduled syncs
	SyncSchedule string `json:"sync_schedule"`
	Debug        bool   `json:"debug"`
}

func main() {
	ctx := serviceutil.SignalContext()

	config, err := configutil.ReadConfig[Config]("config.json5")
	if err != nil {
		serviceutil.Fatal("failed to read config", err)
	}
	if config.Port == 0 {
		config.Port = 8200
	}
	if config.Database == "" {
		config.Database = "classly.db"
	}

	telemetry.InitSlog(config.Debug)
	t, err := telemetry.SetupFromEnv(ctx, "classly-server")
	if err != nil {
		serviceutil.Fatal("failed to setup telemetry", err)
	}
	defer t.Shutdown(context.Background())

	store, err := taskstore.Open(config.Database)
	if err != nil {
		serviceutil.Fatal("failed to open task database", err)
	}
	kc, err := keychain.Open(config.Database)
	if err != nil {
		serviceutil.Fatal("failed to open keychain database", err)
	}

	registry := platforms.NewRegistry()
	registry.Register(platforms.Canvas, canvas.NewFetcher())
	registry.Register(platforms.PrairieLearn, prairielearn.NewFetcher())

	norm := normalizer.NewService(config.Llm)
	sync := syncer.New(store, registry, norm, kc)
	tracker := syncer.NewJobTracker(store, sync)

	if config.SyncSchedule != "" {
		daemon := syncer.NewDaemon(tracker)
		err := daemon.Start(config.SyncSchedule)
		if err != nil {
			serviceutil.Fatal("failed to start sync daemon", err)
		}
		defer daemon.Stop()
	}

	srv := server.New(store, kc, tracker)
	go serviceutil.StartHttpServer(config.Port, srv.Router())

	<-ctx.Done()
}
