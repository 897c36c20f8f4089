// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"

	fedapi "github.com/arbormsg/arbor/federationapi/api"
	"github.com/arbormsg/arbor/federationapi/queue"
	"github.com/arbormsg/arbor/internal/caching"
	"github.com/arbormsg/arbor/roomserver"
	"github.com/arbormsg/arbor/roomserver/storage"
	"github.com/arbormsg/arbor/setup/config"
	"github.com/arbormsg/arbor/setup/jetstream"
	"github.com/arbormsg/arbor/setup/process"
	"github.com/arbormsg/arbor/syncapi"
)

var (
	configPath = flag.String("config", "arbor.yaml", "The path to the config file")
	cacheSize  = flag.Int64("cache-size", 64*1024*1024, "The size of the in-memory caches, in bytes")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatalf("Failed to load %q", *configPath)
	}

	logrus.SetFormatter(&logrus.TextFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000000000Z07:00",
		FullTimestamp:   true,
	})
	logrus.WithFields(logrus.Fields{
		"server_name": cfg.Global.ServerName,
		"key_id":      cfg.Global.KeyID,
	}).Info("Starting arbor")

	if cfg.Global.Sentry.Enabled {
		logrus.Info("Setting up Sentry for debugging...")
		err = sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.Global.Sentry.DSN,
			AttachStacktrace: true,
		})
		if err != nil {
			logrus.WithError(err).Panic("failed to start Sentry")
		}
		defer sentry.Flush(2 * time.Second)
	}

	processCtx := process.NewProcessContext()

	caches, err := caching.NewRistrettoCache(*cacheSize, time.Minute*5, caching.EnableMetrics)
	if err != nil {
		logrus.WithError(err).Panic("failed to create caches")
	}

	natsInstance := &jetstream.NATSInstance{}
	js, _ := natsInstance.Prepare(processCtx, &cfg.Global.JetStream)

	// No federation transport ships in this build; remote operations
	// report the peer as unreachable and local rooms work as normal.
	fedClient := fedapi.OfflineClient{}

	rsAPI := roomserver.NewInternalAPI(cfg, caches, js, fedClient)

	syncConStr := cfg.SyncAPI.Database.ConnectionString
	if syncConStr == "" {
		syncConStr = cfg.Global.DatabaseOptions.ConnectionString
	}
	syncDB, err := storage.Open(string(syncConStr), caches)
	if err != nil {
		logrus.WithError(err).Panic("failed to connect to sync db")
	}
	syncapi.Setup(processCtx, cfg, js, syncDB)

	fedQueue := queue.NewOutputEventConsumer(processCtx, cfg, js, rsAPI, fedClient)
	if err := fedQueue.Start(); err != nil {
		logrus.WithError(err).Panic("failed to start federation queue")
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	logrus.Info("Shutdown signal received")
	processCtx.ShutdownArbor()
	processCtx.WaitForComponentsToFinish()
}
