// Copyright (c) 2026 The listbridge authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// listbridge server
//
// Entry point for the mailing-list bridge service. It:
//  1. Loads configuration from config.yaml
//  2. Connects to PostgreSQL and Redis
//  3. Serves the provider's inbound-route webhook
//  4. Runs the periodic membership sync
//  5. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/coursemail/listbridge/internal/config"
	"github.com/coursemail/listbridge/internal/dedup"
	"github.com/coursemail/listbridge/internal/deliver"
	"github.com/coursemail/listbridge/internal/engine"
	"github.com/coursemail/listbridge/internal/identity"
	"github.com/coursemail/listbridge/internal/listserv"
	"github.com/coursemail/listbridge/internal/roster"
	"github.com/coursemail/listbridge/internal/signature"
	"github.com/coursemail/listbridge/internal/store"
	syncer "github.com/coursemail/listbridge/internal/sync"
	"github.com/coursemail/listbridge/internal/webhook"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("starting listbridge service")

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"domain", cfg.Listserv.Domain,
		"sync_interval", cfg.SyncInterval,
		"enforce_whitelist", cfg.EnforceWhitelist,
		"environment", cfg.Environment,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	if err := pgPool.Ping(ctx); err != nil {
		slog.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to PostgreSQL")

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to Redis")

	guard := dedup.NewGuard(rdb, cfg.DedupTTL)

	// --- Store (Postgres) ---
	st, err := store.New(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise store", "error", err)
		os.Exit(1)
	}

	// --- Provider clients ---
	listservClient := listserv.NewClient(listserv.Config{
		APIURL:   cfg.Listserv.APIURL,
		Domain:   cfg.Listserv.Domain,
		User:     cfg.Listserv.APIUser,
		Key:      cfg.Listserv.APIKey,
		PageSize: cfg.Listserv.PageSize,
	})
	rosterClient := roster.NewClient(ctx, cfg.Roster.BaseURL, cfg.Roster.Token, 30*time.Second)
	identityClient := identity.NewClient(&http.Client{Timeout: 30 * time.Second},
		cfg.Identity.BaseURL, cfg.Identity.Token)

	// --- Inbound pipeline ---
	decider := engine.New(cfg.Listserv.NoReply, rosterClient)
	bouncer := deliver.NewBouncer(listservClient, cfg.Listserv.NoReply, logger)
	forwarder := deliver.NewForwarder(listservClient, logger)

	handler := webhook.NewHandler(webhook.Config{
		Auth:             signature.NewVerifier(cfg.Listserv.APIKey, cfg.SignatureTimeout),
		Guard:            guard,
		Store:            st,
		Roster:           rosterClient,
		Identity:         identityClient,
		Engine:           decider,
		Bouncer:          bouncer,
		Forwarder:        forwarder,
		Domain:           cfg.Listserv.Domain,
		SizeCap:          cfg.MessageSizeCap,
		DisplaySuffix:    "via Canvas",
		EnforceWhitelist: cfg.EnforceWhitelist,
	})

	ready, err := webhook.Serve(ctx, cfg.WebhookPort, handler)
	if err != nil {
		slog.Error("failed to start webhook server", "error", err)
		os.Exit(1)
	}
	<-ready

	// --- Periodic membership sync ---
	membershipSync := syncer.New(syncer.Config{
		Provider:         listservClient,
		Roster:           rosterClient,
		Store:            st,
		Domain:           cfg.Listserv.Domain,
		BatchSize:        cfg.Listserv.BatchSize,
		MaxMemberPages:   cfg.MaxMemberPages,
		EnforceWhitelist: cfg.EnforceWhitelist,
		Interval:         cfg.SyncInterval,
		Logger:           logger,
	})
	membershipSync.StartPeriodic(ctx)

	// --- Health Check Server ---
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := rdb.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis unhealthy", http.StatusServiceUnavailable)
			return
		}
		if err := pgPool.Ping(r.Context()); err != nil {
			http.Error(w, "postgres unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status": "healthy"}`))
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// --- Graceful Shutdown ---
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigCh

		slog.Info("received shutdown signal", "signal", sig)
		cancel()

		membershipSync.Stop()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}

		rdb.Close()
		pgPool.Close()
	}()

	slog.Info("listbridge service listening", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("listbridge service stopped")
}
