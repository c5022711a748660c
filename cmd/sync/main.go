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

// listbridge sync command
//
// Standalone CLI that reconciles listserv membership against the
// enrollment roster, for one course or for every active list. Intended
// for operators forcing a sync outside the hourly schedule.
//
// Usage:
//
//	go run ./cmd/sync/ [--course <id>] [--ignore-whitelist]
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coursemail/listbridge/internal/config"
	"github.com/coursemail/listbridge/internal/listserv"
	"github.com/coursemail/listbridge/internal/roster"
	"github.com/coursemail/listbridge/internal/store"
	syncer "github.com/coursemail/listbridge/internal/sync"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	courseFlag := flag.Int64("course", 0, "Course id to sync (0 = all active lists)")
	ignoreWhitelist := flag.Bool("ignore-whitelist", false, "Sync the full roster even when the whitelist is enforced")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

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

	st, err := store.New(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise store", "error", err)
		os.Exit(1)
	}

	listservClient := listserv.NewClient(listserv.Config{
		APIURL:   cfg.Listserv.APIURL,
		Domain:   cfg.Listserv.Domain,
		User:     cfg.Listserv.APIUser,
		Key:      cfg.Listserv.APIKey,
		PageSize: cfg.Listserv.PageSize,
	})
	rosterClient := roster.NewClient(ctx, cfg.Roster.BaseURL, cfg.Roster.Token, 30*time.Second)

	s := syncer.New(syncer.Config{
		Provider:         listservClient,
		Roster:           rosterClient,
		Store:            st,
		Domain:           cfg.Listserv.Domain,
		BatchSize:        cfg.Listserv.BatchSize,
		MaxMemberPages:   cfg.MaxMemberPages,
		EnforceWhitelist: cfg.EnforceWhitelist,
		Logger:           logger,
	})
	opts := syncer.Options{IgnoreWhitelist: *ignoreWhitelist}

	if *courseFlag != 0 {
		results, err := s.SyncCourse(ctx, *courseFlag, opts)
		if err != nil {
			slog.Error("course sync failed", "course_id", *courseFlag, "error", err)
			os.Exit(1)
		}
		for _, res := range results {
			slog.Info("list synced",
				"list", res.Address,
				"added", res.Added,
				"deleted", res.Deleted,
				"total", res.Total)
		}
		return
	}

	if err := s.SyncAll(ctx, opts); err != nil {
		slog.Error("sync failed", "error", err)
		os.Exit(1)
	}
	slog.Info("all active lists synced")
}
