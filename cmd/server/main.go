// Copyright 2026 Harbor AI Inc. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package main

import (
	"log"
	"net/http"
	"time"

	"github.com/harbor-ai-inc/harbor-backend/internal/agent"
	"github.com/harbor-ai-inc/harbor-backend/internal/auth"
	"github.com/harbor-ai-inc/harbor-backend/internal/config"
	"github.com/harbor-ai-inc/harbor-backend/internal/health"
	"github.com/harbor-ai-inc/harbor-backend/internal/sandbox"
	"github.com/harbor-ai-inc/harbor-backend/internal/sessions"
	"github.com/harbor-ai-inc/harbor-backend/internal/vault"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	store, err := sessions.NewStore(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("open session store: %v", err)
	}
	defer store.Close()

	secrets, err := vault.New(cfg.MasterSecret)
	if err != nil {
		log.Fatalf("init vault: %v", err)
	}

	var platformOpts []sandbox.Option
	if cfg.Platform.URL != "" {
		platformOpts = append(platformOpts, sandbox.WithBaseURL(cfg.Platform.URL))
	}
	platform := sandbox.NewHTTPClient(cfg.Platform.Token, platformOpts...)

	prov := sandbox.NewProvisioner(platform,
		sandbox.WithImage(cfg.Platform.Image),
		sandbox.WithPollBudget(cfg.Platform.PollAttempts, time.Second),
	)

	monitor := health.NewMonitorWith(
		time.Duration(cfg.Health.TTLSeconds)*time.Second,
		cfg.Health.FailureThreshold,
	)

	manager := sessions.NewManager(store, prov, agent.NewCache(), secrets, monitor)
	server := NewServer(manager)
	middleware := auth.NewMiddleware(cfg.APIToken)

	if !middleware.IsEnabled() {
		log.Printf("WARNING: no api token configured; all requests will be rejected")
	}

	log.Printf("Starting server on :%s", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, server.Handler(middleware)); err != nil {
		log.Fatal(err)
	}
}
