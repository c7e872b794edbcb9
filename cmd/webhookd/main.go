// Package main is the entry point for the voicefuse pipeline's webhook
// daemon.
//
// This file wires together every component (dependency injection):
// Config → Runtime (providers, checkpoint store, audit log) → Webhook
// Server → HTTP listener. It is the orchestrator; it creates the pieces
// and connects them, then starts serving.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brightloom/voicefuse/internal/config"
	"github.com/brightloom/voicefuse/internal/runtime"
	"github.com/brightloom/voicefuse/internal/webhook"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Printf("🚀 voicefuse webhookd %s starting...", Version)

	// ────────────────────────────────────────────
	// Step 1: Load Configuration
	// ────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}
	os.Setenv("GIN_MODE", cfg.GinMode)

	// ────────────────────────────────────────────
	// Step 2: Build the Runtime (providers, budgets, checkpoint store,
	// optional audit DB)
	// ────────────────────────────────────────────
	rt, err := runtime.New(cfg)
	if err != nil {
		log.Fatalf("❌ Failed to build runtime: %v", err)
	}
	defer rt.Close()

	if rt.Audit != nil {
		if err := rt.Audit.RunMigrations("internal/auditlog/migrations", rt.Log); err != nil {
			log.Fatalf("❌ Audit log migration failed: %v", err)
		}
		rt.Log.Info("audit log connected")
	} else {
		rt.Log.Warn("AUDIT_DATABASE_URL not set; webhook deliveries and retry stats will not be persisted")
	}

	// ────────────────────────────────────────────
	// Step 3: Wire the webhook endpoint (C8)
	// ────────────────────────────────────────────
	metrics := webhook.NewMetrics()
	resumer := runtime.NewWebhookResumer(rt)
	dispatcher := webhook.NewDispatcher(cfg.DataRoot+"/interim", resumer)
	dispatcher.Audit = rt.Audit
	dispatcher.ResolvePipelineID = func(jobID string) (string, error) {
		state, err := rt.Checkpoints.FindByPendingJobID(jobID)
		if err != nil {
			return "", err
		}
		if state == nil {
			return "", fmt.Errorf("no pipeline is waiting on job %s", jobID)
		}
		return state.PipelineID, nil
	}
	secrets := func(jobID string) (string, error) {
		pipelineID, err := dispatcher.ResolvePipelineID(jobID)
		if err != nil {
			return "", err
		}
		return rt.PipelineSecret(pipelineID)
	}
	server := webhook.NewServer(dispatcher, metrics, secrets, rt.Log)

	r := server.Router([]string{"*"})

	// ────────────────────────────────────────────
	// Step 4: Start the HTTP Server
	// ────────────────────────────────────────────
	srv := &http.Server{
		Addr:         cfg.WebhookBindAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		rt.Log.WithField("addr", cfg.WebhookBindAddr).Info("webhook server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Server failed: %v", err)
		}
	}()

	// ────────────────────────────────────────────
	// Step 5: Graceful Shutdown
	// ────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	rt.Log.WithField("signal", fmt.Sprint(sig)).Info("shutting down gracefully")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		rt.Log.WithError(err).Warn("server forced to shutdown")
	}

	rt.Log.Info("webhookd stopped")
}
