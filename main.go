package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/GGPrompts/chatbridge/api"
	"github.com/GGPrompts/chatbridge/config"
	"github.com/GGPrompts/chatbridge/domain"
	"github.com/GGPrompts/chatbridge/internal/backend"
	"github.com/GGPrompts/chatbridge/internal/backend/claude"
	"github.com/GGPrompts/chatbridge/internal/backend/codex"
	"github.com/GGPrompts/chatbridge/internal/backend/gemini"
	"github.com/GGPrompts/chatbridge/internal/backend/mock"
	"github.com/GGPrompts/chatbridge/internal/genstate"
	"github.com/GGPrompts/chatbridge/internal/logstore"
	"github.com/GGPrompts/chatbridge/internal/ollama"
	"github.com/GGPrompts/chatbridge/internal/procreg"
	"github.com/GGPrompts/chatbridge/internal/service"
	"github.com/GGPrompts/chatbridge/policy"
)

func main() {
	cfg := config.Load()

	log.Printf("Starting chatbridge...")
	log.Printf("HTTP Port: %d", cfg.HTTPPort)
	log.Printf("Data dir: %s", cfg.DataDir)
	log.Printf("Ollama URL: %s", cfg.OllamaURL)

	// Conversation log store
	logs, err := logstore.New(filepath.Join(cfg.DataDir, "conversations"))
	if err != nil {
		log.Fatalf("Failed to initialize log store: %v", err)
	}

	// Generation state tracker
	state, err := genstate.New(cfg.StateDBPath)
	if err != nil {
		log.Fatalf("Failed to initialize state tracker: %v", err)
	}
	defer state.Close()

	// Background lifecycle for sweepers and janitors
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	state.StartSweeper(ctx, time.Minute, cfg.StaleGeneration)

	// Generation-state transitions are observable without polling; log them
	// the way any other subscriber (another tab, a dashboard) would consume
	// them.
	sub := state.Bus().Subscribe(16)
	go func() {
		defer state.Bus().Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case change, ok := <-sub.C:
				if !ok {
					return
				}
				if change.Active {
					log.Printf("INFO: generation started for %s on %s", change.ConversationID, change.Backend)
				} else {
					log.Printf("INFO: generation finished for %s", change.ConversationID)
				}
			}
		}
	}()

	// Process/session registry
	procs := procreg.New()
	procs.StartJanitor(ctx, time.Minute, cfg.IdleSessionAge)

	// Backend adapters; mock last so it stays the explicit fallback
	registry := backend.NewRegistry(
		claude.New(cfg.ClaudeBin),
		gemini.New(cfg.GeminiBin),
		codex.New(cfg.CodexBin),
		mock.New(),
	)

	// Tool policy
	policyEngine, err := policy.Load(ctx, filepath.Join(cfg.DataDir, "policy.rego"))
	if err != nil {
		log.Fatalf("Failed to initialize policy engine: %v", err)
	}

	// Default chat settings (optional YAML file)
	defaults, err := domain.LoadDefaultSettings(cfg.SettingsPath)
	if err != nil {
		log.Fatalf("Failed to load default settings: %v", err)
	}

	ollamaClient := ollama.NewClient(cfg.OllamaURL, cfg.ProbeTimeout)

	svc := service.New(cfg, logs, state, registry, procs, policyEngine, ollamaClient, defaults)
	h := api.NewHandler(svc)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	h.RegisterRoutes(e)

	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()
	log.Printf("API started on port %d", cfg.HTTPPort)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down chatbridge...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown server gracefully: %v", err)
	}

	// Tear down live processes and sessions so nothing survives us.
	if n := procs.CleanupIdle(0); n > 0 {
		log.Printf("INFO: terminated %d live session(s)", n)
	}

	log.Println("Chatbridge stopped")
}
