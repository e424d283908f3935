package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"skillagent/internal/agent"
	"skillagent/internal/config"
	"skillagent/internal/memory"
	"skillagent/internal/provider/openai"
	"skillagent/internal/rerank"
	"skillagent/internal/sandbox"
	"skillagent/internal/server"
	"skillagent/internal/skills"
	"skillagent/internal/store"
)

func newServeCmd() *cobra.Command {
	var rps float64
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agent HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return runServe(cfg, rps)
		},
	}
	cmd.Flags().Float64Var(&rps, "completions-rps", 0, "rate limit for completion requests per second (0 = unlimited)")
	return cmd
}

func runServe(cfg *config.Config, rps float64) error {
	st, err := store.New(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	registry, err := skills.NewRegistry(cfg.Skills.Directory, version)
	if err != nil {
		return fmt.Errorf("building skill registry: %w", err)
	}
	log.Printf("loaded %d skills from %s", registry.Snapshot().Len(), cfg.Skills.Directory)

	apiKey, err := config.ResolveAPIKey(cfg.Provider)
	if err != nil {
		return err
	}
	llm := openai.New(cfg.Provider.BaseURL, apiKey)

	gateway := sandbox.New(cfg.Sandbox.BaseURL(), cfg.Sandbox.ExecTimeout())
	if err := gateway.Health(context.Background()); err != nil {
		log.Printf("warning: sandbox gateway not reachable at startup: %v", err)
	}
	executor := skills.NewExecutor(registry, gateway, cfg.Skills.SandboxSkill, nil)

	var retriever agent.MemoryRetriever
	if cfg.Memory.RerankBaseURL != "" {
		reranker := rerank.New(cfg.Memory.RerankBaseURL, apiKey, cfg.Memory.RerankModel)
		retriever = memory.NewRetriever(reranker, llm, cfg.Provider.Model,
			cfg.Memory.TopK, cfg.Memory.MinScore, cfg.Memory.TurnThreshold)
	}

	temperature := cfg.Agent.DefaultTemperature
	engine := agent.NewEngine(llm, registry, executor, st, retriever, agent.Options{
		Model:         cfg.Provider.Model,
		MaxIterations: cfg.Agent.MaxIterations,
		Temperature:   &temperature,
		MaxTokens:     cfg.Agent.DefaultMaxTokens,
	})

	srv := server.New(engine, st, registry, rps)
	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Printf("listening on %s", httpSrv.Addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		log.Printf("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	}
	return nil
}
