package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/finrag/internal/api"
	"github.com/kalambet/finrag/internal/config"
	"github.com/kalambet/finrag/internal/ingest"
	"github.com/kalambet/finrag/internal/ollama"
	"github.com/kalambet/finrag/internal/rag"
	"github.com/kalambet/finrag/internal/reranking"
	"github.com/kalambet/finrag/internal/retrieval"
	"github.com/kalambet/finrag/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the finrag server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		skipCheck, _ := cmd.Flags().GetBool("skip-model-check")
		mcpStdio, _ := cmd.Flags().GetBool("mcp")
		return runServer(cmd.Context(), skipCheck, mcpStdio)
	},
}

func init() {
	serveCmd.Flags().Bool("skip-model-check", false, "start even if Ollama or its models are unavailable")
	serveCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdin/stdout")
}

func runServer(ctx context.Context, skipModelCheck, mcpStdio bool) error {
	fmt.Fprintf(os.Stderr, "finrag version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel()})))

	// Refuse to start twice on the same port.
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(cfg.ServerURL() + "/health"); err == nil {
		resp.Body.Close()
		printWarning("finrag is already running at %s", cfg.ServerURL())
		return fmt.Errorf("server already running at %s", cfg.ServerURL())
	}

	ollamaClient := ollama.New(cfg.Ollama.BaseURL)
	if err := ollama.EnsureReady(ctx, ollamaClient, cfg.Ollama.ChatModel, cfg.Ollama.EmbedModel, os.Stderr); err != nil {
		if !skipModelCheck {
			return err
		}
		slog.Warn("continuing without a ready model server", "error", err)
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	if err := os.MkdirAll(cfg.Storage.UploadDir, 0o700); err != nil {
		return fmt.Errorf("creating upload dir: %w", err)
	}

	embedder := retrieval.NewEmbedder(ollamaClient, cfg.Ollama.EmbedModel)
	vectorStore := retrieval.NewSQLiteStore(store.DB())
	retriever := retrieval.NewRetriever(embedder, vectorStore)
	ragOpts := []rag.Option{
		rag.WithLLM(ollamaClient, cfg.Ollama.ChatModel),
		rag.WithTopK(cfg.Retrieval.TopK),
	}
	if cfg.Retrieval.RerankTimeout > 0 {
		ragOpts = append(ragOpts, rag.WithReranker(
			reranking.New(ollamaClient, cfg.Ollama.ChatModel, cfg.Retrieval.RerankTimeout, reranking.DefaultThreshold)))
	}
	workflows := rag.New(retriever, ragOpts...)

	registry := ingest.NewRegistry(cfg.Ingest.Retention)
	processor := ingest.NewProcessor(embedder, vectorStore, store)
	worker := ingest.NewWorker(store, processor, registry, 500*time.Millisecond, cfg.Ingest.Timeout)
	go worker.Run(ctx)

	handler := api.NewHandler(api.Deps{
		Store:     store,
		RAG:       workflows,
		Vectors:   vectorStore,
		Registry:  registry,
		Queue:     worker,
		Processor: processor,
		OllamaStatus: func(ctx context.Context) ollama.Status {
			return ollama.CheckStatus(ctx, ollamaClient, cfg.Ollama.ChatModel, cfg.Ollama.EmbedModel)
		},
		UploadDir:      cfg.Storage.UploadDir,
		MaxUploadBytes: cfg.MaxUploadBytes(),
		TokenDelay:     cfg.Chat.TokenDelay,
		StaleAfter:     cfg.Ingest.StaleAfter,
		StreamTimeout:  cfg.Ingest.Timeout,
	})

	addr := cfg.Addr()
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	if mcpStdio {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Store:    store,
			RAG:      workflows,
			Search:   retriever,
			Registry: registry,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "finrag listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Open progress streams end when BaseContext is cancelled, so Shutdown
	// does not wait for them.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
