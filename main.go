// videorag is the session orchestrator for video retrieval-augmented
// generation. The same binary runs in two modes: the long-lived
// orchestrator, which hosts the shared embedding model and the HTTP
// API, and short-lived worker processes it spawns for indexing and
// query pipelines.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"videorag/config"
	"videorag/core"
	"videorag/embedder"
	"videorag/processors"
	"videorag/server"
	"videorag/storage"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if len(os.Args) > 1 && os.Args[1] == "worker" {
		if err := runWorker(os.Args[2:]); err != nil {
			log.Fatalf("worker failed: %v", err)
		}
		return
	}
	if err := runOrchestrator(); err != nil {
		log.Fatalf("orchestrator failed: %v", err)
	}
}

func runOrchestrator() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	status := core.NewStatusStore(cfg.BaseStoragePath)
	manager := embedder.NewManager(embedder.NewPythonRuntime)
	if cfg.ImageBindModelPath != "" {
		manager.Configure(cfg.ImageBindModelPath)
	}

	pm, err := core.NewProcessManager(status, func() string {
		return string(cfg.ToJSON())
	})
	if err != nil {
		return err
	}
	facade := core.NewFacade(pm, status)
	srv := server.New(cfg, facade, pm, manager)

	ln, err := server.Listen()
	if err != nil {
		return err
	}
	serverURL := "http://" + ln.Addr().String()
	pm.SetServerURL(serverURL)
	log.Printf("orchestrator listening on %s", serverURL)

	httpServer := &http.Server{Handler: srv.Routes()}
	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(ln)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Printf("received %s, shutting down", sig)
	case err := <-errCh:
		log.Printf("http server stopped: %v", err)
	}

	pm.Cleanup()
	manager.Cleanup()
	return httpServer.Shutdown(context.Background())
}

// runWorker executes one pipeline in a spawned process. Configuration
// arrives serialized in the environment so the worker sees exactly what
// the orchestrator was running with.
func runWorker(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("worker mode requires a pipeline: index or query")
	}
	mode, rest := args[0], args[1:]

	raw := os.Getenv(core.ConfigEnvVar)
	if raw == "" {
		return fmt.Errorf("%s is not set", core.ConfigEnvVar)
	}
	cfg, err := config.FromJSON([]byte(raw))
	if err != nil {
		return err
	}
	status := core.NewStatusStore(cfg.BaseStoragePath)

	// Worker logs go to stderr (inherited by the orchestrator) and to a
	// per-session log file.
	attachSessionLog := func(chatID string) {
		dir := cfg.SessionDir(chatID)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return
		}
		f, err := os.OpenFile(filepath.Join(dir, "log.txt"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			log.Printf("could not open session log: %v", err)
			return
		}
		log.SetOutput(io.MultiWriter(os.Stderr, f))
	}

	switch mode {
	case "index":
		fs := flag.NewFlagSet("index", flag.ContinueOnError)
		chatID := fs.String("chat", "", "session id")
		serverURL := fs.String("server", "", "orchestrator base URL")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		videoPaths := fs.Args()
		if *chatID == "" || *serverURL == "" || len(videoPaths) == 0 {
			return fmt.Errorf("index worker needs --chat, --server and video paths")
		}
		attachSessionLog(*chatID)
		return runIndexWorker(cfg, status, *chatID, *serverURL, videoPaths)

	case "query":
		fs := flag.NewFlagSet("query", flag.ContinueOnError)
		chatID := fs.String("chat", "", "session id")
		serverURL := fs.String("server", "", "orchestrator base URL")
		query := fs.String("query", "", "question to answer")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		if *chatID == "" || *serverURL == "" || *query == "" {
			return fmt.Errorf("query worker needs --chat, --server and --query")
		}
		attachSessionLog(*chatID)
		return runQueryWorker(cfg, status, *chatID, *serverURL, *query)

	default:
		return fmt.Errorf("unknown worker pipeline %q", mode)
	}
}

func runIndexWorker(cfg *config.Config, status *core.StatusStore, chatID, serverURL string, videoPaths []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	llmCache, err := storage.OpenJSONKV[string](cfg.SessionDir(chatID), "llm_response_cache")
	if err != nil {
		return err
	}
	pipeline, err := processors.NewIndexPipeline(cfg, status, serverURL, llmCache)
	if err != nil {
		status.Update(chatID, core.ChannelIndexing, core.StatusPatch{
			"status":  core.StatusError,
			"message": err.Error(),
		})
		return err
	}
	defer llmCache.Flush()
	return pipeline.Run(ctx, chatID, videoPaths)
}

func runQueryWorker(cfg *config.Config, status *core.StatusStore, chatID, serverURL, query string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	llmCache, err := storage.OpenJSONKV[string](cfg.SessionDir(chatID), "llm_response_cache")
	if err != nil {
		return err
	}
	pipeline, err := processors.NewQueryPipeline(cfg, status, serverURL, llmCache)
	if err != nil {
		status.Update(chatID, core.ChannelQuery, core.StatusPatch{
			"status":  core.StatusError,
			"message": err.Error(),
		})
		return err
	}
	defer llmCache.Flush()
	return pipeline.Run(ctx, chatID, query)
}
