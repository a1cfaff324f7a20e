package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/cors"
	"github.com/spf13/cobra"
	"github.com/techday/satbridge/agentproxy"
	"github.com/techday/satbridge/internal/config"
	"github.com/techday/satbridge/internal/engine"
	"github.com/techday/satbridge/platform"
	"github.com/techday/satbridge/sat"
	"github.com/techday/satbridge/satapi"
	"github.com/techday/satbridge/sattools"
	"github.com/techday/satbridge/sessions"
	"github.com/techday/satbridge/ssehttp"
	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var (
	addrFlag    string
	seedFlag    bool
	noCacheFlag bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the MCP bridge, the REST API and the chat proxy",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		if addrFlag != "" {
			cfg.ListenAddr = addrFlag
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, log)
	},
}

func init() {
	serveCmd.Flags().StringVar(&addrFlag, "addr", "", "listen address (overrides LISTEN_ADDR)")
	serveCmd.Flags().BoolVar(&seedFlag, "seed", false, "load demo fixtures into an empty store before serving (always on for the memory store)")
	serveCmd.Flags().BoolVar(&noCacheFlag, "no-cache", false, "disable the catalog cache")
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	repo, err := openRepository(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = repo.Close() }()
	if !noCacheFlag {
		cached, err := withCatalogCache(ctx, cfg, repo, log)
		if err != nil {
			return err
		}
		repo = cached
	}

	if seedFlag || cfg.Database.Store == config.StoreMemory {
		seeded, err := sat.Seed(ctx, repo)
		if err != nil {
			return err
		}
		log.InfoContext(ctx, "store.seed", slog.Bool("seeded", seeded))
	}

	docs, err := fileblob.OpenBucket(cfg.Documents.Dir, &fileblob.Options{CreateDir: true})
	if err != nil {
		return fmt.Errorf("open uploads dir %q: %w", cfg.Documents.Dir, err)
	}
	defer func() { _ = docs.Close() }()

	handler, registry, err := newHandler(cfg, repo, docs, log)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	// Open SSE streams never go idle on their own; end them so Shutdown can
	// drain.
	srv.RegisterOnShutdown(registry.CloseAll)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.InfoContext(gctx, "http.listen", slog.String("addr", cfg.ListenAddr), slog.String("store", cfg.Database.Store))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("http.shutdown", slog.Int("sessions", registry.Len()))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// newHandler composes every HTTP surface behind CORS. The returned registry
// is shared by the SSE handler and the engine. Machine manuals live in docs.
func newHandler(cfg *config.Config, repo sat.Repository, docs *blob.Bucket, log *slog.Logger) (http.Handler, *sessions.Registry, error) {
	registry := sessions.NewRegistry(
		sessions.WithLogger(log),
		sessions.WithQueueSize(cfg.MCP.QueueSize),
		sessions.WithOverflowPolicy(cfg.OverflowPolicy()),
	)
	eng := engine.NewEngine(registry, sattools.New(repo, sattools.WithLogger(log)),
		engine.WithLogger(log),
		engine.WithStrictHandshake(cfg.MCP.StrictHandshake),
		engine.WithToolConcurrency(cfg.MCP.ToolConcurrency),
		engine.WithToolTimeout(cfg.MCP.ToolTimeout),
	)

	sseOpts := []ssehttp.Option{
		ssehttp.WithLogger(log),
		ssehttp.WithBasePath(cfg.MCP.BasePath),
		ssehttp.WithKeepAlive(cfg.MCP.KeepAlive),
	}
	if cfg.MCP.PublicBaseURL != "" {
		sseOpts = append(sseOpts, ssehttp.WithPublicBaseURL(cfg.MCP.PublicBaseURL))
	}
	bridge, err := ssehttp.New(registry, eng, sseOpts...)
	if err != nil {
		return nil, nil, err
	}

	client, err := platform.New(platform.Config{BaseURL: cfg.Agent.URL, APIKey: cfg.Agent.APIKey})
	if err != nil {
		return nil, nil, err
	}
	proxy := agentproxy.New(client, agentproxy.WithLogger(log))

	mux := http.NewServeMux()
	mux.Handle("/"+strings.Trim(cfg.MCP.BasePath, "/")+"/", bridge)
	api := satapi.New(repo,
		satapi.WithLogger(log),
		satapi.WithKnowledge(client),
		satapi.WithDocuments(docs),
	)
	mux.Handle(satapi.DefaultBasePath+"/", api)
	mux.Handle(satapi.UploadsPath+"/", api)
	mux.Handle(agentproxy.DefaultBasePath+"/", proxy)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"status":"ok","sessions":%d}`, registry.Len())
	})

	c := cors.New(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins(),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(mux), registry, nil
}
