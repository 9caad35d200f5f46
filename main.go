package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"flowchat/internal/api"
	"flowchat/internal/config"
	"flowchat/internal/events"
	"flowchat/internal/generation"
	"flowchat/internal/memory"
	"flowchat/internal/messages"
	"flowchat/internal/redis"
	"flowchat/internal/service/ai"
	"flowchat/internal/storage"
	"flowchat/internal/tools"
	"flowchat/internal/worker"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/cloudwego/eino/components/tool"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const (
	hubBuffer       = 256
	shutdownTimeout = 15 * time.Second
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		log.Fatal().Err(err).Msg("flowchat stopped")
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "flowchat",
		Short:         "Branching chat server with streaming generation and long-term memory",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP server",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return serve(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Create or upgrade the database schema",
			RunE: func(cmd *cobra.Command, _ []string) error {
				_, db, dbType, err := bootstrap()
				if err != nil {
					return err
				}
				defer db.Close()
				if err := storage.Migrate(db, dbType); err != nil {
					return errors.Wrap(err, "migrate database")
				}
				log.Info().Str("driver", dbType).Msg("database migrated")
				return nil
			},
		},
		&cobra.Command{
			Use:   "backfill",
			Short: "Embed every message that has no embedding yet",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return backfill(cmd.Context())
			},
		},
	)
	return root
}

// bootstrap loads config, configures logging and opens the database.
func bootstrap() (*config.Config, *sql.DB, string, error) {
	cfg, err := config.Load(os.Getenv("FLOWCHAT_CONFIG"))
	if err != nil {
		return nil, nil, "", errors.Wrap(err, "load config")
	}
	setupLogging(cfg.BasicConfig)

	dbType := os.Getenv("FLOWCHAT_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		return nil, nil, "", errors.Wrap(err, "open database")
	}
	return cfg, db, dbType, nil
}

func setupLogging(basic config.BasicConfig) {
	level, err := zerolog.ParseLevel(strings.ToLower(basic.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if basic.LogPretty {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger()
		return
	}
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func newEmbedder(ctx context.Context, cfg *config.Config) embedding.Embedder {
	if cfg.Embedding.APIKey == "" {
		log.Info().Msg("embedding disabled: no api key configured")
		return nil
	}
	emb, err := ai.NewGenAIEmbedder(ctx, cfg.Embedding)
	if err != nil {
		log.Warn().Err(err).Msg("embedding disabled")
		return nil
	}
	return emb
}

func backfill(ctx context.Context) error {
	cfg, db, dbType, err := bootstrap()
	if err != nil {
		return err
	}
	defer db.Close()
	if err := storage.Migrate(db, dbType); err != nil {
		return errors.Wrap(err, "migrate database")
	}
	emb := newEmbedder(ctx, cfg)
	if emb == nil {
		return memory.ErrNoEmbedder
	}
	gw := storage.NewGateway(db, dbType)
	n, err := memory.NewBackfiller(gw, emb, cfg.Embedding.BatchSize, cfg.Embedding.Concurrency).BackfillOnce(ctx)
	if err != nil {
		return err
	}
	log.Info().Int("count", n).Msg("embedding backfill finished")
	return nil
}

func serve(parent context.Context) error {
	cfg, db, dbType, err := bootstrap()
	if err != nil {
		return err
	}
	defer db.Close()
	if err := storage.Migrate(db, dbType); err != nil {
		return errors.Wrap(err, "migrate database")
	}
	log.Info().Str("driver", dbType).Msg("database ready")

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	gw := storage.NewGateway(db, dbType)

	memOpts := []memory.Option{}
	if cfg.Redis.Enabled {
		rdb, err := redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			return errors.Wrap(err, "create redis client")
		}
		defer rdb.Close()
		ttl := time.Duration(cfg.Redis.RecallTTLSeconds) * time.Second
		memOpts = append(memOpts, memory.WithCache(memory.NewRedisCache(rdb, ttl)))
		log.Info().Str("addr", rdb.Addr()).Dur("ttl", ttl).Msg("memory recall cache enabled")
	}
	emb := newEmbedder(ctx, cfg)
	if emb != nil {
		memOpts = append(memOpts, memory.WithEmbedder(emb))
	}
	mem := memory.NewEngine(gw, memOpts...)

	dispatcher := worker.NewDispatcher(cfg.BasicConfig.Workers, cfg.BasicConfig.QueueSize)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := dispatcher.Stop(stopCtx); err != nil {
			log.Warn().Err(err).Msg("workers did not stop in time")
		}
	}()

	if emb != nil {
		interval := time.Duration(cfg.BasicConfig.EmbeddingIntervalMinutes) * time.Minute
		memory.NewBackfiller(gw, emb, cfg.Embedding.BatchSize, cfg.Embedding.Concurrency).Start(ctx, interval, dispatcher)
	}

	toolList := []tool.InvokableTool{tools.NewMemoryTool(mem)}
	if cfg.ImageGeneration.APIKey != "" {
		gen, err := ai.NewOpenAIImageGenerator(cfg.ImageGeneration)
		if err != nil {
			log.Warn().Err(err).Msg("image tool disabled")
		} else {
			toolList = append(toolList, tools.NewImageTool(gen))
		}
	}
	if cfg.WebSearch.Enabled {
		toolList = append(toolList, tools.NewWebSearchTool(ctx, tools.WebSearchConfig{
			GoogleAPIKey:         cfg.WebSearch.GoogleAPIKey,
			GoogleSearchEngineID: cfg.WebSearch.GoogleSearchEngineID,
			DisableDuckDuckGo:    cfg.WebSearch.DisableDuckDuckGo,
		}))
	}
	toolSet := tools.NewSet(tools.NewBridge(gw), toolList...)

	hub := events.NewHub(hubBuffer)
	store := messages.NewStore(gw, hub)
	orch := generation.New(generation.Deps{
		Store:     store,
		Provider:  ai.NewService(cfg.Providers),
		Prompts:   mem,
		Rooms:     gw,
		Tools:     toolSet,
		Jobs:      dispatcher,
		Publisher: hub,
		Config:    cfg.Generation,
	})

	gin.SetMode(gin.ReleaseMode)
	router := api.NewRouter(api.NewHandler(api.Deps{
		Rooms:        gw,
		Store:        store,
		Orchestrator: orch,
		Memory:       mem,
		Hub:          hub,
		APIToken:     cfg.BasicConfig.APIToken,
	}))

	srv := &http.Server{
		Addr:              cfg.BasicConfig.ServerAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Int("tools", toolSet.Len()).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return errors.Wrap(err, "server stopped")
		}
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Wrap(srv.Shutdown(shutdownCtx), "shutdown server")
}
