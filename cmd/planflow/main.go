package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/kataras/golog"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/smallnest/planflow/graph"
	"github.com/smallnest/planflow/llm"
	"github.com/smallnest/planflow/log"
	"github.com/smallnest/planflow/registry"
	"github.com/smallnest/planflow/server"
	"github.com/smallnest/planflow/service"
	"github.com/smallnest/planflow/store"
	"github.com/smallnest/planflow/store/memory"
	"github.com/smallnest/planflow/store/postgres"
	"github.com/smallnest/planflow/store/redis"
	"github.com/smallnest/planflow/store/sqlite"
)

func main() {
	log.SetDefaultLogger(newLogger())

	if err := godotenv.Load(); err != nil {
		log.Debug("no .env file loaded: %v", err)
	}

	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		log.Error("OPENAI_API_KEY is required")
		os.Exit(1)
	}

	addr := envOr("PLANFLOW_ADDR", ":8080")
	model := envOr("PLANFLOW_MODEL", "gpt-4o")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	checkpoints := openCheckpointStore(ctx)

	pool := llm.NewPool(func(model, credential string) (llm.Gateway, error) {
		client, err := openai.New(
			openai.WithToken(credential),
			openai.WithModel(model),
		)
		if err != nil {
			return nil, err
		}
		return llm.NewChatGateway(client), nil
	})

	svc := service.New(service.Config{
		Runner:       graph.NewRunner(checkpoints),
		Catalog:      registry.DefaultCatalog(),
		Pool:         pool,
		APIKey:       apiKey,
		DefaultModel: model,
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           server.New(svc).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server stopped: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown incomplete: %v", err)
	}
}

// newLogger builds the process-wide golog-backed logger, honoring
// PLANFLOW_LOG_LEVEL when set.
func newLogger() *log.GologLogger {
	logger := log.NewGologLogger(golog.New())
	switch os.Getenv("PLANFLOW_LOG_LEVEL") {
	case "debug":
		logger.SetLevel(log.LogLevelDebug)
	case "warn":
		logger.SetLevel(log.LogLevelWarn)
	case "error":
		logger.SetLevel(log.LogLevelError)
	default:
		logger.SetLevel(log.LogLevelInfo)
	}
	return logger
}

// openCheckpointStore selects the durable backend from the environment,
// falling back to in-memory with a warning so the service still serves
// requests when no store is reachable.
func openCheckpointStore(ctx context.Context) store.CheckpointStore {
	if connString := os.Getenv("DATABASE_URL"); connString != "" {
		cs, err := openPostgres(ctx, connString)
		if err == nil {
			log.Info("checkpoints: postgres")
			return cs
		}
		log.Warn("postgres unreachable, falling back to in-memory checkpoints: %v", err)
		return memory.NewMemoryCheckpointStore()
	}

	if path := os.Getenv("SQLITE_PATH"); path != "" {
		cs, err := sqlite.NewSqliteCheckpointStore(sqlite.SqliteOptions{Path: path})
		if err == nil {
			log.Info("checkpoints: sqlite at %s", path)
			return cs
		}
		log.Warn("sqlite unavailable, falling back to in-memory checkpoints: %v", err)
		return memory.NewMemoryCheckpointStore()
	}

	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		log.Info("checkpoints: redis at %s", redisAddr)
		return redis.NewRedisCheckpointStore(redis.RedisOptions{
			Addr:     redisAddr,
			Password: os.Getenv("REDIS_PASSWORD"),
		})
	}

	log.Warn("no DATABASE_URL or REDIS_ADDR set, using in-memory checkpoints; state is lost on restart")
	return memory.NewMemoryCheckpointStore()
}

// openPostgres builds the store, then pings and migrates before handing
// it out. pgxpool.New only parses the connection string, so without the
// ping an unreachable database would not surface until the first Put.
func openPostgres(ctx context.Context, connString string) (*postgres.PostgresCheckpointStore, error) {
	cs, err := postgres.NewPostgresCheckpointStore(ctx, postgres.PostgresOptions{
		ConnString: connString,
	})
	if err != nil {
		return nil, err
	}
	if err := cs.Ping(ctx); err != nil {
		cs.Close()
		return nil, err
	}
	if err := cs.InitSchema(ctx); err != nil {
		cs.Close()
		return nil, err
	}
	return cs, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
