// Package main is the entry point for the taskstream service.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oremus-labs/taskstream/config"
	"github.com/oremus-labs/taskstream/internal/api"
	"github.com/oremus-labs/taskstream/internal/cache"
	"github.com/oremus-labs/taskstream/internal/handlers"
	"github.com/oremus-labs/taskstream/internal/queue"
	"github.com/oremus-labs/taskstream/internal/realtime"
	"github.com/oremus-labs/taskstream/internal/redisx"
	"github.com/oremus-labs/taskstream/internal/store"
	"github.com/oremus-labs/taskstream/internal/taskapi"
	"github.com/oremus-labs/taskstream/internal/wsclient"
	"github.com/redis/go-redis/v9"
)

const (
	version         = "0.1.0"
	shutdownTimeout = 10 * time.Second
)

func main() {
	// Initialize logging
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Printf("Starting taskstream v%s", version)

	// Load configuration
	cfg := config.Load()
	log.Printf("Configuration loaded - Stream: %s, DataStore: %s, Task filter: %q",
		cfg.StreamURL, cfg.DataStoreDriver, cfg.TaskFilter)

	var redisClient redis.UniversalClient
	if cfg.RedisAddr != "" {
		client, err := redisx.NewClient(redisx.Config{
			Addr:        cfg.RedisAddr,
			Username:    cfg.RedisUsername,
			Password:    cfg.RedisPassword,
			DB:          cfg.RedisDB,
			TLSEnabled:  cfg.RedisTLSEnabled,
			TLSInsecure: cfg.RedisTLSInsecure,
		})
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		redisClient = client
	}

	snapshots, history := openStores(cfg, redisClient)

	opts := realtime.Options{
		Client: wsclient.Config{
			URL:                  cfg.StreamURL,
			Protocols:            cfg.StreamProtocols,
			ReconnectInterval:    cfg.ReconnectInterval,
			MaxReconnectInterval: cfg.MaxReconnectInterval,
			MaxReconnectAttempts: cfg.MaxReconnectAttempts,
			Jitter:               cfg.ReconnectJitter,
			HeartbeatInterval:    cfg.HeartbeatInterval,
			PongTimeout:          cfg.PongTimeout,
			RetryInitialConnect:  cfg.RetryInitialConnect,
		},
		Sync: cache.Options{
			TaskID:         cfg.TaskFilter,
			StrictOrdering: cfg.StrictEventOrdering,
		},
		Snapshots:        snapshots,
		SnapshotInterval: cfg.SnapshotInterval,
	}
	if cfg.APIToken != "" {
		opts.Client.Header = http.Header{"Authorization": {"Bearer " + cfg.APIToken}}
	}
	if cfg.APIBaseURL != "" {
		opts.Source = &taskapi.Client{BaseURL: cfg.APIBaseURL, Token: cfg.APIToken}
	} else {
		log.Println("Task API seeding disabled (API_BASE_URL not set)")
	}
	if relays := buildRelays(cfg, redisClient); len(relays) > 0 {
		opts.Relay = relays
	}
	if history != nil {
		opts.History = history
	}

	session := realtime.New(opts)
	if err := session.Start(context.Background()); err != nil {
		if cfg.RetryInitialConnect {
			log.Printf("Initial stream connection failed, retrying in background: %v", err)
		} else {
			log.Printf("Initial stream connection failed: %v", err)
		}
	}

	handlerOpts := handlers.Options{
		Version:     version,
		AuthEnabled: cfg.ServerToken != "",
		DataStore:   cfg.DataStoreDriver,
		StreamURL:   cfg.StreamURL,
	}
	var h *handlers.Handler
	if history != nil {
		h = handlers.New(session, history, handlerOpts)
	} else {
		h = handlers.New(session, nil, handlerOpts)
	}

	// Setup HTTP server
	server := api.NewServer(h, api.Options{APIToken: cfg.ServerToken})
	srv := server.Start(":" + cfg.ServerPort)
	log.Printf("Server listening on :%s", cfg.ServerPort)

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}
	if err := session.Close(ctx); err != nil {
		log.Printf("Failed to close session: %v", err)
	}
	// The Redis snapshot store closes the client itself.
	if redisClient != nil && cfg.DataStoreDriver != "redis" {
		_ = redisClient.Close()
	}

	log.Println("Server stopped")
}

func buildRelays(cfg *config.Config, redisClient redis.UniversalClient) realtime.Publishers {
	var relays realtime.Publishers
	if (cfg.EventsChannel != "" || cfg.EventsStream != "") && redisClient == nil {
		log.Fatalf("EVENTS_CHANNEL and EVENTS_STREAM require REDIS_ADDR")
	}
	if cfg.EventsChannel != "" {
		publisher, err := redisx.NewPublisher(redisClient, cfg.EventsChannel)
		if err != nil {
			log.Fatalf("Failed to initialize event relay: %v", err)
		}
		relays = append(relays, publisher)
		log.Printf("Relaying stream events to Redis channel %s", publisher.Channel())
	}
	if cfg.EventsStream != "" {
		producer := queue.NewProducer(redisClient, cfg.EventsStream, int64(cfg.EventsStreamMax))
		relays = append(relays, producer)
		log.Printf("Appending stream events to Redis stream %s", producer.Stream())
	}
	return relays
}

// openStores selects the snapshot backend. History is only kept by the SQL
// store.
func openStores(cfg *config.Config, redisClient redis.UniversalClient) (store.SnapshotStore, *store.Store) {
	switch cfg.DataStoreDriver {
	case "", "none":
		log.Println("Snapshot persistence disabled")
		return nil, nil
	case "redis":
		if redisClient == nil {
			log.Fatalf("DATASTORE_DRIVER=redis requires REDIS_ADDR")
		}
		rs, err := store.NewRedisStore(redisClient, cfg.SnapshotKey)
		if err != nil {
			log.Fatalf("Failed to initialize Redis snapshot store: %v", err)
		}
		return rs, nil
	default:
		st, err := store.Open(cfg.DataStoreDSN, cfg.DataStoreDriver)
		if err != nil {
			log.Fatalf("Failed to initialize state store: %v", err)
		}
		return st, st
	}
}
