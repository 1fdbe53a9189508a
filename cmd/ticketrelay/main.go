package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/deskforce/ticketrelay/internal/httpapi"
	"github.com/deskforce/ticketrelay/internal/hub"
	"github.com/deskforce/ticketrelay/internal/ingress"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("dotenv: %v", err)
	}

	addr := os.Getenv("TICKETRELAY_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	stateBackend, inboundQueue, err := buildStorageBackendsFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize storage backends: %v", err)
	}

	ws := httpapi.NewWSGateway()
	notifier, notifierCleanup, err := buildNotifierFromEnv(ws)
	if err != nil {
		log.Fatalf("failed to initialize notifier: %v", err)
	}
	defer notifierCleanup()

	credDir := strings.TrimSpace(os.Getenv("TICKETRELAY_CREDENTIAL_DIR"))
	h := hub.New(hub.Options{
		StateBackend:    stateBackend,
		InboundQueue:    inboundQueue,
		InboundWorkers:  intEnv("TICKETRELAY_INBOUND_WORKERS", 0),
		InboundQueueCap: intEnv("TICKETRELAY_INBOUND_QUEUE_CAP", 0),
		Adapters:        buildAdaptersFromEnv(credDir),
		Notifier:        notifier,
		ProtocolEnabled: boolEnv("TICKETRELAY_PROTOCOL_ENABLED", true),
		CredentialDir:   credDir,
		MediaDir:        os.Getenv("TICKETRELAY_MEDIA_DIR"),
		PollWindow:      durationEnv("TICKETRELAY_POLL_WINDOW", 0),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h.StartSupervisor(ctx)
	if credDir != "" {
		go func() {
			if err := h.WatchCredentials(ctx); err != nil {
				log.Printf("credential watcher stopped: %v", err)
			}
		}()
	}

	if bridge := buildKafkaBridgeFromEnv(h); bridge != nil {
		defer bridge.Close()
		go func() {
			if err := bridge.Run(ctx); err != nil {
				log.Printf("kafka bridge stopped: %v", err)
			}
		}()
	}

	server, err := httpapi.NewServerWithConfig(h, ws, httpapi.ServerConfig{
		JWTSecret:          os.Getenv("TICKETRELAY_JWT_SECRET"),
		InternalHMACSecret: os.Getenv("TICKETRELAY_INTERNAL_HMAC_SECRET"),
		InternalMaxSkew:    durationEnv("TICKETRELAY_INTERNAL_MAX_SKEW", 5*time.Minute),
		RateLimitMax:       intEnv("TICKETRELAY_RATE_LIMIT_MAX", 0),
		RateLimitWindow:    durationEnv("TICKETRELAY_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:       int64Env("TICKETRELAY_MAX_BODY_BYTES", 0),
	})
	if err != nil {
		log.Fatalf("failed to initialize server: %v", err)
	}

	httpServer := &http.Server{Addr: addr, Handler: server}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown: %v", err)
		}
		h.Close()
	}()

	log.Printf("ticketrelay listening on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server failed: %v", err)
	}
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %t", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func buildStorageBackendsFromEnv() (hub.StateBackend, hub.InboundQueue, error) {
	profileStateDSN, profileQueueDSN, err := storageProfileDefaultsFromEnv()
	if err != nil {
		return nil, nil, err
	}
	stateDSN := strings.TrimSpace(os.Getenv("TICKETRELAY_STATE_BACKEND_DSN"))
	if stateDSN == "" {
		stateDSN = profileStateDSN
	}
	queueDSN := strings.TrimSpace(os.Getenv("TICKETRELAY_INBOUND_QUEUE_DSN"))
	if queueDSN == "" {
		queueDSN = profileQueueDSN
	}
	stateBackend, err := hub.BuildStateBackendFromDSN(stateDSN)
	if err != nil {
		return nil, nil, err
	}
	inboundQueue, err := hub.BuildInboundQueueFromDSN(queueDSN, intEnv("TICKETRELAY_INBOUND_QUEUE_CAP", 0))
	if err != nil {
		return nil, nil, err
	}
	return stateBackend, inboundQueue, nil
}

func storageProfileDefaultsFromEnv() (stateBackendDSN, inboundQueueDSN string, err error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("TICKETRELAY_BACKEND_PROFILE")))
	dataDir := strings.TrimSpace(os.Getenv("TICKETRELAY_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".ticketrelay"
	}
	switch profile {
	case "", "custom":
		return "", "", nil
	case "memory", "inmemory":
		return "memory://", "memory://", nil
	case "production", "prod":
		productionDSN := strings.TrimSpace(os.Getenv("TICKETRELAY_PRODUCTION_DSN"))
		if productionDSN == "" {
			productionDSN = strings.TrimSpace(os.Getenv("TICKETRELAY_POSTGRES_DSN"))
		}
		if productionDSN == "" {
			return "", "", fmt.Errorf("TICKETRELAY_PRODUCTION_DSN or TICKETRELAY_POSTGRES_DSN is required when TICKETRELAY_BACKEND_PROFILE=%s", profile)
		}
		return productionDSN, productionDSN, nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "state.json"),
			"file://" + filepath.Join(dataDir, "inbound-queue.json"),
			nil
	default:
		return "", "", fmt.Errorf("unsupported TICKETRELAY_BACKEND_PROFILE: %s", profile)
	}
}

func buildNotifierFromEnv(ws *httpapi.WSGateway) (hub.Notifier, func(), error) {
	notifiers := hub.MultiNotifier{ws}
	cleanup := func() {}
	if addr := strings.TrimSpace(os.Getenv("TICKETRELAY_REDIS_ADDR")); addr != "" {
		redis, err := hub.NewRedisNotifier(
			addr,
			os.Getenv("TICKETRELAY_REDIS_PASSWORD"),
			envOr("TICKETRELAY_REDIS_CHANNEL", "ticketrelay-events"),
			intEnv("TICKETRELAY_REDIS_DB", 0),
		)
		if err != nil {
			return nil, nil, err
		}
		notifiers = append(notifiers, redis)
		cleanup = func() {
			if err := redis.Close(); err != nil {
				log.Printf("redis notifier close: %v", err)
			}
		}
	}
	if boolEnv("TICKETRELAY_LOG_EVENTS", false) {
		notifiers = append(notifiers, hub.LogNotifier{})
	}
	return notifiers, cleanup, nil
}

func buildKafkaBridgeFromEnv(h *hub.Hub) *ingress.Bridge {
	brokers := strings.TrimSpace(os.Getenv("TICKETRELAY_KAFKA_BROKERS"))
	if brokers == "" {
		return nil
	}
	topics := strings.Split(envOr("TICKETRELAY_KAFKA_TOPICS", "ticketrelay-inbound"), ",")
	for i := range topics {
		topics[i] = strings.TrimSpace(topics[i])
	}
	bridge, err := ingress.NewBridge(
		strings.Split(brokers, ","),
		envOr("TICKETRELAY_KAFKA_GROUP", "ticketrelay"),
		topics,
		h,
	)
	if err != nil {
		log.Fatalf("failed to initialize kafka bridge: %v", err)
	}
	return bridge
}

func envOr(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return fallback
}

func buildAdaptersFromEnv(credDir string) *hub.AdapterTable {
	table := hub.NewAdapterTable()
	kinds := envOr("TICKETRELAY_ADAPTER_KINDS", "waweb,wacloud,instagram,facebook")
	for _, raw := range strings.Split(kinds, ",") {
		kind := hub.AdapterKind(strings.TrimSpace(raw))
		if kind == "" {
			continue
		}
		table.Register(hub.NewMemoryAdapter(kind, credDir))
	}
	return table
}
