package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"board-api/api"
	"board-api/audit"
	"board-api/broadcast"
	"board-api/engine"
	"board-api/storage"
)

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	tasksTable := os.Getenv("TASKS_TABLE")
	commentsTable := os.Getenv("COMMENTS_TABLE")
	recordsTable := os.Getenv("RECORDS_TABLE")
	if connStr == "" || tasksTable == "" || commentsTable == "" || recordsTable == "" {
		log.Fatal("missing storage config")
	}
	store, err := storage.NewTables(connStr, tasksTable, commentsTable, recordsTable)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}

	boardsTable := os.Getenv("BOARDS_TABLE")
	columnsTable := os.Getenv("COLUMNS_TABLE")
	usersTable := os.Getenv("USERS_TABLE")
	if boardsTable == "" || columnsTable == "" || usersTable == "" {
		log.Fatal("missing directory config")
	}
	dir, err := storage.NewDirectory(connStr, boardsTable, columnsTable, usersTable)
	if err != nil {
		log.Fatalf("directory: %v", err)
	}

	redisConn := os.Getenv("REDIS_CONNECTION_STRING")
	if redisConn == "" {
		log.Fatal("missing redis config")
	}
	rc := redis.NewClient(parseRedisOptions(redisConn))

	cacheTTL := 5 * time.Minute
	if v := os.Getenv("COLUMN_CACHE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			log.Fatalf("invalid COLUMN_CACHE_TTL: %v", err)
		}
		cacheTTL = d
	}
	cache := storage.NewCache(store, rc, cacheTTL)

	logger := log.New()

	var deadLetter audit.DeadLetter
	if queueName := os.Getenv("AUDIT_DEAD_LETTER_QUEUE"); queueName != "" {
		deadLetter, err = audit.NewQueueDeadLetter(connStr, queueName)
		if err != nil {
			log.Fatalf("dead letter queue: %v", err)
		}
	} else {
		logger.Warn("AUDIT_DEAD_LETTER_QUEUE not set, failed audit appends will be log-only")
	}
	auditLog := audit.New(store, dir, deadLetter, logger)

	router := broadcast.NewRouter(0, logger)
	eventsChannel := os.Getenv("EVENTS_CHANNEL")
	if eventsChannel == "" {
		eventsChannel = "board-events"
	}
	bridge := broadcast.NewBridge(rc, eventsChannel, router, logger)
	bridgeCtx, cancelBridge := context.WithCancel(context.Background())
	defer cancelBridge()
	go bridge.Run(bridgeCtx)

	eng := engine.New(store, dir, auditLog, bridge, cache, logger)

	testMode := os.Getenv("AUTH0_TEST_MODE") == "1"
	var auth *api.Auth
	if testMode {
		secret := os.Getenv("TEST_JWT_SECRET")
		if secret == "" {
			log.Fatal("TEST_JWT_SECRET must be set when AUTH0_TEST_MODE=1")
		}
		auth = api.NewTestAuth([]byte(secret))
	} else {
		jwtAudience := os.Getenv("AUTH0_AUDIENCE")
		domain := os.Getenv("AUTH0_DOMAIN")
		if jwtAudience == "" || domain == "" {
			log.Fatal("missing Auth0 config")
		}
		jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", domain)
		jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
		if err != nil {
			log.Fatalf("jwks: %v", err)
		}
		auth = api.NewAuth(jwks, jwtAudience, "https://"+domain+"/")
	}

	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()
	otel.SetTracerProvider(tp)

	e := echo.New()
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))

	api.Register(e, eng, cache, store, auditLog, router, auth, logger)

	listenAddr := ":8080"
	if val, ok := os.LookupEnv("BOARD_API_PORT"); ok {
		listenAddr = ":" + val
	}

	e.Logger.Fatal(e.Start(listenAddr))
}

// parseRedisOptions accepts either a redis URL or the comma-separated
// "host:port,password=...,ssl=true" connection string form.
func parseRedisOptions(redisConn string) *redis.Options {
	redisOpts, err := redis.ParseURL(redisConn)
	if err == nil {
		return redisOpts
	}
	parts := strings.Split(redisConn, ",")
	redisOpts = &redis.Options{Addr: parts[0]}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(kv[0]) {
		case "password":
			redisOpts.Password = kv[1]
		case "ssl":
			if strings.ToLower(kv[1]) == "true" {
				redisOpts.TLSConfig = &tls.Config{}
			}
		}
	}
	return redisOpts
}
