package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"relay-api/internal/gateway"
	"relay-api/internal/handlers/exchange"
	"relay-api/internal/middleware"
	"relay-api/internal/pricing"
	"relay-api/internal/providers"
	"relay-api/internal/routers"
	"relay-api/internal/sessions"
	"relay-api/internal/shared"
	"relay-api/internal/transcripts"

	_ "github.com/go-sql-driver/mysql"
	"github.com/labstack/echo/v4"
	emw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/manifold-inc/manifold-sdk/lib/eflag"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// Flags / ENV Variables
	writeDSN := flag.String("dsn", "", "Write DSN")
	readDSN := flag.String("read-dsn", "", "Read replica DSN")
	redisAddr := flag.String("redis-addr", "", "Redis host:port for the connection store")
	metricsAPIKey := flag.String("metrics-api-key", "", "Metrics api key")
	gatewayEndpoint := flag.String("gateway-endpoint", "", "Connection gateway management endpoint")
	gatewayAPIKey := flag.String("gateway-api-key", "", "Shared key for the connection gateway")
	openaiAPIKey := flag.String("openai-api-key", "", "OpenAI API key")
	perplexityAPIKey := flag.String("perplexity-api-key", "", "Perplexity API key")
	debug := flag.Bool("debug", false, "Debug enabled")

	err := eflag.SetFlagsFromEnvironment()
	if err != nil {
		panic(err)
	}
	flag.Parse()

	// Write DB init
	writeDB, err := sql.Open("mysql", *writeDSN)
	if err != nil {
		panic(fmt.Sprintf("failed initializing sqlClient: %s", err))
	}
	err = writeDB.Ping()
	if err != nil {
		panic(fmt.Sprintf("failed ping to sql db: %s", err))
	}

	// Read db init
	readDB, err := sql.Open("mysql", *readDSN)
	if err != nil {
		panic(fmt.Sprintf("failed initializing readSqlClient: %s", err))
	}
	err = readDB.Ping()
	if err != nil {
		panic(fmt.Sprintf("failed to ping read replica sql db: %s", err))
	}

	// Load Redis connection
	redisClient := redis.NewClient(&redis.Options{
		Addr:     *redisAddr,
		Password: "",
		DB:       0,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		panic(fmt.Sprintf("failed ping to redis db: %s", err))
	}

	defer func() {
		if redisClient != nil {
			_ = redisClient.Close()
		}
		if writeDB != nil {
			_ = writeDB.Close()
		}
		if readDB != nil {
			_ = readDB.Close()
		}
	}()

	var logger *zap.Logger
	if !*debug {
		logger, err = zap.NewProduction()
		if err != nil {
			panic("Failed init logger")
		}
	}
	if *debug {
		logger, err = zap.NewDevelopment()
		if err != nil {
			panic("Failed init logger")
		}
	}
	log := logger.Sugar()

	// Provider keys are resolved once here and owned by the adapter
	// instances for the life of the process.
	openai := providers.NewOpenAI(*openaiAPIKey, log)
	perplexity := providers.NewPerplexity(*perplexityAPIKey, log)
	push := gateway.NewClient(*gatewayEndpoint, *gatewayAPIKey)
	sessionStore := sessions.NewRedisStore(redisClient, log)
	transcriptStore := transcripts.NewStore(writeDB, readDB, log)

	exchangeHandler := &exchange.Handler{
		Sessions:    sessionStore,
		Transcripts: transcriptStore,
		Push:        push,
		Prices:      pricing.DefaultTable(),
		Estimator:   pricing.NewEstimator(pricing.TiktokenCounter{}),
		Log:         log,
		BatchWindow: shared.MicroBatchWindow,
	}
	namer := providers.NewNamer(openai, push, transcriptStore, log)

	e := echo.New()
	e.GET(("/ping"), func(c echo.Context) error {
		return c.String(200, "")
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()), func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			apiKey, err := shared.ExtractAPIKey(c)
			if err != nil {
				return c.String(401, "Missing or invalid API key")
			}

			if apiKey != *metricsAPIKey {
				return c.String(401, "Unauthorized API key")
			}
			return next(c)
		}
	})
	base := e.Group("")
	base.Use(emw.CORS())
	base.Use(middleware.NewRecoverMiddleware(log))
	base.Use(middleware.NewTrackMiddleware(log))
	base.Use(middleware.NewGatewayAuthMiddleware(*gatewayAPIKey))

	// Register routes
	err = routers.RegisterChatRoutes(base, routers.ChatRouterConfig{
		Sessions:      sessionStore,
		Exchange:      exchangeHandler,
		Conversations: transcriptStore,
		Namer:         namer,
		OpenAI:        openai,
		Perplexity:    perplexity,
		Log:           log,
	})
	if err != nil {
		panic(err)
	}

	go func() {
		if err := e.Start(":80"); err != nil && err != http.ErrServerClosed {
			e.Logger.Fatal("shutting down the server")
		}
	}()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	// Wait for interrupt signal to gracefully shut down the server with a timeout.
	<-ctx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), shared.DefaultShutdownTimeout)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		e.Logger.Fatal(err)
	}
}
