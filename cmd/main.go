package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"finsight-agent/handler"
	"finsight-agent/internal/config"
	"finsight-agent/internal/conversation"
	"finsight-agent/internal/infra/logger"
	"finsight-agent/internal/infra/metrics"
	"finsight-agent/internal/infra/middleware"
	"finsight-agent/internal/infra/tracer"
	"finsight-agent/internal/integrations/fmp"
	"finsight-agent/internal/integrations/openai"
	"finsight-agent/internal/integrations/paramstore"
	"finsight-agent/internal/repository"
	"finsight-agent/internal/tools"
	"finsight-agent/internal/usecase"
)

type tokenSource interface {
	Token(ctx context.Context) (string, error)
}

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load(os.Getenv, nil)
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Logger.Level, cfg.Logger.Format, os.Stderr)
	slog.SetDefault(log)

	shutdownTracer, err := tracer.Setup(cfg.Tracer.Exporter)
	if err != nil {
		fatal(log, "failed to set up tracing", err)
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	// ---- AWS SDK config, only when an AWS-backed feature is on ----
	var awsCfg aws.Config
	if cfg.UsesParameterStore() || cfg.StateTable != "" {
		if awsCfg, err = awsconfig.LoadDefaultConfig(ctx); err != nil {
			fatal(log, "failed to load AWS config", err)
		}
	}

	// ---- Secrets ----
	openaiTokens, fmpTokens := tokenSource(paramstore.StaticToken(cfg.OpenAI.APIKey)), tokenSource(paramstore.StaticToken(cfg.FMP.APIKey))
	if cfg.UsesParameterStore() {
		ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
		if err != nil {
			fatal(log, "failed to create SSM client", err)
		}
		openaiParam, err := paramstore.NewParameterToken(ssmClient, paramstore.TokenParameterName(cfg.ParamPrefix, config.OpenAITokenParamKey))
		if err != nil {
			fatal(log, "failed to configure OpenAI token", err)
		}
		fmpParam, err := paramstore.NewParameterToken(ssmClient, paramstore.TokenParameterName(cfg.ParamPrefix, config.FMPTokenParamKey))
		if err != nil {
			fatal(log, "failed to configure FMP token", err)
		}
		preloadCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := paramstore.Preload(preloadCtx, ssmClient, openaiParam, fmpParam); err != nil {
			log.Warn("token preload failed, fetching on first use", "err", err)
		}
		cancel()
		openaiTokens, fmpTokens = openaiParam, fmpParam
	}

	// ---- Clients ----
	openaiOpts := []openai.Option{openai.WithRequestTimeout(cfg.OpenAI.DecisionTimeout)}
	if cfg.OpenAI.BaseURL != "" {
		openaiOpts = append(openaiOpts, openai.WithBaseURL(cfg.OpenAI.BaseURL))
	}
	openaiClient, err := openai.NewClient(openaiTokens, openaiOpts...)
	if err != nil {
		fatal(log, "failed to create OpenAI client", err)
	}
	model := openai.NewBreaker(openaiClient, openai.BreakerConfig{
		MaxFailures: cfg.Breaker.MaxFailures,
		Timeout:     cfg.Breaker.Timeout,
		Interval:    cfg.Breaker.Interval,
	}, log)

	fmpClient, err := fmp.NewClient(fmpTokens, fmp.WithBaseURL(cfg.FMP.BaseURL))
	if err != nil {
		fatal(log, "failed to create FMP client", err)
	}
	dispatcher, err := tools.NewDispatcher(fmpClient)
	if err != nil {
		fatal(log, "failed to create tool dispatcher", err)
	}

	// ---- Chat service ----
	m := metrics.New()
	catalog := tools.DefaultCatalog()
	opts := []usecase.ChatOption{
		usecase.WithLogger(log),
		usecase.WithMetrics(m),
		usecase.WithMaxMessages(cfg.MaxMessages),
	}
	if cfg.ModerationEnabled {
		opts = append(opts, usecase.WithModeration(openaiClient))
	}
	if cfg.StrictToolArgs {
		validator, err := tools.NewValidator(catalog)
		if err != nil {
			fatal(log, "failed to compile tool schemas", err)
		}
		opts = append(opts, usecase.WithStrictArguments(validator))
	}
	if cfg.StateTable != "" {
		backend, err := repository.NewDynamoBackend(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable)
		if err != nil {
			fatal(log, "failed to create conversation backend", err)
		}
		recorder, err := conversation.NewRecorder(backend)
		if err != nil {
			fatal(log, "failed to create turn recorder", err)
		}
		opts = append(opts, usecase.WithRecorder(recorder))
	}
	chatService, err := usecase.NewChatService(model, dispatcher, catalog.Definitions(), cfg.OpenAI.Model, opts...)
	if err != nil {
		fatal(log, "failed to create chat service", err)
	}

	// ---- Handler ----
	h, err := handler.NewHandler(chatService, handler.WithLogger(log))
	if err != nil {
		fatal(log, "failed to create handler", err)
	}

	// Streaming responses need the provided.al2023 runtime and a build with
	// -tags lambda.norpc:
	//   GOOS=linux GOARCH=arm64 go build -tags lambda.norpc -o bootstrap ./cmd
	if os.Getenv("AWS_LAMBDA_RUNTIME_API") != "" {
		log.Info("starting lambda streaming handler", "model", cfg.OpenAI.Model)
		lambda.Start(h.HandleStream)
		return
	}
	if err := serve(ctx, cfg, log, h, m); err != nil {
		fatal(log, "server failed", err)
	}
}

func serve(ctx context.Context, cfg *config.Config, log *slog.Logger, h http.Handler, m *metrics.Metrics) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	limit := middleware.RateLimit(ctx, middleware.RateLimitConfig{
		RequestsPerMin: cfg.RateLimit.PerMinute,
		BurstSize:      cfg.RateLimit.Burst,
		TrustedProxies: cfg.TrustedProxies,
	})
	mux := http.NewServeMux()
	mux.Handle("POST /api/chat", m.InstrumentHTTP(limit(h)))
	mux.Handle("GET /metrics", m.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.ListenAddr, "model", cfg.OpenAI.Model)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func fatal(log *slog.Logger, msg string, err error) {
	log.Error(msg, "err", err)
	os.Exit(1)
}
