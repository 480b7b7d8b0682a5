package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/servicehub/otpguard/internal/clock"
	"github.com/servicehub/otpguard/internal/config"
	"github.com/servicehub/otpguard/internal/handlers"
	"github.com/servicehub/otpguard/internal/middleware"
	"github.com/servicehub/otpguard/internal/notifier"
	"github.com/servicehub/otpguard/internal/repository"
	"github.com/servicehub/otpguard/internal/service"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dynamoClient, err := initDynamoDB(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize DynamoDB")
	}

	clk := clock.New()

	store, closeStore, err := initCredentialStore(ctx, cfg, dynamoClient, clk, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize credential store")
	}
	defer closeStore()

	accountRepo := repository.NewAccountRepository(dynamoClient, cfg.DynamoDB.AccountsTable, logger)

	smsSender, err := initSNS(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Warn("SMS delivery disabled")
	}

	mailer := notifier.NewSMTPMailer(notifier.SMTPConfig{
		Host:     cfg.Dispatch.SMTPHost,
		Port:     cfg.Dispatch.SMTPPort,
		Username: cfg.Dispatch.SMTPUsername,
		Password: cfg.Dispatch.SMTPPassword,
		From:     cfg.Dispatch.SMTPFrom,
	})

	// a typed nil would defeat the nil check inside the notifier
	var sms notifier.SMSSender
	if smsSender != nil {
		sms = smsSender
	}

	dispatcher := service.NewChannelDispatcher(
		notifier.New(mailer, sms, cfg.OTP.TTL, logger),
		service.DispatchPolicy{
			RequireEmail: cfg.Dispatch.RequireEmail,
			RequireSMS:   cfg.Dispatch.RequireSMS,
		},
		logger,
	)

	hasher := service.NewBcryptHasher(cfg.OTP.HashCost)
	otpService := service.NewOTPService(store, hasher, dispatcher, clk, &cfg.OTP, logger)
	resetService := service.NewResetSessionService(store, hasher, otpService, clk, &cfg.OTP, logger)

	authHandlers := handlers.NewAuthHandlers(
		otpService,
		resetService,
		accountRepo,
		service.NewBcryptHasher(bcrypt.DefaultCost),
		logger,
	)

	limiter := middleware.NewRateLimiter(
		ctx,
		middleware.PerMinute(cfg.Server.OTPRoutesPerMin),
		cfg.Server.OTPRoutesBurst,
		cfg.Server.TrustProxyHeaders,
	)
	router := setupRouter(authHandlers, limiter, cfg, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.WithFields(logrus.Fields{
			"port":  cfg.Server.Port,
			"store": cfg.Store,
		}).Info("Starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	logger.Info("Server exited")
}

func loadAWSConfig(ctx context.Context, region string, cfg *config.Config) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}

	if cfg.DynamoDB.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.DynamoDB.AccessKeyID, cfg.DynamoDB.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return awsCfg, nil
}

func initDynamoDB(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*dynamodb.Client, error) {
	awsCfg, err := loadAWSConfig(ctx, cfg.DynamoDB.Region, cfg)
	if err != nil {
		return nil, err
	}

	var clientOpts []func(*dynamodb.Options)
	if cfg.DynamoDB.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(cfg.DynamoDB.Endpoint)
		})
	}

	client := dynamodb.NewFromConfig(awsCfg, clientOpts...)
	logger.WithField("region", cfg.DynamoDB.Region).Info("DynamoDB client initialized")
	return client, nil
}

func initSNS(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*notifier.SNSSender, error) {
	if cfg.Dispatch.SNSRegion == "" {
		return nil, errors.New("DISPATCH_SNS_REGION is not set")
	}

	awsCfg, err := loadAWSConfig(ctx, cfg.Dispatch.SNSRegion, cfg)
	if err != nil {
		return nil, err
	}

	var clientOpts []func(*sns.Options)
	if cfg.Dispatch.SNSEndpoint != "" {
		clientOpts = append(clientOpts, func(o *sns.Options) {
			o.BaseEndpoint = aws.String(cfg.Dispatch.SNSEndpoint)
		})
	}

	logger.WithField("region", cfg.Dispatch.SNSRegion).Info("SNS client initialized")
	return notifier.NewSNSSender(sns.NewFromConfig(awsCfg, clientOpts...)), nil
}

// initCredentialStore picks the OTP store backend. The returned func releases it.
func initCredentialStore(
	ctx context.Context,
	cfg *config.Config,
	dynamoClient *dynamodb.Client,
	clk clock.Clock,
	logger *logrus.Logger,
) (repository.CredentialStore, func(), error) {
	switch cfg.Store {
	case config.StoreRedis:
		client, err := initRedis(ctx, cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		return repository.NewRedisStore(client, logger), func() {
			if err := client.Close(); err != nil {
				logger.WithError(err).Warn("Failed to close Redis client")
			}
		}, nil

	case config.StoreDynamoDB:
		return repository.NewDynamoStore(dynamoClient, cfg.DynamoDB.CredentialsTable, clk, logger), func() {}, nil

	case config.StoreMemory:
		logger.Warn("Using in-memory credential store; codes do not survive restarts")
		return repository.NewMemoryStore(clk), func() {}, nil
	}

	return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store)
}

func initRedis(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*redis.Client, error) {
	var opts *redis.Options
	if cfg.Redis.URL != "" {
		parsed, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{
			Addr:     cfg.Redis.Endpoint,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}
	}
	opts.DialTimeout = cfg.Redis.DialTimeout
	opts.ReadTimeout = cfg.Redis.OpTimeout
	opts.WriteTimeout = cfg.Redis.OpTimeout

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Redis.DialTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	logger.WithField("addr", opts.Addr).Info("Redis client initialized")
	return client, nil
}

func setupRouter(
	authHandlers *handlers.AuthHandlers,
	limiter *middleware.RateLimiter,
	cfg *config.Config,
	logger *logrus.Logger,
) *mux.Router {
	router := mux.NewRouter()

	router.Use(middleware.CORSMiddleware(cfg.Server.AllowedOrigins))
	router.Use(middleware.LoggingMiddleware(logger))

	router.HandleFunc("/health", authHandlers.Health).Methods("GET", "OPTIONS")

	api := router.PathPrefix("/api/v1").Subrouter()

	auth := api.PathPrefix("/auth").Subrouter()
	auth.HandleFunc("/password/reset", authHandlers.ResetPassword).Methods("POST", "OPTIONS")

	otp := auth.PathPrefix("/otp").Subrouter()
	otp.Use(limiter.Limit)
	otp.HandleFunc("", authHandlers.IssueOTP).Methods("POST", "OPTIONS")
	otp.HandleFunc("/verify", authHandlers.VerifyOTP).Methods("POST", "OPTIONS")

	return router
}
