package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"

	"github.com/dkrizan/accountd/internal/account"
	"github.com/dkrizan/accountd/internal/auth"
	"github.com/dkrizan/accountd/internal/config"
	"github.com/dkrizan/accountd/internal/database"
	"github.com/dkrizan/accountd/internal/email"
	httpServer "github.com/dkrizan/accountd/internal/http"
	"github.com/dkrizan/accountd/internal/logging"
	"github.com/dkrizan/accountd/internal/ratelimit"
	"github.com/dkrizan/accountd/internal/token"
)

// @title           accountd
// @version         1.0
// @description     User-account service: registration with email verification, token login, password reset, and account deletion.

// @host      localhost:8080
// @BasePath  /

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and the session token.

func main() {
	if err := run(); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := logging.NewLogger(cfg.Server.IsDevelopment())
	logger.Info("starting application",
		"env", cfg.Server.Env,
		"port", cfg.Server.Port,
	)

	db, sqlDB, err := initDB(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	if err := database.RunMigrations(sqlDB); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	redisClient, err := initRedis(cfg.Redis)
	if err != nil {
		return fmt.Errorf("failed to initialize Redis: %w", err)
	}
	defer redisClient.Close()

	// Missing or malformed signing key aborts startup here.
	issuer, err := token.NewIssuer(cfg.Token.SigningKey, nil)
	if err != nil {
		return fmt.Errorf("failed to initialize token issuer: %w", err)
	}

	accountRepo := account.NewRepository(db)
	rateLimiter := ratelimit.NewLimiter(redisClient)

	emailService := email.NewService(
		cfg.Email.SMTPHost,
		cfg.Email.SMTPPort,
		cfg.Email.SMTPUser,
		cfg.Email.SMTPPassword,
		cfg.Email.FrontendURL,
	)

	authService := auth.NewService(
		accountRepo,
		issuer,
		emailService,
		logger,
		cfg.Token.SessionTTL,
		cfg.Token.VerifyEmailTTL,
		cfg.Token.PasswordResetTTL,
	)

	handler := auth.NewHandler(authService, rateLimiter, logger)
	authMiddleware := auth.NewMiddleware(issuer)

	router := httpServer.NewRouter(cfg, handler, authMiddleware, logger)

	server := httpServer.NewServer(
		":"+cfg.Server.Port,
		router,
		cfg.Server.ReadTimeout,
		cfg.Server.WriteTimeout,
	)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- server.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		log.Printf("Received signal: %v", sig)

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
	}

	return nil
}

func initDB(cfg config.DatabaseConfig) (*bun.DB, *sql.DB, error) {
	sqlDB, err := sql.Open("postgres", cfg.ConnectionString())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)

	return database.NewBunDB(sqlDB), sqlDB, nil
}

func initRedis(cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return client, nil
}
