// cmd/api/main.go
// Entry point for the chat and call-signaling backend. Bootstraps storage,
// the realtime hub and both HTTP servers, then waits for a shutdown signal.

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	awssession "github.com/aws/aws-sdk-go/aws/session"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/caresync/caresync-backend/internal/auth"
	"github.com/caresync/caresync-backend/internal/chat"
	"github.com/caresync/caresync-backend/internal/common/database"
	"github.com/caresync/caresync-backend/internal/config"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("Starting CareSync realtime API")

	// 1. Environment and configuration
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file found (%v), using environment variables", err)
	}
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatal("Configuration validation failed: ", err)
	}

	// 2. PostgreSQL
	log.Println("Connecting to PostgreSQL...")
	db, err := database.NewPostgresDBFromURL(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("Failed to connect to PostgreSQL: ", err)
	}
	defer db.Close()

	if err := runMigrations(db); err != nil {
		log.Fatal("Failed to run migrations: ", err)
	}
	log.Println("Database migrations completed")

	// 3. Redis, backs the presence store
	log.Println("Connecting to Redis...")
	redisClient, err := database.NewRedisClientFromURL(cfg.RedisURL)
	if err != nil {
		log.Fatal("Failed to connect to Redis: ", err)
	}
	defer redisClient.Close()

	// 4. Chat dependencies
	presenceStore := chat.NewRedisPresenceStore(redisClient)

	var storage chat.StorageService
	if cfg.UseS3 {
		awsCfg := &aws.Config{Region: aws.String(cfg.AWSRegion)}
		if cfg.AWSAccessKeyID != "" {
			awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AWSAccessKeyID, cfg.AWSSecretAccessKey, "")
		}
		sess, err := awssession.NewSession(awsCfg)
		if err != nil {
			log.Fatal("Failed to create AWS session: ", err)
		}
		storage = chat.NewS3Storage(sess, cfg.S3BucketName, cfg.CDNBaseURL, cfg.MaxUploadSize)
		log.Println("Using S3 for media storage")
	} else {
		storage = chat.NewLocalStorage("uploads", cfg.BaseURL)
		log.Println("Using local disk for media storage")
	}

	notifier := buildNotifier(cfg)

	repo := chat.NewPostgresRepository(db)
	service := chat.NewService(repo, presenceStore, storage, notifier)

	// 5. Realtime hub
	hub := chat.NewHub(service)
	go hub.Run()
	log.Println("Realtime hub started")

	// 6. Routes
	authMiddleware := auth.NewMiddleware(cfg.JWTSecret)
	handler := chat.NewHandler(service, hub)

	router := mux.NewRouter()
	if !cfg.UseS3 {
		router.PathPrefix("/uploads/").Handler(
			http.StripPrefix("/uploads/", http.FileServer(http.Dir("uploads"))))
	}
	chat.RegisterRoutes(router, handler, authMiddleware.Authenticate)
	router.Use(loggingMiddleware)
	router.Use(corsMiddleware)

	// Health and metrics live on a separate listener so they never compete
	// with client traffic and never require auth
	ops := chi.NewRouter()
	ops.Get("/health", handler.HealthCheck)
	if cfg.EnableMetrics {
		ops.Handle("/metrics", promhttp.Handler())
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	opsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.OpsPort),
		Handler: ops,
	}

	go func() {
		log.Printf("API server listening on :%s (%s)", cfg.Port, cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server: ", err)
		}
	}()
	go func() {
		log.Printf("Ops server listening on :%s", cfg.OpsPort)
		if err := opsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start ops server: ", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutdown signal received")
	hub.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown: ", err)
	}
	if err := opsSrv.Shutdown(ctx); err != nil {
		log.Printf("Ops server shutdown: %v", err)
	}

	log.Println("Server exited gracefully")
}

// buildNotifier selects the offline-notification provider. Anything that
// fails to initialize degrades to the log notifier instead of aborting
// startup.
func buildNotifier(cfg *config.Config) chat.Notifier {
	if !cfg.EnableOfflineNotify {
		return chat.LogNotifier{}
	}

	switch cfg.NotifyProvider {
	case "fcm":
		notifier, err := chat.NewFCMNotifier(context.Background(), cfg.FCMCredentialsFile)
		if err != nil {
			log.Printf("FCM notifier unavailable (%v), falling back to log notifier", err)
			return chat.LogNotifier{}
		}
		log.Println("Using FCM push for offline notifications")
		return notifier
	case "twilio":
		notifier, err := chat.NewTwilioNotifier(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFromNumber)
		if err != nil {
			log.Printf("Twilio notifier unavailable (%v), falling back to log notifier", err)
			return chat.LogNotifier{}
		}
		log.Println("Using Twilio SMS for offline notifications")
		return notifier
	case "sendgrid":
		notifier, err := chat.NewSendGridNotifier(cfg.SendGridAPIKey, cfg.EmailFrom)
		if err != nil {
			log.Printf("SendGrid notifier unavailable (%v), falling back to log notifier", err)
			return chat.LogNotifier{}
		}
		log.Println("Using SendGrid email for offline notifications")
		return notifier
	default:
		log.Println("Using log notifier for offline notifications (development mode)")
		return chat.LogNotifier{}
	}
}

// loggingMiddleware logs every request with its status and duration
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		log.Printf("%s %s [%d] %v", r.Method, r.RequestURI, wrapped.statusCode, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// runMigrations creates the chat schema. Statements are idempotent so a
// restart against an existing database is a no-op.
func runMigrations(db *sqlx.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
            id VARCHAR(255) PRIMARY KEY,
            user_a VARCHAR(255) NOT NULL,
            user_b VARCHAR(255) NOT NULL,
            created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
            last_message_at TIMESTAMP WITH TIME ZONE
        )`,

		`CREATE TABLE IF NOT EXISTS messages (
            id BIGSERIAL PRIMARY KEY,
            conversation_id VARCHAR(255) NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
            from_user_id VARCHAR(255) NOT NULL,
            to_user_id VARCHAR(255) NOT NULL,
            content TEXT,
            message_type VARCHAR(20) NOT NULL DEFAULT 'text',
            media_url TEXT,
            client_ref VARCHAR(64),
            created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
            seen_at TIMESTAMP WITH TIME ZONE
        )`,

		`CREATE TABLE IF NOT EXISTS user_contacts (
            user_id VARCHAR(255) PRIMARY KEY,
            phone VARCHAR(20),
            email VARCHAR(255),
            push_token TEXT,
            updated_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP
        )`,

		`CREATE INDEX IF NOT EXISTS idx_conversations_user_a ON conversations(user_a)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_user_b ON conversations(user_b)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_last_message ON conversations(last_message_at DESC NULLS LAST)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_unseen ON messages(conversation_id, to_user_id) WHERE seen_at IS NULL`,
	}

	for i, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
