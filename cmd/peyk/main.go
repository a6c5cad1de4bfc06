package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/4xmen/peyk/internal/auth"
	"github.com/4xmen/peyk/internal/chat"
	"github.com/4xmen/peyk/internal/db"
	"github.com/4xmen/peyk/internal/handlers"
	"github.com/4xmen/peyk/internal/metrics"
	"github.com/4xmen/peyk/internal/notify"
	"github.com/4xmen/peyk/internal/presence"
	"github.com/4xmen/peyk/internal/push"
	"github.com/4xmen/peyk/internal/ratelimit"
	"github.com/4xmen/peyk/internal/session"
	"github.com/4xmen/peyk/internal/suggest"
	"github.com/4xmen/peyk/internal/timeline"
	"github.com/4xmen/peyk/internal/typing"
	"github.com/4xmen/peyk/internal/ws"
	"github.com/4xmen/peyk/pkg/config"
	"github.com/4xmen/peyk/pkg/i18n"
)

const shutdownTimeout = 10 * time.Second

func __(message string) string {
	return i18n.Translate(message)
}

func newLogger(cfg *config.Config, out io.Writer) *slog.Logger {
	if cfg.IsProduction() {
		return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func rateLimitMiddleware(limiterInstance *limiter.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		limiterContext, err := limiterInstance.Get(c.Request.Context(), c.ClientIP())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": __("rate limiter error")})
			c.Abort()
			return
		}

		c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", limiterContext.Limit))
		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", limiterContext.Remaining))
		c.Header("X-RateLimit-Reset", fmt.Sprintf("%d", limiterContext.Reset))

		if limiterContext.Reached {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": __("rate limit exceeded")})
			c.Abort()
			return
		}

		c.Next()
	}
}

type responseBodyWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w responseBodyWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w responseBodyWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

func serverErrorLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		blw := &responseBodyWriter{body: bytes.NewBuffer(nil), ResponseWriter: c.Writer}
		c.Writer = blw

		c.Next()

		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Error("server error",
				"status", c.Writer.Status(),
				"method", c.Request.Method,
				"path", c.Request.URL.Path,
				"ip", c.ClientIP(),
				"duration", time.Since(start).Truncate(time.Millisecond),
				"errors", c.Errors.ByType(gin.ErrorTypeAny).String(),
				"response", strings.TrimSpace(blw.body.String()),
			)
		}
	}
}

func panicRecovery(logger *slog.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logger.Error("panic recovered",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"ip", c.ClientIP(),
			"error", recovered,
			"stack", string(debug.Stack()),
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": __("internal server error")})
	})
}

func cors(origins string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", origins)
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if len(os.Args) > 1 {
		if err := runCommand(cfg, os.Args[1:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	logger := newLogger(cfg, os.Stdout)
	slog.SetDefault(logger)

	if err := runServer(cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func runCommand(cfg *config.Config, args []string) error {
	command := args[0]

	switch command {
	case "status":
		return runStatus(cfg, os.Stdout, args[1:])
	case "-h", "--help", "help":
		printUsage(os.Stdout)
		return nil
	default:
		printUsage(os.Stderr)
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  peyk               Start the server")
	fmt.Fprintln(out, "  peyk status        Show application statistics")
	fmt.Fprintln(out, "  peyk status --json")
}

type server struct {
	router   *gin.Engine
	registry *session.Registry
	limiter  *ratelimit.Limiter
	notifier *push.Notifier
}

// newServer wires the services onto database and builds the router.
func newServer(ctx context.Context, cfg *config.Config, database *db.DB, logger *slog.Logger) (*server, error) {
	// no connection survives a restart
	if err := database.ResetPresence(ctx); err != nil {
		return nil, err
	}

	m := metrics.New()
	authSvc := auth.New(database.GetConn(), cfg.JWTSecret)
	registry := session.NewRegistry(nil, cfg.HeartbeatTimeout, logger.With("component", "session"))
	pres := presence.New(registry, database, nil, logger.With("component", "presence"), m)
	tl := timeline.New(database, nil, logger.With("component", "timeline"), m)
	ty := typing.New(nil, cfg.TypingTimeout, logger.With("component", "typing"))
	sendLimiter := ratelimit.New(nil, cfg.SendInterval)

	suggester, err := suggest.NewOpenAI(cfg.OpenAIAPIKey, cfg.OpenAIModel, logger.With("component", "suggest"))
	if err != nil {
		return nil, err
	}

	var sinks []notify.Sink
	notifier := push.NewNotifier(database, cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey, logger.With("component", "push"))
	if notifier != nil {
		sinks = append(sinks, notifier)
	} else {
		logger.Info("push notifications disabled, VAPID keys not configured")
	}
	dispatcher := notify.New(logger.With("component", "notify"), m, sinks...)

	chatSvc := chat.New(chat.Deps{
		Timeline:  tl,
		Limiter:   sendLimiter,
		Typing:    ty,
		Identity:  authSvc,
		Suggester: suggester,
		Metrics:   m,
		Logger:    logger.With("component", "chat"),
	})

	hub := ws.NewHub(ws.Deps{
		Registry:   registry,
		Presence:   pres,
		Timeline:   tl,
		Typing:     ty,
		Chat:       chatSvc,
		Dispatcher: dispatcher,
		Metrics:    m,
		Logger:     logger.With("component", "ws"),
		PongWait:   cfg.HeartbeatTimeout,
	})

	authHandler := handlers.NewAuthHandler(authSvc)
	msgHandler := handlers.NewMessageHandler(chatSvc)
	userHandler := handlers.NewUserHandler(authSvc, pres, chatSvc, database, notifier.VAPIDPublicKey())

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(serverErrorLogger(logger))
	router.Use(gin.Logger())
	router.Use(panicRecovery(logger))
	router.Use(cors(cfg.CORSOrigins))

	api := router.Group("/api")
	{
		loginLimiter := limiter.New(memory.NewStore(), limiter.Rate{Period: time.Minute, Limit: 5})
		registerLimiter := limiter.New(memory.NewStore(), limiter.Rate{Period: time.Minute, Limit: 2})

		api.POST("/auth/register", rateLimitMiddleware(registerLimiter), authHandler.Register)
		api.POST("/auth/login", rateLimitMiddleware(loginLimiter), authHandler.Login)
		api.GET("/push/vapid-public-key", userHandler.GetVAPIDPublicKey)
	}

	protected := api.Group("")
	protected.Use(authHandler.AuthMiddleware())
	{
		protected.GET("/users", userHandler.GetUsers)
		protected.GET("/users/online/count", userHandler.GetOnlineCount)

		protected.GET("/conversations/:peer/messages", msgHandler.GetMessages)
		protected.POST("/conversations/:peer/messages", msgHandler.SendMessage)
		protected.DELETE("/conversations/:peer/messages", msgHandler.ClearMyMessages)
		protected.PUT("/conversations/:peer/messages/:id", msgHandler.EditMessage)
		protected.DELETE("/conversations/:peer/messages/:id", msgHandler.DeleteMessage)
		protected.POST("/conversations/:peer/suggest", msgHandler.Suggest)

		protected.GET("/profile", userHandler.GetMyProfile)
		protected.PUT("/profile", userHandler.UpdateProfile)

		protected.POST("/push/subscribe", userHandler.SubscribePush)
	}

	router.GET("/ws", authHandler.AuthMiddleware(), hub.HandleWebSocket)
	router.GET("/metrics", gin.WrapH(m.Handler()))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "connections": hub.ConnectionCount()})
	})

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": __("not found")})
	})

	return &server{router: router, registry: registry, limiter: sendLimiter, notifier: notifier}, nil
}

// pruneLimiter drops idle rate-limit entries until ctx is cancelled.
func pruneLimiter(ctx context.Context, l *ratelimit.Limiter, every time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Prune(); n > 0 {
				logger.Debug("pruned rate limiter entries", "count", n)
			}
		}
	}
}

func runServer(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if dir := filepath.Dir(cfg.DatabasePath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	database, err := db.New(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	srv, err := newServer(ctx, cfg, database, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}

	go srv.registry.Run(ctx)
	go pruneLimiter(ctx, srv.limiter, time.Minute, logger)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("0.0.0.0:%s", cfg.Port),
		Handler: srv.router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", httpServer.Addr, "environment", cfg.Environment)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	srv.notifier.Wait()
	return nil
}
