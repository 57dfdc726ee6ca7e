package server

import (
	"context"
	"net/http"

	"depositguard/internal/auth"
	"depositguard/internal/booking"
	"depositguard/internal/config"
	"depositguard/internal/deposit"
	"depositguard/internal/provider"
	"depositguard/internal/user"
	"depositguard/internal/webhook"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
)

type Server struct {
	router *gin.Engine
	http   *http.Server
	db     *sqlx.DB
	config *config.Config
}

func New(db *sqlx.DB, cfg *config.Config, redisClient *redis.Client, depositService deposit.Service) *Server {
	router := gin.Default()
	router.Use(corsMiddleware())
	router.Use(RequestLoggingMiddleware())
	router.Use(MetricsMiddleware())

	bookingRepo := booking.NewRepository(db)

	userHandler := user.NewHandler(db, cfg.JWTSecret)
	providerHandler := provider.NewHandler(db)
	bookingHandler := booking.NewHandler(db)
	depositHandler := deposit.NewHandler(depositService)
	webhookHandler := webhook.NewHandler(webhook.NewReconciler(bookingRepo), redisClient, cfg.ProcessorWebhookSecret)

	public := router.Group("/auth")
	public.Use(RateLimitMiddleware(5, 10))
	{
		public.POST("/register", userHandler.Register)
		public.POST("/login", userHandler.Login)
		public.POST("/refresh", userHandler.RefreshToken)
	}

	authMiddleware := auth.AuthMiddleware(cfg.JWTSecret)
	protected := router.Group("/")
	protected.Use(authMiddleware)
	{
		protected.GET("/auth/me", userHandler.GetMe)

		protected.POST("/bookings", bookingHandler.Create)
		protected.GET("/bookings/:id", bookingHandler.Get)
		protected.GET("/bookings/:id/events", bookingHandler.GetEvents)

		protected.POST("/bookings/:id/deposit/intent", depositHandler.CreateIntent)
		protected.POST("/bookings/:id/reschedule", depositHandler.Reschedule)
		protected.POST("/bookings/:id/confirm", depositHandler.Confirm)
		protected.POST("/bookings/:id/flag", depositHandler.FlagIssue)
	}

	providerOnly := router.Group("/")
	providerOnly.Use(authMiddleware, auth.RequireRole(auth.RoleProvider))
	{
		providerOnly.PUT("/provider/profile", providerHandler.UpsertProfile)
		providerOnly.GET("/provider/profile", providerHandler.GetProfile)
		providerOnly.POST("/bookings/:id/complete", depositHandler.MarkCompleted)
	}

	admin := router.Group("/admin")
	admin.Use(authMiddleware, auth.RequireRole(auth.RoleAdmin))
	{
		admin.POST("/bookings/:id/resolve", depositHandler.Resolve)
	}

	// Authenticated by signature, not by JWT.
	router.POST("/webhooks/processor", RateLimitMiddleware(50, 100), webhookHandler.Receive)

	router.GET("/health", Health(db))
	router.GET("/metrics", Metrics())
	SetupSwagger(router)

	return &Server{
		router: router,
		http: &http.Server{
			Addr:    ":" + cfg.Port,
			Handler: router,
		},
		db:     db,
		config: cfg,
	}
}

func (s *Server) Start() error {
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE, PATCH")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}
