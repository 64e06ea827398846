package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/footprint/internal/auth"
	"github.com/MarcoPoloResearchLab/footprint/internal/checkins"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	userIDContextKey    = "footprint_user_id"
	userRolesContextKey = "footprint_user_roles"
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingCheckinsService  = errors.New("checkins service dependency required")
)

// SessionValidator resolves the caller identity carried by a request.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	Sessions        SessionValidator
	CheckinsService *checkins.Service
	Logger          *zap.Logger
	AllowedOrigins  []string
	RateLimitRPS    float64
	RateLimitBurst  int
}

// NewHTTPHandler builds the gin router serving the check-in API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessionValidator
	}
	if deps.CheckinsService == nil {
		return nil, errMissingCheckinsService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		sessions:        deps.Sessions,
		checkinsService: deps.CheckinsService,
		logger:          logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/checkins")
	if deps.RateLimitRPS > 0 && deps.RateLimitBurst > 0 {
		api.Use(handler.rateLimit(newClientRateLimiter(deps.RateLimitRPS, deps.RateLimitBurst, time.Now)))
	}
	api.Use(handler.identifyRequest)
	api.GET("/map-markers", handler.handleMapMarkers)
	api.GET("", handler.handleListCheckins)
	api.GET("/:id", handler.handleGetCheckin)

	writes := api.Group("", handler.requireIdentity)
	writes.POST("", handler.handleCreateCheckin)
	writes.PUT("/:id", handler.handleUpdateCheckin)
	writes.DELETE("/:id", handler.handleDeleteCheckin)
	writes.POST("/:id/audit", handler.handleAuditCheckin)

	return router, nil
}

type httpHandler struct {
	sessions        SessionValidator
	checkinsService *checkins.Service
	logger          *zap.Logger
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Origin"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

// identifyRequest attaches the caller identity when a credential is present.
// Reads stay open to anonymous callers; a credential that fails validation is rejected.
func (h *httpHandler) identifyRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrMissingSessionToken) {
			c.Next()
			return
		}
		if errors.Is(err, auth.ErrExpiredSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errorUnauthorized})
		return
	}
	c.Set(userIDContextKey, claims.UserID)
	c.Set(userRolesContextKey, claims.UserRoles)
	c.Next()
}

func (h *httpHandler) requireIdentity(c *gin.Context) {
	if c.GetString(userIDContextKey) == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errorUnauthorized})
		return
	}
	c.Next()
}

func (h *httpHandler) rateLimit(limiter *clientRateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow(c.ClientIP()) {
			h.logger.Debug("request rate limited", zap.String("client_ip", c.ClientIP()))
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": errorRateLimited})
			return
		}
		c.Next()
	}
}

func viewerFrom(c *gin.Context) checkins.Viewer {
	return checkins.Viewer{
		UserID: c.GetString(userIDContextKey),
		Roles:  c.GetStringSlice(userRolesContextKey),
	}
}
