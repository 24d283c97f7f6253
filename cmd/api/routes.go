package main

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kunalverma25/chatmeter/internal/middleware"
)

func setupRouter(api *API) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(api.logger))
	router.Use(middleware.Metrics())
	if api.tracing {
		router.Use(middleware.Tracing())
	}

	// Liveness
	router.GET("/health", api.healthCheck)

	// Public auth routes
	authGroup := router.Group("/api/auth")
	{
		authGroup.POST("/register", api.register)
		authGroup.POST("/login", api.login)
	}

	// Routes requiring a valid session token
	me := router.Group("/api/auth")
	me.Use(middleware.JWTAuth(api.auth))
	{
		me.GET("/me", api.getProfile)
		me.PUT("/me", api.updateProfile)
		me.POST("/me/avatar", api.uploadAvatar)

		me.GET("/quota", api.getQuota)
		me.POST("/consume", api.consume)
		me.POST("/pre-consume", api.preConsume)
		me.POST("/refund-quota", api.refundQuota)
	}

	// Administrative routes gated by the admin secret header
	admin := router.Group("/api/admin")
	admin.Use(middleware.AdminAuth(api.auth))
	{
		admin.GET("/users", api.adminListUsers)
		admin.PUT("/users/:id", api.adminUpdateUser)
		admin.DELETE("/users/:id", api.adminDeleteUser)

		admin.GET("/settings", api.adminGetSettings)
		admin.PUT("/settings", api.adminUpdateSettings)
	}

	return router
}

// healthCheck reports liveness
func (api *API) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// fail writes the uniform failure body
func fail(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{
		"success": false,
		"error":   message,
	})
}
