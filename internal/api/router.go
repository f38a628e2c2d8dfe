package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

type RouterOptions struct {
	// ImagesDir is served under ImagesURLPrefix so stored image paths resolve.
	ImagesDir       string
	ImagesURLPrefix string
	// Ready is used by /health; nil means always healthy.
	Ready func(ctx context.Context) error
}

// NewRouter builds the HTTP surface: the JSON API under /api, /health and
// the cached images.
func NewRouter(h *Handler, opts RouterOptions) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())
	_ = router.SetTrustedProxies([]string{"127.0.0.1"})

	router.GET("/health", func(c *gin.Context) {
		if opts.Ready != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := opts.Ready(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	if prefix := strings.Trim(opts.ImagesURLPrefix, "/"); opts.ImagesDir != "" && prefix != "" {
		router.Static("/"+prefix, opts.ImagesDir)
	}

	h.RegisterRoutes(router.Group("/api"))
	return router
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.InfoContext(c.Request.Context(), "HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
