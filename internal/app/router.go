package app

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/dvaper/proxmox-commander/internal/api/handlers"
	"github.com/dvaper/proxmox-commander/internal/api/middleware"
	"github.com/dvaper/proxmox-commander/internal/config"
	"github.com/dvaper/proxmox-commander/internal/metrics"
	apperrors "github.com/dvaper/proxmox-commander/internal/pkg/errors"
)

// defaultCORSOrigins are the local UI dev servers allowed when no origin is
// configured.
var defaultCORSOrigins = []string{
	"http://localhost:3000",
	"http://localhost:5173",
}

func newRouter(cfg *config.Config, server *handlers.Server, m *metrics.Metrics) *gin.Engine {
	router := gin.New()
	router.Use(
		gin.Recovery(),
		cors.New(buildCORSConfig(cfg)),
		middleware.RequestID(),
		middleware.Actor(),
		middleware.AccessLog(),
		middleware.ErrorHandler(),
	)
	router.GET("/metrics", gin.WrapH(m.Handler()))
	server.Register(router)
	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, middleware.ErrorResponse{
			Code:    apperrors.CodeNotFound,
			Message: "route " + c.Request.Method + " " + c.Request.URL.Path + " not found",
		})
	})
	return router
}

// buildCORSConfig allows the configured origins. A "*" entry allows every
// origin and then credentials are not sent.
func buildCORSConfig(cfg *config.Config) cors.Config {
	cc := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", middleware.RequestIDHeader, middleware.ActorHeader},
		ExposeHeaders:    []string{middleware.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}

	origins := make([]string, 0, len(cfg.Server.CORSOrigins))
	for _, o := range cfg.Server.CORSOrigins {
		if o == "*" {
			cc.AllowAllOrigins = true
			cc.AllowCredentials = false
			return cc
		}
		if o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		origins = append(origins, defaultCORSOrigins...)
	}
	cc.AllowOrigins = origins
	return cc
}
