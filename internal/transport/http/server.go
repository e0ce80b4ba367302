package http

import (
	stdhttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/pingchat/ping-server/internal/auth"
	"github.com/pingchat/ping-server/internal/config"
	"github.com/pingchat/ping-server/internal/core"
	"github.com/pingchat/ping-server/internal/store"
)

// NewServer builds the HTTP server: REST API, health check and the websocket
// endpoint.
func NewServer(gateway *core.Gateway, authService *auth.Service, st store.Store, cfg *config.Config, logger *zerolog.Logger) *stdhttp.Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), LoggerMiddleware(logger))

	api := NewAPIHandlers(authService, st, logger)

	engine.GET("/health", func(c *gin.Context) {
		c.String(stdhttp.StatusOK, "ok")
	})
	engine.POST("/api/register", api.Register)
	engine.POST("/api/login", api.Login)

	authorized := engine.Group("/api", AuthMiddleware(authService, logger))
	authorized.GET("/channels", api.ListChannels)

	engine.GET("/ws", gin.WrapH(NewWSHandler(gateway, authService, logger)))

	return &stdhttp.Server{
		Addr:              cfg.Addr,
		Handler:           engine,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}
