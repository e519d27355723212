package router

import (
	"github.com/gin-gonic/gin"
	"github.com/navid-fn/perpdesk/server/internal/handler"
)

type Config struct {
	CandleHandler *handler.CandleHandler
	Debug         bool
}

func NewRouter(cfg *Config) *gin.Engine {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()

	api := router.Group("/v1/")
	registerCandleRoutes(api, cfg.CandleHandler)

	return router
}
