package router

import (
	"github.com/gin-gonic/gin"
	"github.com/navid-fn/perpdesk/server/internal/handler"
)

func registerCandleRoutes(router *gin.RouterGroup, candleHandler *handler.CandleHandler) {
	candles := router.Group("/candles")
	{
		candles.GET("/latest", candleHandler.GetLatest)
		candles.GET("/count", candleHandler.GetCount)
	}
}
