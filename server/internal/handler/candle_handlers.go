package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/navid-fn/perpdesk/server/internal/service"
)

type CandleHandler struct {
	candleService *service.CandlesService
}

func NewCandleHandler(service *service.CandlesService) *CandleHandler {
	return &CandleHandler{
		candleService: service,
	}
}

func (h *CandleHandler) GetLatest(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer"})
			return
		}
		limit = n
	}
	candles, err := h.candleService.GetLatest(c.Request.Context(), c.Query("symbol"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, candles)
}

func (h *CandleHandler) GetCount(c *gin.Context) {
	symbol := c.Query("symbol")
	if symbol == "all" {
		counts, err := h.candleService.GetCountPerSymbol(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, counts)
		return
	}

	count, err := h.candleService.GetCount(c.Request.Context(), symbol)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if symbol != "" {
		c.JSON(http.StatusOK, gin.H{symbol: count})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": count})
}
