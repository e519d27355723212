package service

import (
	"context"
	"strings"

	"github.com/navid-fn/perpdesk/server/internal/model"
	"github.com/navid-fn/perpdesk/server/internal/repository"
)

const (
	defaultLimit = 10
	maxLimit     = 1000
)

type CandlesService struct {
	repo repository.CandleRepository
}

func NewCandlesService(repo repository.CandleRepository) *CandlesService {
	return &CandlesService{
		repo: repo,
	}
}

// GetLatest returns the newest candles, optionally for one symbol. limit is
// clamped to [1, 1000] with 10 as the default.
func (cs *CandlesService) GetLatest(ctx context.Context, symbol string, limit int) ([]model.Candle, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	limit = min(limit, maxLimit)
	return cs.repo.GetLatestCandles(ctx, strings.ToUpper(symbol), limit)
}

func (cs *CandlesService) GetCount(ctx context.Context, symbol string) (int64, error) {
	return cs.repo.GetCandlesCount(ctx, strings.ToUpper(symbol))
}

func (cs *CandlesService) GetCountPerSymbol(ctx context.Context) (map[string]int64, error) {
	return cs.repo.GetCandleCountGroupBySymbol(ctx)
}
