package repository

import (
	"context"

	"github.com/navid-fn/perpdesk/server/internal/model"
	"gorm.io/gorm"
)

type CandleRepository interface {
	GetLatestCandles(ctx context.Context, symbol string, limit int) ([]model.Candle, error)
	GetCandlesCount(ctx context.Context, symbol string) (int64, error)
	GetCandleCountGroupBySymbol(ctx context.Context) (map[string]int64, error)
}

type gormCandleRepository struct {
	db *gorm.DB
}

func NewGormCandleRepository(db *gorm.DB) CandleRepository {
	return &gormCandleRepository{db: db}
}

func (r *gormCandleRepository) GetLatestCandles(ctx context.Context, symbol string, limit int) ([]model.Candle, error) {
	var candles []model.Candle
	query := r.db.WithContext(ctx).Order("open_time desc").Limit(limit)
	if symbol != "" {
		query = query.Where("symbol = ?", symbol)
	}
	if err := query.Find(&candles).Error; err != nil {
		return nil, err
	}
	return candles, nil
}

func (r *gormCandleRepository) GetCandlesCount(ctx context.Context, symbol string) (int64, error) {
	var count int64
	query := r.db.WithContext(ctx).Model(&model.Candle{})
	if symbol != "" {
		query = query.Where("symbol = ?", symbol)
	}
	if err := query.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (r *gormCandleRepository) GetCandleCountGroupBySymbol(ctx context.Context) (map[string]int64, error) {
	type SymbolCount struct {
		Symbol string
		Count  int64
	}
	var rows []SymbolCount
	err := r.db.WithContext(ctx).Model(&model.Candle{}).
		Select("symbol, count(*) as count").
		Group("symbol").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	result := make(map[string]int64, len(rows))
	for _, row := range rows {
		result[row.Symbol] = row.Count
	}
	return result, nil
}
