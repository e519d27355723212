package model

import "time"

type Candle struct {
	ID         string    `gorm:"column:id;primaryKey" json:"id"`
	Source     string    `gorm:"column:source" json:"source"`
	Symbol     string    `gorm:"column:symbol" json:"symbol"`
	Interval   string    `gorm:"column:interval" json:"interval"`
	Open       float64   `gorm:"column:open;type:Float64" json:"open"`
	High       float64   `gorm:"column:high;type:Float64" json:"high"`
	Low        float64   `gorm:"column:low;type:Float64" json:"low"`
	Close      float64   `gorm:"column:close;type:Float64" json:"close"`
	Volume     float64   `gorm:"column:volume;type:Float64" json:"volume"`
	OpenTime   time.Time `gorm:"column:open_time;type:DateTime64(3, 'UTC')" json:"open_time"`
	InsertedAt time.Time `gorm:"column:inserted_at;type:DateTime64(3, 'UTC');default:now64(3)" json:"inserted_at"`
}

func (Candle) TableName() string {
	return "candle"
}
