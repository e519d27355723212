// Package downloader backfills candles from Binance's bulk aggTrades
// archives at data.binance.vision.
package downloader

import (
	"fmt"
	"time"
)

const ArchiveBaseURL = "https://data.binance.vision/data/futures/um"

// Period is the archive granularity.
type Period string

const (
	Daily   Period = "daily"
	Monthly Period = "monthly"
)

// Preset names one archive file.
type Preset struct {
	Symbol string
	Period Period
	Year   int
	Month  time.Month
	Day    int // only for Daily
}

func (p Preset) String() string {
	if p.Period == Daily {
		return fmt.Sprintf("%s %04d-%02d-%02d", p.Symbol, p.Year, p.Month, p.Day)
	}
	return fmt.Sprintf("%s %04d-%02d", p.Symbol, p.Year, p.Month)
}

// URL is the archive location under base.
func (p Preset) URL(base string) string {
	if p.Period == Daily {
		return fmt.Sprintf("%s/daily/aggTrades/%s/%s-aggTrades-%04d-%02d-%02d.zip",
			base, p.Symbol, p.Symbol, p.Year, p.Month, p.Day)
	}
	return fmt.Sprintf("%s/monthly/aggTrades/%s/%s-aggTrades-%04d-%02d.zip",
		base, p.Symbol, p.Symbol, p.Year, p.Month)
}

// Span returns the [start, end) the archive covers.
func (p Preset) Span() (time.Time, time.Time) {
	if p.Period == Daily {
		start := time.Date(p.Year, p.Month, p.Day, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 0, 1)
	}
	start := time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

// Plan lists the archives covering [from, to) for symbol as of now. Months
// that ended before now's month use one MONTHLY archive; the current month
// is covered day by day up to yesterday, since today's file is not
// published yet.
func Plan(symbol string, from, to, now time.Time) []Preset {
	from, to, now = from.UTC(), to.UTC(), now.UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if to.After(today) {
		to = today
	}
	thisMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	var out []Preset
	month := time.Date(from.Year(), from.Month(), 1, 0, 0, 0, 0, time.UTC)
	for ; month.Before(to); month = month.AddDate(0, 1, 0) {
		if month.Before(thisMonth) {
			out = append(out, Preset{Symbol: symbol, Period: Monthly, Year: month.Year(), Month: month.Month()})
			continue
		}
		for day := month; day.Before(to) && day.Month() == month.Month(); day = day.AddDate(0, 0, 1) {
			if day.AddDate(0, 0, 1).After(from) {
				out = append(out, Preset{Symbol: symbol, Period: Daily, Year: day.Year(), Month: day.Month(), Day: day.Day()})
			}
		}
	}
	return out
}
