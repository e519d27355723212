// Package monitor defines the outbound surfaces the core reports to (prices,
// status values, progress) and logrus-backed implementations of them.
package monitor

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/sirupsen/logrus"
)

// Reporter receives live values for display.
type Reporter interface {
	// Prices delivers the freshest price of each symbol.
	Prices(prices map[string]float64)
	// Status publishes a named value such as "markets_gone" or
	// "rate_limits".
	Status(key string, value any)
}

// Progress tracks a long-running job.
type Progress interface {
	SetTotal(n int)
	Advance(n int)
	Done()
}

// LogReporter logs status changes and keeps the latest values.
type LogReporter struct {
	logger logrus.FieldLogger

	mu     sync.RWMutex
	prices map[string]float64
	status map[string]any
}

// NewLogReporter creates a reporter writing to logger.
func NewLogReporter(logger logrus.FieldLogger) *LogReporter {
	return &LogReporter{
		logger: logger,
		prices: make(map[string]float64),
		status: make(map[string]any),
	}
}

func (r *LogReporter) Prices(prices map[string]float64) {
	r.mu.Lock()
	for k, v := range prices {
		r.prices[k] = v
	}
	r.mu.Unlock()
	r.logger.WithField("prices", prices).Debug("Prices updated")
}

func (r *LogReporter) Status(key string, value any) {
	r.mu.Lock()
	old, had := r.status[key]
	r.status[key] = value
	r.mu.Unlock()

	if !had || !reflect.DeepEqual(old, value) {
		r.logger.WithField("key", key).Infof("Status changed: %v", value)
	}
}

// Price returns the latest reported price of symbol.
func (r *LogReporter) Price(symbol string) (float64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.prices[symbol]
	return p, ok
}

// StatusValue returns the latest value of key.
func (r *LogReporter) StatusValue(key string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.status[key]
	return v, ok
}

// LogProgress logs every tenth of the way.
type LogProgress struct {
	name   string
	logger logrus.FieldLogger

	mu       sync.Mutex
	total    int
	done     int
	lastTick int
}

// NewLogProgress creates a progress sink named name.
func NewLogProgress(name string, logger logrus.FieldLogger) *LogProgress {
	return &LogProgress{name: name, logger: logger}
}

func (p *LogProgress) SetTotal(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.total = n
	p.done = 0
	p.lastTick = 0
}

func (p *LogProgress) Advance(n int) {
	p.mu.Lock()
	p.done += n
	done, total := p.done, p.total
	tick := 0
	if total > 0 {
		tick = done * 10 / total
	}
	report := tick > p.lastTick
	if report {
		p.lastTick = tick
	}
	p.mu.Unlock()

	if report {
		p.logger.Infof("[%s] %s", p.name, fraction(done, total))
	}
}

func (p *LogProgress) Done() {
	p.mu.Lock()
	done, total := p.done, p.total
	p.mu.Unlock()
	p.logger.Infof("[%s] finished %s", p.name, fraction(done, total))
}

// Fraction returns how far the job is.
func (p *LogProgress) Fraction() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done, p.total
}

func fraction(done, total int) string {
	if total == 0 {
		return fmt.Sprintf("%d done", done)
	}
	return fmt.Sprintf("%d/%d (%d%%)", done, total, done*100/total)
}

// Discard is a Reporter and Progress that drops everything.
type Discard struct{}

func (Discard) Prices(map[string]float64) {}
func (Discard) Status(string, any)        {}
func (Discard) SetTotal(int)              {}
func (Discard) Advance(int)               {}
func (Discard) Done()                     {}
