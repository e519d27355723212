package models

import (
	"fmt"
	"regexp"
	"time"
)

// Decision is one order request. Boundary is ignored for NOW orders and
// Margin is ignored for close orders and CANCEL_ALL.
type Decision struct {
	Boundary float64 `json:"boundary"`
	Margin   float64 `json:"margin"`
}

// Decisions maps symbol to the orders requested for it.
type Decisions map[string]map[OrderType]Decision

// Add records a decision.
func (d Decisions) Add(symbol string, t OrderType, dec Decision) {
	m, ok := d[symbol]
	if !ok {
		m = make(map[OrderType]Decision)
		d[symbol] = m
	}
	m[t] = dec
}

// StrategyInfo is the persisted description of a strategy. Behaviour lives
// in code registered under CodeName.
type StrategyInfo struct {
	CodeName                    string    `json:"code_name"`
	ReadableName                string    `json:"readable_name"`
	Version                     string    `json:"version"`
	Description                 string    `json:"description"`
	RiskLevel                   RiskLevel `json:"risk_level"`
	ParallelSimulationChunkDays *int      `json:"parallel_simulation_chunk_days,omitempty"`
}

var (
	codeNamePattern = regexp.MustCompile(`^[A-Z]{6}$`)
	versionPattern  = regexp.MustCompile(`^[0-9]+\.[0-9]+$`)
)

// Validate checks the code name, version and risk level formats.
func (s StrategyInfo) Validate() error {
	if !codeNamePattern.MatchString(s.CodeName) {
		return fmt.Errorf("code name %q must be six uppercase letters", s.CodeName)
	}
	if !versionPattern.MatchString(s.Version) {
		return fmt.Errorf("version %q must look like MAJOR.MINOR", s.Version)
	}
	if s.RiskLevel != "" && !s.RiskLevel.Valid() {
		return fmt.Errorf("unknown risk level %q", s.RiskLevel)
	}
	if d := s.ParallelSimulationChunkDays; d != nil && *d <= 0 {
		return fmt.Errorf("parallel_simulation_chunk_days must be positive, got %d", *d)
	}
	return nil
}

// CandleBar is one symbol's OHLCV at one moment.
type CandleBar struct {
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// DecisionInput is what a strategy sees when deciding.
type DecisionInput struct {
	TargetSymbols []string
	CurrentMoment time.Time
	Candles       map[string]CandleBar
	Indicators    map[string]float64
	Account       AccountState
	Scribbles     Scribbles
}
