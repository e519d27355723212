package strategist

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/navid-fn/perpdesk/internal/models"
	"github.com/navid-fn/perpdesk/internal/persist"
	"github.com/sirupsen/logrus"
)

var (
	ErrVersionRegression = errors.New("strategy version is lower than the stored one")
	ErrNotRegistered     = errors.New("no implementation registered for strategy")
	ErrUnknownStrategy   = errors.New("unknown strategy")
)

// StrategiesPath is where the strategy list lives under datapath.
func StrategiesPath(datapath string) string {
	return filepath.Join(datapath, "strategist", "strategies.json")
}

// Entry pairs stored metadata with its implementation.
type Entry struct {
	Info     models.StrategyInfo
	Strategy Strategy
}

// Strategist owns the strategy list.
type Strategist struct {
	path   string
	logger logrus.FieldLogger

	mu         sync.RWMutex
	strategies []models.StrategyInfo
}

// New creates a strategist over datapath. Call Load before use.
func New(datapath string, logger logrus.FieldLogger) *Strategist {
	return &Strategist{
		path:   StrategiesPath(datapath),
		logger: logger.WithField("component", "strategist"),
	}
}

// Load reads the strategy list. A missing file is seeded with every
// registered strategy and written out.
func (s *Strategist) Load() error {
	var list []models.StrategyInfo
	err := persist.ReadJSON(s.path, &list)
	if errors.Is(err, fs.ErrNotExist) {
		list = Registered()
		s.logger.Infof("No strategies file, seeding %d built-in strategies", len(list))
		if err := persist.WriteJSON(s.path, list); err != nil {
			return fmt.Errorf("failed to seed strategies: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("failed to read strategies: %w", err)
	}

	for _, info := range list {
		if err := info.Validate(); err != nil {
			return fmt.Errorf("stored strategy %q: %w", info.CodeName, err)
		}
	}

	s.mu.Lock()
	s.strategies = list
	s.mu.Unlock()
	return nil
}

// Save rewrites the strategy list.
func (s *Strategist) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return persist.WriteJSON(s.path, s.strategies)
}

// List returns a copy of the stored metadata in file order.
func (s *Strategist) List() []models.StrategyInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.StrategyInfo(nil), s.strategies...)
}

// At returns the strategy at index of List.
func (s *Strategist) At(index int) (Entry, error) {
	s.mu.RLock()
	if index < 0 || index >= len(s.strategies) {
		s.mu.RUnlock()
		return Entry{}, fmt.Errorf("%w: index %d", ErrUnknownStrategy, index)
	}
	info := s.strategies[index]
	s.mu.RUnlock()
	return s.entry(info)
}

// Lookup returns the strategy stored under code.
func (s *Strategist) Lookup(code string) (Entry, error) {
	s.mu.RLock()
	i := s.find(code)
	if i < 0 {
		s.mu.RUnlock()
		return Entry{}, fmt.Errorf("%w: %s", ErrUnknownStrategy, code)
	}
	info := s.strategies[i]
	s.mu.RUnlock()
	return s.entry(info)
}

func (s *Strategist) entry(info models.StrategyInfo) (Entry, error) {
	impl, err := Implementation(info.CodeName)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Info: info, Strategy: impl}, nil
}

func (s *Strategist) find(code string) int {
	for i, info := range s.strategies {
		if info.CodeName == code {
			return i
		}
	}
	return -1
}

// Put adds or replaces a strategy and rewrites the file. The version of an
// existing code name may not go down. Nothing changes on error.
func (s *Strategist) Put(info models.StrategyInfo) error {
	if err := info.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := append([]models.StrategyInfo(nil), s.strategies...)
	if i := s.find(info.CodeName); i >= 0 {
		cmp, err := CompareVersions(info.Version, next[i].Version)
		if err != nil {
			return err
		}
		if cmp < 0 {
			return fmt.Errorf("%w: %s %s < %s", ErrVersionRegression, info.CodeName, info.Version, next[i].Version)
		}
		next[i] = info
	} else {
		next = append(next, info)
	}

	if err := persist.WriteJSON(s.path, next); err != nil {
		return fmt.Errorf("failed to save strategies: %w", err)
	}
	s.strategies = next
	s.logger.Infof("Saved strategy %s v%s", info.CodeName, info.Version)
	return nil
}

// Remove deletes a strategy and rewrites the file.
func (s *Strategist) Remove(code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.find(code)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownStrategy, code)
	}
	next := append(append([]models.StrategyInfo(nil), s.strategies[:i]...), s.strategies[i+1:]...)
	if err := persist.WriteJSON(s.path, next); err != nil {
		return fmt.Errorf("failed to save strategies: %w", err)
	}
	s.strategies = next
	return nil
}

// CompareVersions compares "major.minor" versions numerically.
func CompareVersions(a, b string) (int, error) {
	am, an, err := splitVersion(a)
	if err != nil {
		return 0, err
	}
	bm, bn, err := splitVersion(b)
	if err != nil {
		return 0, err
	}
	switch {
	case am != bm:
		return sign(am - bm), nil
	default:
		return sign(an - bn), nil
	}
}

func splitVersion(v string) (int, int, error) {
	major, minor, ok := strings.Cut(v, ".")
	if !ok {
		return 0, 0, fmt.Errorf("malformed version %q", v)
	}
	m, err := strconv.Atoi(major)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed version %q: %w", v, err)
	}
	n, err := strconv.Atoi(minor)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed version %q: %w", v, err)
	}
	return m, n, nil
}

func sign(x int) int {
	switch {
	case x < 0:
		return -1
	case x > 0:
		return 1
	}
	return 0
}
