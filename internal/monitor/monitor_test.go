package monitor

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestLogReporterKeepsLatest(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	r := NewLogReporter(logger)

	r.Prices(map[string]float64{"BTCUSDT": 100})
	r.Prices(map[string]float64{"BTCUSDT": 101, "ETHUSDT": 10})
	r.Status("markets_gone", []string{"ETHUSDT"})

	p, ok := r.Price("BTCUSDT")
	assert.True(t, ok)
	assert.Equal(t, 101.0, p)

	v, ok := r.StatusValue("markets_gone")
	assert.True(t, ok)
	assert.Equal(t, []string{"ETHUSDT"}, v)
}

func TestLogProgress(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	p := NewLogProgress("download", logger)

	p.SetTotal(4)
	p.Advance(1)
	p.Advance(3)
	p.Done()

	done, total := p.Fraction()
	assert.Equal(t, 4, done)
	assert.Equal(t, 4, total)

	var _ Reporter = Discard{}
	var _ Progress = Discard{}
}
