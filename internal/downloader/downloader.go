package downloader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/navid-fn/perpdesk/internal/binance"
	"github.com/navid-fn/perpdesk/internal/candle"
	"github.com/navid-fn/perpdesk/internal/faulttolerance"
	"github.com/sirupsen/logrus"
)

const (
	ChunkSize   = 1 << 20
	MaxAttempts = 10
	RetryDelay  = 2 * time.Second
)

// ErrSkipped marks an archive that does not exist or cannot be read. The
// caller moves on to the next preset.
var ErrSkipped = errors.New("archive skipped")

// Fetcher streams a URL's body into w.
type Fetcher interface {
	FetchBytes(ctx context.Context, url string, w io.Writer, chunkSize int) error
}

// Downloader turns archive presets into candle frames.
type Downloader struct {
	fetcher Fetcher
	retryer *faulttolerance.Retryer
	baseURL string
	logger  logrus.FieldLogger
}

// New creates a downloader. base may be empty for the public archive.
func New(fetcher Fetcher, base string, logger logrus.FieldLogger) *Downloader {
	if base == "" {
		base = ArchiveBaseURL
	}
	logger = logger.WithField("component", "downloader")
	config := faulttolerance.FixedRetryConfig("archive-download", MaxAttempts, RetryDelay)
	config.Permanent = binance.IsNotFound
	return &Downloader{
		fetcher: fetcher,
		retryer: faulttolerance.NewRetryer(config, logger),
		baseURL: base,
		logger:  logger,
	}
}

// WithRetry replaces the retry policy.
func (d *Downloader) WithRetry(config faulttolerance.RetryConfig) *Downloader {
	config.Permanent = binance.IsNotFound
	d.retryer = faulttolerance.NewRetryer(config, d.logger)
	return d
}

// Fetch downloads the raw archive bytes of p.
func (d *Downloader) Fetch(ctx context.Context, p Preset) ([]byte, error) {
	url := p.URL(d.baseURL)
	var buf bytes.Buffer
	err := d.retryer.Execute(ctx, func(ctx context.Context) error {
		buf.Reset()
		return d.fetcher.FetchBytes(ctx, url, &buf, ChunkSize)
	})
	if binance.IsNotFound(err) {
		return nil, fmt.Errorf("%w: %s is not published", ErrSkipped, p)
	}
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", p, err)
	}
	return buf.Bytes(), nil
}

// Download fetches and parses one archive into 10 s candles. Unsorted
// archives are sorted and parsed again.
func (d *Downloader) Download(ctx context.Context, p Preset) (*candle.Frame, error) {
	data, err := d.Fetch(ctx, p)
	if err != nil {
		return nil, err
	}

	frame, err := ParseFrame(p.Symbol, data)
	if errors.Is(err, ErrUnsorted) {
		d.logger.Warnf("%s is not sorted by time, rewriting it", p)
		data, err = SortArchive(data)
		if err == nil {
			frame, err = ParseFrame(p.Symbol, data)
		}
	}
	if errors.Is(err, ErrInvalidArchive) {
		return nil, fmt.Errorf("%w: %s: %v", ErrSkipped, p, err)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", p, err)
	}

	d.logger.Debugf("%s parsed into %d candles", p, frame.Len())
	return frame, nil
}
