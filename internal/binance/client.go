// Package binance is the exchange client: signed REST calls against the
// USD-M futures and spot APIs, and persistent websocket streams.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/navid-fn/perpdesk/internal/faulttolerance"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	FuturesBaseURL = "https://fapi.binance.com"
	SpotBaseURL    = "https://api.binance.com"

	requestTimeout = 30 * time.Second
	recvWindow     = 5000
)

// API selects which REST host a call goes to.
type API int

const (
	Futures API = iota
	Spot
)

// APIRequestError is a non-200 response carrying Binance's error body.
type APIRequestError struct {
	StatusCode int
	Code       int
	Message    string
	Payload    map[string]any
}

func (e *APIRequestError) Error() string {
	return fmt.Sprintf("binance api error %d (http %d): %s", e.Code, e.StatusCode, e.Message)
}

// HTTPStatusError is a non-200 response without a Binance error body.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected http status %d: %s", e.StatusCode, e.Body)
}

// ErrMissingKeys is returned for signed calls without credentials.
var ErrMissingKeys = errors.New("binance api keys are not set")

// IsNotFound reports whether err is an HTTP 404.
func IsNotFound(err error) bool {
	var se *HTTPStatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusNotFound
	}
	var ae *APIRequestError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// isBanSignal tells the circuit breaker which failures mean the exchange
// wants us to back off.
func isBanSignal(err error) bool {
	var ae *APIRequestError
	if errors.As(err, &ae) {
		return ae.StatusCode == http.StatusTooManyRequests || ae.StatusCode == http.StatusTeapot
	}
	var se *HTTPStatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusTooManyRequests || se.StatusCode == http.StatusTeapot
	}
	return false
}

// RateLimit is one X-MBX-* header value and when it was observed.
type RateLimit struct {
	Value      string
	ObservedAt time.Time
}

// Config holds client settings.
type Config struct {
	APIKey     string
	APISecret  string
	FuturesURL string
	SpotURL    string

	// RequestsPerSecond bounds the request rate (0 = 20).
	RequestsPerSecond float64
}

// Client is safe for concurrent use.
type Client struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *faulttolerance.CircuitBreaker
	logger     logrus.FieldLogger

	keysMutex sync.RWMutex
	apiKey    string
	apiSecret string

	limitsMutex sync.RWMutex
	rateLimits  map[string]RateLimit
	now         func() time.Time
}

// NewClient creates a client.
func NewClient(config Config, logger logrus.FieldLogger) *Client {
	if config.FuturesURL == "" {
		config.FuturesURL = FuturesBaseURL
	}
	if config.SpotURL == "" {
		config.SpotURL = SpotBaseURL
	}
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = 20
	}

	logger = logger.WithField("component", "binance")
	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: requestTimeout},
		limiter:    rate.NewLimiter(rate.Limit(config.RequestsPerSecond), 10),
		breaker: faulttolerance.NewCircuitBreaker(faulttolerance.CircuitBreakerConfig{
			MaxFailures: 3,
			Timeout:     time.Minute,
			Name:        "binance-rest",
			Counts:      isBanSignal,
		}, logger),
		logger:     logger,
		apiKey:     config.APIKey,
		apiSecret:  config.APISecret,
		rateLimits: make(map[string]RateLimit),
		now:        time.Now,
	}
}

// SetKeys replaces the credentials used for signed calls.
func (c *Client) SetKeys(key, secret string) {
	c.keysMutex.Lock()
	defer c.keysMutex.Unlock()
	c.apiKey = key
	c.apiSecret = secret
}

// HasKeys reports whether credentials are configured.
func (c *Client) HasKeys() bool {
	c.keysMutex.RLock()
	defer c.keysMutex.RUnlock()
	return c.apiKey != "" && c.apiSecret != ""
}

func (c *Client) keys() (string, string) {
	c.keysMutex.RLock()
	defer c.keysMutex.RUnlock()
	return c.apiKey, c.apiSecret
}

// RateLimits returns a copy of the latest X-MBX-* response headers.
func (c *Client) RateLimits() map[string]RateLimit {
	c.limitsMutex.RLock()
	defer c.limitsMutex.RUnlock()
	out := make(map[string]RateLimit, len(c.rateLimits))
	for k, v := range c.rateLimits {
		out[k] = v
	}
	return out
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Client) baseURL(api API) string {
	if api == Spot {
		return c.config.SpotURL
	}
	return c.config.FuturesURL
}

// Request performs one REST call and decodes the JSON body into out (which
// may be nil). Signed calls get timestamp, recvWindow and signature
// parameters and the API key header.
func (c *Client) Request(ctx context.Context, method string, api API, path string, params url.Values, signed bool, out any) error {
	if params == nil {
		params = url.Values{}
	}

	key, secret := c.keys()
	if signed {
		if key == "" || secret == "" {
			return ErrMissingKeys
		}
		params.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
		params.Set("recvWindow", strconv.Itoa(recvWindow))
	}

	query := params.Encode()
	if signed {
		query += "&signature=" + Sign(secret, query)
	}

	endpoint := c.baseURL(api) + path
	if query != "" {
		endpoint += "?" + query
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var body []byte
	err := c.breaker.Execute(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
		if err != nil {
			return err
		}
		if key != "" {
			req.Header.Set("X-MBX-APIKEY", key)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%s %s: %w", method, path, err)
		}
		defer resp.Body.Close()

		c.recordHeaders(resp.Header)

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("%s %s: read body: %w", method, path, err)
		}
		if resp.StatusCode != http.StatusOK {
			return decodeError(resp.StatusCode, body)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}

func decodeError(status int, body []byte) error {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err == nil {
		if code, ok := payload["code"].(float64); ok {
			msg, _ := payload["msg"].(string)
			return &APIRequestError{StatusCode: status, Code: int(code), Message: msg, Payload: payload}
		}
	}
	text := string(body)
	if len(text) > 256 {
		text = text[:256]
	}
	return &HTTPStatusError{StatusCode: status, Body: text}
}

func (c *Client) recordHeaders(h http.Header) {
	now := c.now()
	c.limitsMutex.Lock()
	defer c.limitsMutex.Unlock()
	for k, v := range h {
		if strings.HasPrefix(strings.ToUpper(k), "X-MBX-") && len(v) > 0 {
			c.rateLimits[strings.ToUpper(k)] = RateLimit{Value: v[0], ObservedAt: now}
		}
	}
}

// FetchBytes downloads an arbitrary URL, streaming the body into w in
// chunkSize pieces.
func (c *Client) FetchBytes(ctx context.Context, rawURL string, w io.Writer, chunkSize int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	client := &http.Client{}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return &HTTPStatusError{StatusCode: resp.StatusCode, Body: string(snippet)}
	}

	if chunkSize <= 0 {
		chunkSize = 1 << 20
	}
	buf := make([]byte, chunkSize)
	_, err = io.CopyBuffer(w, resp.Body, buf)
	return err
}
