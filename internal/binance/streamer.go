package binance

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	FuturesStreamURL = "wss://fstream.binance.com"

	wsHandshakeTimeout = 10 * time.Second
	wsReadTimeout      = 10 * time.Minute
	wsWriteTimeout     = 10 * time.Second
	wsReconnectDelay   = 5 * time.Second
)

// StreamHandler processes one decoded frame. stream is the combined-stream
// name, or "" for raw streams such as the user-data stream.
type StreamHandler func(ctx context.Context, stream string, data []byte) error

// StreamConfig holds websocket connection settings.
type StreamConfig struct {
	URL            string
	Headers        http.Header
	ReconnectDelay time.Duration // 0 = 5s
	ReadTimeout    time.Duration // 0 = 10m
}

// CombinedStreamURL builds the URL subscribing to every stream name.
func CombinedStreamURL(base string, streams []string) string {
	return fmt.Sprintf("%s/stream?streams=%s", base, strings.Join(streams, "/"))
}

// Streamer keeps one websocket connection alive and fans its frames out to
// a handler. Every frame is handled on its own goroutine; a failing handler
// is logged and never drops the connection.
type Streamer struct {
	config  StreamConfig
	handler StreamHandler
	logger  logrus.FieldLogger

	mu       sync.Mutex
	handlers sync.WaitGroup
}

// NewStreamer creates a streamer.
func NewStreamer(config StreamConfig, handler StreamHandler, logger logrus.FieldLogger) *Streamer {
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = wsReconnectDelay
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = wsReadTimeout
	}
	return &Streamer{
		config:  config,
		handler: handler,
		logger:  logger.WithField("stream", config.URL),
	}
}

// Run connects and reconnects until ctx is cancelled, then waits for
// in-flight handlers.
func (s *Streamer) Run(ctx context.Context) error {
	defer s.handlers.Wait()

	for {
		if ctx.Err() != nil {
			return nil
		}

		err := s.connect(ctx)
		if ctx.Err() != nil {
			return nil
		}

		s.logger.Warnf("WebSocket disconnected: %v. Reconnecting in %v", err, s.config.ReconnectDelay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.config.ReconnectDelay):
		}
	}
}

func (s *Streamer) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}

	conn, _, err := dialer.DialContext(ctx, s.config.URL, s.config.Headers)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	defer conn.Close()

	s.logger.Info("WebSocket connected")

	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		s.mu.Lock()
		defer s.mu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(wsWriteTimeout))
	})

	return s.readLoop(ctx, conn)
}

func (s *Streamer) readLoop(ctx context.Context, conn *websocket.Conn) error {
	messages := make(chan []byte, 256)
	// The reader sends exactly one error before closing messages.
	readErr := make(chan error, 1)

	go func() {
		defer close(messages)
		for {
			conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case messages <- msg:
			case <-ctx.Done():
				readErr <- ctx.Err()
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(wsWriteTimeout))
			s.mu.Unlock()
			return ctx.Err()

		case err := <-readErr:
			return fmt.Errorf("read error: %w", err)

		case msg, ok := <-messages:
			if !ok {
				err := <-readErr
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("read error: %w", err)
			}
			s.dispatch(ctx, msg)
		}
	}
}

type envelope struct {
	Stream string             `json:"stream"`
	Data   gojson.RawMessage `json:"data"`
}

func (s *Streamer) dispatch(ctx context.Context, msg []byte) {
	stream, data, err := splitFrame(msg)
	if err != nil {
		s.logger.WithField("frame", truncate(msg)).Warnf("Dropping undecodable frame: %v", err)
		return
	}

	s.handlers.Add(1)
	go func() {
		defer s.handlers.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.WithField("frame", truncate(msg)).Errorf("Stream handler panicked: %v\n%s", r, debug.Stack())
			}
		}()
		if err := s.handler(ctx, stream, data); err != nil {
			s.logger.WithField("frame", truncate(msg)).Errorf("Stream handler failed: %v", err)
		}
	}()
}

// splitFrame unwraps combined-stream envelopes. Raw frames come back whole.
func splitFrame(msg []byte) (string, []byte, error) {
	if !gojson.Valid(msg) {
		return "", nil, fmt.Errorf("invalid json")
	}
	var env envelope
	if err := gojson.Unmarshal(msg, &env); err == nil && env.Stream != "" && len(env.Data) > 0 {
		return env.Stream, env.Data, nil
	}
	return "", msg, nil
}

func truncate(b []byte) string {
	if len(b) > 512 {
		return string(b[:512]) + "..."
	}
	return string(b)
}
