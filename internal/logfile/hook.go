// Package logfile mirrors log entries into a per-session text file under
// "<datapath>/+logs/". Entries are buffered and flushed periodically.
package logfile

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Divider separates entries in the file.
var Divider = strings.Repeat("-", 80)

// Hook is a logrus hook writing formatted entries to a session file.
type Hook struct {
	path          string
	bufferSize    int
	flushInterval time.Duration
	formatter     logrus.Formatter

	bufferMutex sync.Mutex
	buffer      [][]byte
	fileMutex   sync.Mutex

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	flushChan chan struct{}
}

// SessionPath returns the log file path of a session started at t.
func SessionPath(datapath string, t time.Time) string {
	name := t.UTC().Format("2006-01-02.15-04-05") + ".UTC.txt"
	return filepath.Join(datapath, "+logs", name)
}

// NewHook creates the hook for a session started at started.
func NewHook(datapath string, started time.Time, bufferSize int, flushInterval time.Duration) (*Hook, error) {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}

	path := SessionPath(datapath, started)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Hook{
		path:          path,
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
		formatter:     &logrus.TextFormatter{DisableColors: true, FullTimestamp: true},
		buffer:        make([][]byte, 0, bufferSize),
		ctx:           ctx,
		cancel:        cancel,
		flushChan:     make(chan struct{}, 1),
	}, nil
}

// Path returns the session file path.
func (h *Hook) Path() string { return h.path }

// Levels implements logrus.Hook.
func (h *Hook) Levels() []logrus.Level { return logrus.AllLevels }

// Fire implements logrus.Hook.
func (h *Hook) Fire(entry *logrus.Entry) error {
	line, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}

	h.bufferMutex.Lock()
	h.buffer = append(h.buffer, line)
	full := len(h.buffer) >= h.bufferSize
	h.bufferMutex.Unlock()

	if full {
		select {
		case h.flushChan <- struct{}{}:
		default:
		}
	}
	return nil
}

// Start launches the flush loop.
func (h *Hook) Start() {
	h.wg.Add(1)
	go h.flushLoop()
}

// Stop ends the flush loop and writes whatever is buffered.
func (h *Hook) Stop() error {
	h.cancel()
	h.wg.Wait()
	return h.Flush()
}

func (h *Hook) flushLoop() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			_ = h.Flush()
		case <-h.flushChan:
			_ = h.Flush()
		}
	}
}

// Flush appends buffered entries to the file. On failure the entries are
// put back in front of the buffer.
func (h *Hook) Flush() error {
	h.bufferMutex.Lock()
	if len(h.buffer) == 0 {
		h.bufferMutex.Unlock()
		return nil
	}
	entries := h.buffer
	h.buffer = make([][]byte, 0, h.bufferSize)
	h.bufferMutex.Unlock()

	if err := h.write(entries); err != nil {
		h.bufferMutex.Lock()
		h.buffer = append(entries, h.buffer...)
		h.bufferMutex.Unlock()
		return err
	}
	return nil
}

func (h *Hook) write(entries [][]byte) error {
	h.fileMutex.Lock()
	defer h.fileMutex.Unlock()

	file, err := os.OpenFile(h.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	for _, e := range entries {
		w.Write(e)
		w.WriteString(Divider)
		w.WriteByte('\n')
	}
	return w.Flush()
}
