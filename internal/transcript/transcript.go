// Package transcript appends conversation events to per-owner NDJSON files.
package transcript

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Directions.
const (
	Inbound  = "inbound"
	Outbound = "outbound"
)

// Event is one transcript line.
type Event struct {
	Timestamp  time.Time         `json:"timestamp"`
	OwnerID    string            `json:"owner_id"`
	RequestID  string            `json:"request_id,omitempty"`
	Channel    string            `json:"channel"`
	Direction  string            `json:"direction"`
	EventType  string            `json:"event_type"`
	ContentRaw string            `json:"content_raw,omitempty"`
	Content    string            `json:"content,omitempty"`
	Meta       map[string]string `json:"meta,omitempty"`
}

// Config controls the transcript writer.
type Config struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Logger records transcript events without blocking the caller.
type Logger interface {
	Log(ev Event)
	Close() error
}

// Nop discards every event.
type Nop struct{}

// Log does nothing.
func (Nop) Log(Event) {}

// Close does nothing.
func (Nop) Close() error { return nil }

type fileLogger struct {
	dir    string
	queue  chan Event
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewLogger starts an asynchronous writer. A disabled config yields Nop.
func NewLogger(cfg Config, logger *slog.Logger) (Logger, error) {
	if !cfg.Enabled {
		return Nop{}, nil
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("transcript dir is empty")
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create transcript dir: %w", err)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}

	l := &fileLogger{
		dir:    cfg.Dir,
		queue:  make(chan Event, cfg.QueueSize),
		logger: logger,
		done:   make(chan struct{}),
	}
	go l.run()
	return l, nil
}

// Log enqueues ev. When the queue is full the event is dropped.
func (l *fileLogger) Log(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.Content == "" && ev.ContentRaw != "" {
		ev.Content = cleanForReadability(ev.ContentRaw)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- ev:
	default:
		l.logger.Warn("Transcript queue full, dropping event",
			"owner_id", ev.OwnerID, "event_type", ev.EventType)
	}
}

// Close drains the queue and stops the writer.
func (l *fileLogger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()

	<-l.done
	return nil
}

func (l *fileLogger) run() {
	defer close(l.done)
	for ev := range l.queue {
		if err := l.write(ev); err != nil {
			l.logger.Warn("Failed to write transcript event", "owner_id", ev.OwnerID, "error", err)
		}
	}
}

func (l *fileLogger) write(ev Event) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	path := filepath.Join(l.dir, fileName(ev.OwnerID))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return fmt.Errorf("append %s: %w", path, err)
	}
	return f.Close()
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._@-]`)

func fileName(ownerID string) string {
	name := unsafeName.ReplaceAllString(ownerID, "_")
	name = strings.Trim(name, ".")
	if name == "" {
		name = "unknown"
	}
	return name + ".ndjson"
}

var (
	ansiPattern  = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)
	spacePattern = regexp.MustCompile(`[ \t]+`)
)

// cleanForReadability strips terminal escapes and collapses runs of blanks.
func cleanForReadability(s string) string {
	s = ansiPattern.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(spacePattern.ReplaceAllString(line, " "))
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
