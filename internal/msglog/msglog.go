// Package msglog persists inbound messages on a best-effort basis. Appends
// are queued and written by a background worker so the reply path never
// waits on storage, and storage failures never reach it.
package msglog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/replybot/internal/domain"
)

const writeTimeout = 5 * time.Second

// Config controls where inbound messages are written.
type Config struct {
	// Enabled turns on per-recipient NDJSON files under Dir.
	Enabled   bool
	Dir       string
	QueueSize int
}

// Writer is the database side of the sink.
type Writer interface {
	AppendMessage(ctx context.Context, msg *domain.LoggedMessage) error
}

// Record is one NDJSON line.
type Record struct {
	ID         string `json:"id"`
	Number     string `json:"number"`
	Message    string `json:"message"`
	MessageRaw string `json:"message_raw,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// Stats are cumulative sink counters.
type Stats struct {
	Written int64 `json:"written"`
	Failed  int64 `json:"failed"`
	Dropped int64 `json:"dropped"`
}

// Sink queues inbound messages for the background writer.
type Sink struct {
	cfg    Config
	db     Writer
	logger *slog.Logger

	queue  chan domain.LoggedMessage
	done   chan struct{}
	mu     sync.RWMutex
	closed bool
	fileMu sync.Mutex

	written atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64
}

// New starts a sink. db may be nil when only files are wanted.
func New(cfg Config, db Writer, logger *slog.Logger) (*Sink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.Enabled {
		if strings.TrimSpace(cfg.Dir) == "" {
			return nil, fmt.Errorf("conversation log dir cannot be empty")
		}
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("create conversation log dir: %w", err)
		}
	}

	s := &Sink{
		cfg:    cfg,
		db:     db,
		logger: logger,
		queue:  make(chan domain.LoggedMessage, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	go s.run()
	return s, nil
}

// Append queues a message. It never blocks: a full queue drops the message.
func (s *Sink) Append(recipient domain.Recipient, text string, ts time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return
	}

	msg := domain.LoggedMessage{
		ID:        uuid.NewString(),
		Number:    recipient,
		Message:   text,
		Timestamp: ts,
	}
	select {
	case s.queue <- msg:
	default:
		s.dropped.Add(1)
		s.logger.Warn("Conversation log queue full, dropping message",
			"recipient", recipient,
			"queue_capacity", cap(s.queue))
	}
}

// Stats returns a snapshot of the sink counters.
func (s *Sink) Stats() Stats {
	return Stats{
		Written: s.written.Load(),
		Failed:  s.failed.Load(),
		Dropped: s.dropped.Load(),
	}
}

// Close stops accepting messages and waits for queued ones to be written,
// up to ctx's deadline.
func (s *Sink) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain conversation log: %w", ctx.Err())
	}
}

func (s *Sink) run() {
	defer close(s.done)
	for msg := range s.queue {
		s.write(msg)
	}
}

func (s *Sink) write(msg domain.LoggedMessage) {
	ok := true
	if s.db != nil {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := s.db.AppendMessage(ctx, &msg)
		cancel()
		if err != nil {
			ok = false
			s.logger.Warn("Failed to save message", "recipient", msg.Number, "error", err)
		}
	}
	if s.cfg.Enabled {
		if err := s.appendFile(msg); err != nil {
			ok = false
			s.logger.Warn("Failed to write conversation log", "recipient", msg.Number, "error", err)
		}
	}
	if ok {
		s.written.Add(1)
	} else {
		s.failed.Add(1)
	}
}

func (s *Sink) appendFile(msg domain.LoggedMessage) error {
	rec := Record{
		ID:        msg.ID,
		Number:    string(msg.Number),
		Message:   cleanForReadability(msg.Message),
		Timestamp: msg.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if rec.Message != msg.Message {
		rec.MessageRaw = msg.Message
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	s.fileMu.Lock()
	defer s.fileMu.Unlock()

	path := filepath.Join(s.cfg.Dir, fileName(msg.Number))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

var (
	ansiPattern     = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)
	unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._@+-]`)
)

// cleanForReadability strips ANSI sequences and control characters other
// than newlines and tabs.
func cleanForReadability(s string) string {
	s = ansiPattern.ReplaceAllString(s, "")
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
}

func fileName(recipient domain.Recipient) string {
	name := unsafeFileChars.ReplaceAllString(string(recipient), "_")
	if name == "" || strings.Trim(name, ".") == "" {
		name = "unknown"
	}
	return name + ".ndjson"
}
