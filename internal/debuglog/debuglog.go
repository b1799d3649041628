package debuglog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultMaxSize is the size at which the log is rotated
const DefaultMaxSize = 8 * 1024 * 1024

// EntryType identifies a conversation log record
type EntryType string

const (
	EntryUserText   EntryType = "user_text"
	EntryReply      EntryType = "reply"
	EntryTranscript EntryType = "transcript"
	EntrySession    EntryType = "session"
	EntryChannel    EntryType = "channel"
	EntryError      EntryType = "error"
)

// Entry is one JSON line in the conversation log
type Entry struct {
	Timestamp string    `json:"timestamp"`
	Type      EntryType `json:"type"`
	Seq       int       `json:"seq"`
	Text      string    `json:"text,omitempty"`
	Voice     bool      `json:"voice,omitempty"`
	Queued    bool      `json:"queued,omitempty"`
	State     string    `json:"state,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	Sink      string    `json:"sink,omitempty"`
	Duration  float64   `json:"duration_seconds,omitempty"`
}

// Logger appends conversation records to a JSONL file and rotates it to
// <path>.1 once it exceeds the size limit. A Logger created with an empty
// path discards everything.
type Logger struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	maxSize  int64
	seq      int
	disabled bool
	now      func() time.Time
}

// New opens (or creates) the log at path. maxSize <= 0 uses DefaultMaxSize.
func New(path string, maxSize int64) (*Logger, error) {
	if path == "" {
		return &Logger{disabled: true}, nil
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}

	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[1:])
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	l := &Logger{
		file:    file,
		path:    path,
		maxSize: maxSize,
		now:     time.Now,
	}

	// A previous run may have left the file over the limit
	if err := l.checkRotation(); err != nil {
		file.Close()
		return nil, err
	}
	return l, nil
}

// Path returns the expanded log path ("" when disabled)
func (l *Logger) Path() string {
	return l.path
}

// RotatedPath returns where the previous log is kept
func (l *Logger) RotatedPath() string {
	if l.path == "" {
		return ""
	}
	return l.path + ".1"
}

// LogUserText records a typed user turn and whether it was queued
func (l *Logger) LogUserText(text string, queued bool) error {
	return l.write(Entry{Type: EntryUserText, Text: text, Queued: queued})
}

// LogReply records an assistant reply
func (l *Logger) LogReply(text string) error {
	return l.write(Entry{Type: EntryReply, Text: text})
}

// LogTranscript records a final transcript
func (l *Logger) LogTranscript(text string) error {
	return l.write(Entry{Type: EntryTranscript, Text: text, Voice: true})
}

// LogSession records a finished recording
func (l *Logger) LogSession(sink string, duration time.Duration) error {
	return l.write(Entry{Type: EntrySession, Sink: sink, Duration: duration.Seconds()})
}

// LogChannel records a channel state transition
func (l *Logger) LogChannel(state string, attempt int) error {
	return l.write(Entry{Type: EntryChannel, State: state, Attempt: attempt})
}

// LogError records an error surfaced by the service
func (l *Logger) LogError(message string) error {
	return l.write(Entry{Type: EntryError, Text: message})
}

func (l *Logger) write(e Entry) error {
	if l.disabled {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	e.Seq = l.seq
	e.Timestamp = l.now().UTC().Format(time.RFC3339Nano)

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal log entry: %w", err)
	}
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write log entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync log file: %w", err)
	}

	return l.checkRotation()
}

func (l *Logger) checkRotation() error {
	info, err := l.file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	if info.Size() < l.maxSize {
		return nil
	}

	if err := l.file.Close(); err != nil {
		return fmt.Errorf("failed to close log file: %w", err)
	}

	rotated := l.RotatedPath()
	os.Remove(rotated) // Ignore error if file doesn't exist
	if err := os.Rename(l.path, rotated); err != nil {
		return fmt.Errorf("failed to rotate log file: %w", err)
	}

	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open new log file: %w", err)
	}
	l.file = file
	return nil
}

// Close closes the log file
func (l *Logger) Close() error {
	if l.disabled {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
