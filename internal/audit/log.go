// Package audit provides crash-safe durable logging of error events.
//
// Entries are appended to a single JSON-lines file, one event per line.
// Each append opens the file, writes the marshaled line, and fsyncs before
// closing, so a crash mid-write never corrupts previously-written entries
// (only the in-flight line can be lost). The engine calls Append whenever
// it emits an events.ErrorEvent, giving operators a durable record that
// survives restarts and outlives the in-memory event bus.
package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"scalpengine/internal/events"
)

const logFileName = "errors.jsonl"

// Log appends error events to a durable JSON-lines file in a designated
// directory. All operations are mutex-protected to prevent concurrent
// writers from interleaving partial lines.
type Log struct {
	path string
	mu   sync.Mutex
}

// Open creates a Log backed by the given directory, creating it if needed.
func Open(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	return &Log{path: filepath.Join(dir, logFileName)}, nil
}

// Append durably writes one error event to the log.
func (l *Log) Append(evt events.ErrorEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal error event: %w", err)
	}
	data = append(data, '\n')

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write audit log: %w", err)
	}
	return f.Sync()
}

// ReadAll loads every error event recorded so far, in append order.
// Intended for diagnostics and tests, not the hot path.
func (l *Log) ReadAll() ([]events.ErrorEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read audit log: %w", err)
	}

	var out []events.ErrorEvent
	dec := json.NewDecoder(bytes.NewReader(data))
	for {
		var evt events.ErrorEvent
		if err := dec.Decode(&evt); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("decode audit log: %w", err)
		}
		out = append(out, evt)
	}
	return out, nil
}

// LogErrorFunc matches the signature the engine uses to record an error
// event both on the event bus and durably.
type LogErrorFunc func(evt events.ErrorEvent)

// NewAppendFunc wraps Append in the LogErrorFunc shape, logging failures
// rather than propagating them (durability is best-effort; the event bus
// remains the source of truth for live consumers).
func (l *Log) NewAppendFunc(onErr func(error)) LogErrorFunc {
	return func(evt events.ErrorEvent) {
		if err := l.Append(evt); err != nil && onErr != nil {
			onErr(err)
		}
	}
}
