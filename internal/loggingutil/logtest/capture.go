// Package logtest provides a pslog.Logger that records entries for
// assertions in tests.
package logtest

import (
	"fmt"
	"sync"

	"pkt.systems/pslog"
)

// Entry is one recorded log call.
type Entry struct {
	Level  string
	Msg    string
	Fields []any
}

// Field returns the value logged for key.
func (e Entry) Field(key string) (any, bool) {
	for i := 0; i+1 < len(e.Fields); i += 2 {
		if fmt.Sprint(e.Fields[i]) == key {
			return e.Fields[i+1], true
		}
	}
	return nil, false
}

type sink struct {
	mu      sync.Mutex
	entries []Entry
}

// Capture records every entry written through it and its With children.
type Capture struct {
	fields []any
	sink   *sink
}

// New returns an empty capture logger.
func New() *Capture {
	return &Capture{sink: &sink{}}
}

// Find returns the first entry with msg.
func (l *Capture) Find(msg string) (Entry, bool) {
	for _, entry := range l.Entries() {
		if entry.Msg == msg {
			return entry, true
		}
	}
	return Entry{}, false
}

// Count returns the number of entries with msg.
func (l *Capture) Count(msg string) int {
	n := 0
	for _, entry := range l.Entries() {
		if entry.Msg == msg {
			n++
		}
	}
	return n
}

// Entries returns a copy of everything recorded so far.
func (l *Capture) Entries() []Entry {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	out := make([]Entry, len(l.sink.entries))
	copy(out, l.sink.entries)
	return out
}

func (l *Capture) record(level, msg string, args ...any) {
	fields := append([]any{}, l.fields...)
	fields = append(fields, args...)
	l.sink.mu.Lock()
	l.sink.entries = append(l.sink.entries, Entry{Level: level, Msg: msg, Fields: fields})
	l.sink.mu.Unlock()
}

func (l *Capture) Trace(msg string, args ...any) { l.record("trace", msg, args...) }
func (l *Capture) Debug(msg string, args ...any) { l.record("debug", msg, args...) }
func (l *Capture) Info(msg string, args ...any)  { l.record("info", msg, args...) }
func (l *Capture) Warn(msg string, args ...any)  { l.record("warn", msg, args...) }
func (l *Capture) Error(msg string, args ...any) { l.record("error", msg, args...) }
func (l *Capture) Fatal(msg string, args ...any) { l.record("fatal", msg, args...) }
func (l *Capture) Panic(msg string, args ...any) { l.record("panic", msg, args...) }
func (l *Capture) Log(level pslog.Level, msg string, args ...any) {
	l.record(pslog.LevelString(level), msg, args...)
}
func (l *Capture) With(args ...any) pslog.Logger {
	combined := append([]any{}, l.fields...)
	combined = append(combined, args...)
	return &Capture{fields: combined, sink: l.sink}
}
func (l *Capture) WithLogLevel() pslog.Logger          { return l }
func (l *Capture) LogLevel(pslog.Level) pslog.Logger   { return l }
func (l *Capture) LogLevelFromEnv(string) pslog.Logger { return l }
