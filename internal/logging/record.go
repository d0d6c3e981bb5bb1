package logging

import (
	"strings"
	"time"
)

type Level int8

const (
	Trace Level = iota
	Debug
	Info
	Warn
	Error
	Fatal
)

func (l Level) String() string {
	switch l {
	case Trace:
		return "trace"
	case Debug:
		return "debug"
	case Info:
		return "info"
	case Warn:
		return "warn"
	case Error:
		return "error"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ParseLevel converts a level name to a Level. Unknown names map to Info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace", "verbose":
		return Trace
	case "debug":
		return Debug
	case "warn", "warning":
		return Warn
	case "error", "err":
		return Error
	case "fatal", "critical", "panic":
		return Fatal
	default:
		return Info
	}
}

// LogRecord is a single log event. Records are values and are never modified
// after creation.
type LogRecord struct {
	Timestamp time.Time
	Level     Level
	Tag       string
	Message   string
	Fields    map[string]any
}

// NewRecord stamps a record with the current time. The fields map is copied.
func NewRecord(level Level, tag, message string, fields map[string]any) LogRecord {
	return NewRecordAt(time.Now(), level, tag, message, fields)
}

// NewRecordAt is NewRecord for sources that carry their own timestamp.
func NewRecordAt(ts time.Time, level Level, tag, message string, fields map[string]any) LogRecord {
	var copied map[string]any
	if len(fields) > 0 {
		copied = make(map[string]any, len(fields))
		for k, v := range fields {
			copied[k] = v
		}
	}
	return LogRecord{
		Timestamp: ts,
		Level:     level,
		Tag:       tag,
		Message:   message,
		Fields:    copied,
	}
}

// Entry is one formatted record inside a batch.
type Entry struct {
	Time time.Time
	Line string
}

// Batch is an immutable group of formatted records handed to a Transport.
type Batch struct {
	Sequence  uint64
	CreatedAt time.Time
	Entries   []Entry
}

func (b Batch) Len() int {
	return len(b.Entries)
}

// Size returns the number of bytes of formatted text in the batch.
func (b Batch) Size() int {
	total := 0
	for _, e := range b.Entries {
		total += len(e.Line)
	}
	return total
}

func (b Batch) Lines() []string {
	lines := make([]string, len(b.Entries))
	for i, e := range b.Entries {
		lines[i] = e.Line
	}
	return lines
}
