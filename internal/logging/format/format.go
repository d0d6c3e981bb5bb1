package format

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Chichichkin/logshipper/internal/logging"
)

// TimeLayout is ISO-8601 with millisecond precision.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// Line renders a record on a single line:
//
//	2024-05-01T10:00:00.000Z INFO [tag] message key=value
type Line struct{}

func NewLine() Line {
	return Line{}
}

func (Line) Format(record logging.LogRecord) (string, error) {
	var sb strings.Builder
	sb.WriteString(record.Timestamp.UTC().Format(TimeLayout))
	sb.WriteByte(' ')
	sb.WriteString(strings.ToUpper(record.Level.String()))
	if record.Tag != "" {
		sb.WriteString(" [")
		sb.WriteString(escapeNewlines(record.Tag))
		sb.WriteByte(']')
	}
	sb.WriteByte(' ')
	sb.WriteString(escapeNewlines(record.Message))

	for _, key := range sortedKeys(record.Fields) {
		sb.WriteByte(' ')
		sb.WriteString(quoteIfNeeded(key))
		sb.WriteByte('=')
		sb.WriteString(quoteIfNeeded(valueString(record.Fields[key])))
	}
	return sb.String(), nil
}

// Safe formats record with f and never fails: errors and panics are turned
// into a Fallback line and returned alongside.
func Safe(f logging.Formatter, record logging.LogRecord) (line string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("formatter panicked: %v", r)
			line = Fallback(record, err)
		}
	}()

	line, err = f.Format(record)
	if err != nil {
		return Fallback(record, err), err
	}
	return line, nil
}

// Fallback is the best-effort rendering used when a formatter fails. It only
// touches the plain string parts of the record.
func Fallback(record logging.LogRecord, cause error) string {
	tag := record.Tag
	if tag == "" {
		tag = "-"
	}
	return fmt.Sprintf("%s %s [%s] %s (format error: %v)",
		record.Timestamp.UTC().Format(TimeLayout),
		strings.ToUpper(record.Level.String()),
		escapeNewlines(tag),
		escapeNewlines(record.Message),
		escapeNewlines(fmt.Sprint(cause)))
}

func sortedKeys(fields map[string]any) []string {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func valueString(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return val
	case error:
		return val.Error()
	case time.Time:
		return val.UTC().Format(TimeLayout)
	case time.Duration:
		return val.String()
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}

func quoteIfNeeded(s string) string {
	if s == "" || strings.ContainsAny(s, " =\"\n\r\t") {
		return strconv.Quote(s)
	}
	return s
}

func escapeNewlines(s string) string {
	if !strings.ContainsAny(s, "\r\n") {
		return s
	}
	return strings.NewReplacer("\r\n", `\n`, "\n", `\n`, "\r", `\r`).Replace(s)
}
