package format

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/valyala/fastjson"

	"github.com/Chichichkin/logshipper/internal/logging"
)

const defaultNewlineMarker = " <br> "

// FieldSource supplies extra fields for a record, e.g. app version or user id.
type FieldSource func(record logging.LogRecord) map[string]string

type JSONOption func(*JSON)

// WithNewlineMarker sets the text that replaces newlines in message and tag.
// Bulk endpoints split events on '\n', so raw newlines would break an event
// in two.
func WithNewlineMarker(marker string) JSONOption {
	return func(j *JSON) { j.newline = marker }
}

func WithFieldSource(src FieldSource) JSONOption {
	return func(j *JSON) { j.fields = src }
}

// WithTimeLayout overrides the timestamp layout. Default: TimeLayout.
func WithTimeLayout(layout string) JSONOption {
	return func(j *JSON) { j.layout = layout }
}

// JSON renders each record as a flat JSON object on one line with the keys
// timestamp, log_level, message and log_tag followed by the record fields.
type JSON struct {
	newline string
	fields  FieldSource
	layout  string
	arenas  fastjson.ArenaPool
}

func NewJSON(opts ...JSONOption) *JSON {
	j := &JSON{
		newline: defaultNewlineMarker,
		layout:  TimeLayout,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

func (j *JSON) Format(record logging.LogRecord) (string, error) {
	a := j.arenas.Get()
	defer j.arenas.Put(a)

	obj := a.NewObject()

	// Source fields go first so the reserved keys below always win.
	if j.fields != nil {
		extra := j.fields(record)
		for _, k := range sortedStringKeys(extra) {
			obj.Set(k, a.NewString(extra[k]))
		}
	}
	for _, k := range sortedKeys(record.Fields) {
		obj.Set(k, j.value(a, record.Fields[k]))
	}

	obj.Set("timestamp", a.NewString(record.Timestamp.Format(j.layout)))
	obj.Set("log_level", a.NewString(record.Level.String()))
	obj.Set("message", a.NewString(j.replaceNewlines(record.Message)))
	if record.Tag != "" {
		obj.Set("log_tag", a.NewString(j.replaceNewlines(record.Tag)))
	}

	return string(obj.MarshalTo(nil)), nil
}

func (j *JSON) value(a *fastjson.Arena, v any) *fastjson.Value {
	switch val := v.(type) {
	case nil:
		return a.NewNull()
	case string:
		return a.NewString(j.replaceNewlines(val))
	case bool:
		if val {
			return a.NewTrue()
		}
		return a.NewFalse()
	case int:
		return a.NewNumberInt(val)
	case int32:
		return a.NewNumberInt(int(val))
	case int64:
		return a.NewNumberString(fmt.Sprintf("%d", val))
	case uint64:
		return a.NewNumberString(fmt.Sprintf("%d", val))
	case float32:
		return a.NewNumberFloat64(float64(val))
	case float64:
		return a.NewNumberFloat64(val)
	case time.Time:
		return a.NewString(val.Format(j.layout))
	case time.Duration:
		return a.NewString(val.String())
	case error:
		return a.NewString(j.replaceNewlines(val.Error()))
	case fmt.Stringer:
		return a.NewString(j.replaceNewlines(val.String()))
	default:
		return a.NewString(j.replaceNewlines(fmt.Sprint(val)))
	}
}

func (j *JSON) replaceNewlines(s string) string {
	if !strings.ContainsAny(s, "\r\n") {
		return s
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\n", j.newline)
}

func sortedStringKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
