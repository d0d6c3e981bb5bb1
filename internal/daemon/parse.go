package daemon

import (
	"strings"
	"time"

	"github.com/Chichichkin/logshipper/internal/logging"
)

// CRILine is one line of a container runtime log file:
// "<RFC3339Nano> <stream> <P|F> <message>".
type CRILine struct {
	Time    time.Time
	Stream  string
	Partial bool
	Message string
}

// ParseCRI splits a container runtime log line. ok is false for lines in any
// other format; callers then ship the raw text.
func ParseCRI(line string) (CRILine, bool) {
	parts := strings.SplitN(line, " ", 4)
	if len(parts) < 3 {
		return CRILine{}, false
	}

	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return CRILine{}, false
	}
	if parts[1] != "stdout" && parts[1] != "stderr" {
		return CRILine{}, false
	}

	var partial bool
	switch parts[2] {
	case "P":
		partial = true
	case "F":
	default:
		return CRILine{}, false
	}

	msg := ""
	if len(parts) == 4 {
		msg = parts[3]
	}
	return CRILine{Time: ts, Stream: parts[1], Partial: partial, Message: msg}, true
}

var levelKeywords = map[string]logging.Level{
	"trace":    logging.Trace,
	"debug":    logging.Debug,
	"dbg":      logging.Debug,
	"info":     logging.Info,
	"warn":     logging.Warn,
	"warning":  logging.Warn,
	"error":    logging.Error,
	"err":      logging.Error,
	"fatal":    logging.Fatal,
	"panic":    logging.Fatal,
	"critical": logging.Fatal,
	"crit":     logging.Fatal,
}

const levelScanWords = 6

// DetectLevel guesses the severity of an application log line from the first
// few words ("ERROR ...", "[WARN] ...", "level=debug ...", "{"level":"info"...").
// Lines without a marker are Info, or Warn when written to stderr.
func DetectLevel(stream, msg string) logging.Level {
	words := strings.FieldsFunc(msg, func(r rune) bool {
		switch r {
		case ' ', '\t', '[', ']', '(', ')', '{', '}', '"', ',', ':', '=', '|':
			return true
		}
		return false
	})
	if len(words) > levelScanWords*2 {
		words = words[:levelScanWords*2]
	}

	for i, w := range words {
		lw := strings.ToLower(w)
		if lw == "level" || lw == "lvl" || lw == "severity" {
			if i+1 < len(words) {
				if lvl, ok := levelKeywords[strings.ToLower(words[i+1])]; ok {
					return lvl
				}
			}
			continue
		}
		if i >= levelScanWords {
			continue
		}
		// bare markers only count in upper case; "error" in prose is not a level
		if w == strings.ToUpper(w) {
			if lvl, ok := levelKeywords[lw]; ok {
				return lvl
			}
		}
	}

	if stream == "stderr" {
		return logging.Warn
	}
	return logging.Info
}
