package daemon

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/Chichichkin/logshipper/internal/logging"
)

// maxPartialBytes bounds the reassembly of runtime-split lines.
const maxPartialBytes = 256 * 1024

// fileSource turns raw lines of one log file into records, joining CRI
// partial lines into a single message.
type fileSource struct {
	tag     string
	labels  map[string]string
	partial strings.Builder
}

func newFileSource(path string, labels map[string]string) *fileSource {
	tag := filepath.Base(path)
	if labels["namespace"] != "" && labels["pod"] != "" {
		tag = labels["namespace"] + "/" + labels["pod"]
		if c := labels["container"]; c != "" {
			tag += "/" + c
		}
	}
	return &fileSource{tag: tag, labels: labels}
}

// Next consumes one raw line. ready is false while a partial line is being
// reassembled.
func (fs *fileSource) Next(text string, readAt time.Time) (logging.LogRecord, bool) {
	text = strings.TrimRight(text, "\r")
	cri, ok := ParseCRI(text)
	if !ok {
		if readAt.IsZero() {
			readAt = time.Now()
		}
		return fs.record(readAt, "", text), true
	}

	if cri.Partial && fs.partial.Len()+len(cri.Message) < maxPartialBytes {
		fs.partial.WriteString(cri.Message)
		return logging.LogRecord{}, false
	}

	msg := cri.Message
	if fs.partial.Len() > 0 {
		fs.partial.WriteString(cri.Message)
		msg = fs.partial.String()
		fs.partial.Reset()
	}
	return fs.record(cri.Time, cri.Stream, msg), true
}

func (fs *fileSource) record(ts time.Time, stream, msg string) logging.LogRecord {
	fields := make(map[string]any, len(fs.labels)+1)
	for k, v := range fs.labels {
		if v != "" {
			fields[k] = v
		}
	}
	if stream != "" {
		fields["stream"] = stream
	}
	return logging.NewRecordAt(ts, DetectLevel(stream, msg), fs.tag, msg, fields)
}
