package daemon

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chichichkin/logshipper/internal/logging"
)

func TestParseCRI(t *testing.T) {
	line, ok := ParseCRI("2024-05-01T10:00:00.5Z stdout F hello world")
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 500_000_000, time.UTC), line.Time)
	assert.Equal(t, "stdout", line.Stream)
	assert.False(t, line.Partial)
	assert.Equal(t, "hello world", line.Message)

	line, ok = ParseCRI("2024-05-01T10:00:00Z stderr P ")
	require.True(t, ok)
	assert.True(t, line.Partial)
	assert.Equal(t, "", line.Message)

	line, ok = ParseCRI("2024-05-01T10:00:00Z stdout F")
	require.True(t, ok)
	assert.Equal(t, "", line.Message)

	for _, raw := range []string{
		"",
		"hello world",
		"not-a-time stdout F msg",
		"2024-05-01T10:00:00Z console F msg",
		"2024-05-01T10:00:00Z stdout X msg",
	} {
		_, ok := ParseCRI(raw)
		assert.False(t, ok, raw)
	}
}

func TestDetectLevel(t *testing.T) {
	tests := []struct {
		stream string
		msg    string
		want   logging.Level
	}{
		{"stdout", "server started", logging.Info},
		{"stderr", "server started", logging.Warn},
		{"stdout", "ERROR could not connect", logging.Error},
		{"stdout", "[WARN] disk almost full", logging.Warn},
		{"stdout", "2024/05/01 10:00:00 DEBUG cache miss", logging.Debug},
		{"stdout", "level=error msg=\"boom\"", logging.Error},
		{"stdout", `{"level":"debug","msg":"tick"}`, logging.Debug},
		{"stdout", `{"severity":"CRITICAL","message":"down"}`, logging.Fatal},
		{"stderr", "INFO all good", logging.Info},
		{"stdout", "no error happened here", logging.Info},
		{"stdout", "PANIC: runtime error", logging.Fatal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DetectLevel(tt.stream, tt.msg), tt.msg)
	}
}

func TestFileSource_TagAndPartials(t *testing.T) {
	fs := newFileSource("/logs/ns_pod_uid/web/0.log", map[string]string{
		"namespace": "ns", "pod": "pod", "container": "web", "node": "",
	})

	_, ready := fs.Next("2024-05-01T10:00:00Z stdout P abc", time.Time{})
	assert.False(t, ready)
	_, ready = fs.Next("2024-05-01T10:00:00Z stdout P def", time.Time{})
	assert.False(t, ready)
	r, ready := fs.Next("2024-05-01T10:00:01Z stdout F ghi\r", time.Time{})
	require.True(t, ready)

	assert.Equal(t, "abcdefghi", r.Message)
	assert.Equal(t, "ns/pod/web", r.Tag)
	_, hasNode := r.Fields["node"]
	assert.False(t, hasNode, "empty labels are not shipped")

	readAt := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r, ready = fs.Next("raw", readAt)
	require.True(t, ready)
	assert.Equal(t, readAt, r.Timestamp)

	plain := newFileSource("/tmp/app.log", map[string]string{"file": "app.log"})
	r, _ = plain.Next("hello", time.Time{})
	assert.Equal(t, "app.log", r.Tag)
	assert.False(t, r.Timestamp.IsZero())
}
