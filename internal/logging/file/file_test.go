package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chichichkin/logshipper/internal/logging"
)

func batchOf(seq uint64, lines ...string) logging.Batch {
	b := logging.Batch{Sequence: seq, CreatedAt: time.Now()}
	for _, l := range lines {
		b.Entries = append(b.Entries, logging.Entry{Time: b.CreatedAt, Line: l})
	}
	return b
}

func TestSender_AppendsPlainLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	s, err := NewSender(path)
	require.NoError(t, err)

	require.NoError(t, s.Send(context.Background(), batchOf(1, "a", "b")))
	require.NoError(t, s.Send(context.Background(), batchOf(2, "c")))
	require.NoError(t, s.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "a\nb\nc\n", string(data))

	lines, err := ReadAll(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, lines)
}

func TestSender_ZstdFramesReadBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log.zst")
	s, err := NewSender(path, WithCompression(true), WithSync(true))
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		require.NoError(t, s.Send(context.Background(), batchOf(uint64(i), fmt.Sprintf("line-%d", i))))
	}
	require.NoError(t, s.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, zstdMagic, raw[:4])

	lines, err := ReadAll(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"line-1", "line-2", "line-3"}, lines)
}

func TestSender_Rotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	s, err := NewSender(path, WithMaxSize(10), WithMaxBackups(2))
	require.NoError(t, err)
	defer s.Close()

	for _, l := range []string{"first-1", "second-2", "third-3", "fourth-4"} {
		require.NoError(t, s.Send(context.Background(), batchOf(1, l)))
	}

	current, err := ReadAll(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"fourth-4"}, current)

	backup1, err := ReadAll(path + ".1")
	require.NoError(t, err)
	assert.Equal(t, []string{"third-3"}, backup1)

	backup2, err := ReadAll(path + ".2")
	require.NoError(t, err)
	assert.Equal(t, []string{"second-2"}, backup2)

	_, err = os.Stat(path + ".3")
	assert.True(t, os.IsNotExist(err))
}

func TestSender_AfterClose(t *testing.T) {
	s, err := NewSender(filepath.Join(t.TempDir(), "app.log"))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	err = s.Send(context.Background(), batchOf(1, "late"))
	var te *logging.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, logging.KindRejected, te.Kind)
}

func TestNewSender_BadPath(t *testing.T) {
	_, err := NewSender(filepath.Join(t.TempDir(), "missing", "dir", "app.log"))
	assert.Error(t, err)
}
