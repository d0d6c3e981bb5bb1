package file

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/Chichichkin/logshipper/internal/logging"
)

const defaultMaxBackups = 9

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

type Option func(*Sender)

// WithMaxSize sets the file size in bytes at which rotation triggers.
// 0 disables rotation.
func WithMaxSize(bytes int64) Option {
	return func(s *Sender) { s.maxSize = bytes }
}

// WithMaxBackups bounds the number of rotated files kept next to the live one.
func WithMaxBackups(n int) Option {
	return func(s *Sender) { s.maxBackups = n }
}

// WithCompression writes every batch as its own zstd frame.
func WithCompression(enabled bool) Option {
	return func(s *Sender) { s.compress = enabled }
}

// WithSync fsyncs the file after every batch.
func WithSync(enabled bool) Option {
	return func(s *Sender) { s.sync = enabled }
}

// Sender appends batches to a local file, one line per record.
type Sender struct {
	mu         sync.Mutex
	f          *os.File
	enc        *zstd.Encoder
	path       string
	maxSize    int64
	maxBackups int
	written    int64
	compress   bool
	sync       bool
}

func NewSender(path string, opts ...Option) (*Sender, error) {
	s := &Sender{
		path:       path,
		maxBackups: defaultMaxBackups,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.compress {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("file transport: zstd encoder: %w", err)
		}
		s.enc = enc
	}
	if err := s.openFile(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Sender) Send(ctx context.Context, batch logging.Batch) error {
	if err := ctx.Err(); err != nil {
		return logging.ClassifyError(err)
	}
	if batch.Len() == 0 {
		return nil
	}

	var buf bytes.Buffer
	for _, e := range batch.Entries {
		buf.WriteString(e.Line)
		buf.WriteByte('\n')
	}
	data := buf.Bytes()
	if s.compress {
		data = s.enc.EncodeAll(data, nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f == nil {
		return logging.Rejected("file transport closed")
	}
	if s.maxSize > 0 && s.written > 0 && s.written+int64(len(data)) > s.maxSize {
		if err := s.rotate(); err != nil {
			return logging.NetworkUnavailable(fmt.Errorf("rotate %s: %w", s.path, err))
		}
	}

	n, err := s.f.Write(data)
	s.written += int64(n)
	if err != nil {
		return logging.NetworkUnavailable(fmt.Errorf("write %s: %w", s.path, err))
	}
	if s.sync {
		if err := s.f.Sync(); err != nil {
			return logging.NetworkUnavailable(fmt.Errorf("sync %s: %w", s.path, err))
		}
	}
	return nil
}

func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	if s.enc != nil {
		_ = s.enc.Close()
	}
	return err
}

func (s *Sender) openFile() error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("file transport: open %s: %w", s.path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("file transport: stat %s: %w", s.path, err)
	}
	s.f = f
	s.written = info.Size()
	return nil
}

// rotate shifts path.N-1 to path.N down to path to path.1 and reopens path.
func (s *Sender) rotate() error {
	if err := s.f.Close(); err != nil {
		return err
	}
	s.f = nil

	if s.maxBackups > 0 {
		for i := s.maxBackups - 1; i >= 1; i-- {
			_ = os.Rename(fmt.Sprintf("%s.%d", s.path, i), fmt.Sprintf("%s.%d", s.path, i+1))
		}
		if err := os.Rename(s.path, s.path+".1"); err != nil {
			return err
		}
	} else if err := os.Remove(s.path); err != nil {
		return err
	}

	return s.openFile()
}

// ReadAll returns every line stored in a file written by Sender, plain or
// zstd compressed.
func ReadAll(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var r io.Reader = br
	if head, _ := br.Peek(len(zstdMagic)); bytes.Equal(head, zstdMagic) {
		dec, err := zstd.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		defer dec.Close()
		r = dec
	}

	var lines []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if line := strings.TrimRight(scanner.Text(), "\r"); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return lines, fmt.Errorf("read %s: %w", path, err)
	}
	return lines, nil
}
