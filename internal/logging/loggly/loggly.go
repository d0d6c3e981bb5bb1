package loggly

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/Chichichkin/logshipper/internal/logging"
)

const (
	DefaultBaseURL = "https://logs-01.loggly.com"
	DefaultTag     = "logshipper"

	// MaxBatchBytes is the bulk endpoint's payload limit per request.
	MaxBatchBytes = 5_000_000
)

// Sender posts batches to the Loggly bulk endpoint, one event per line.
type Sender struct {
	endpoint   string
	httpClient *http.Client
}

type Option func(*options)

type options struct {
	baseURL    string
	tags       []string
	httpClient *http.Client
}

func WithBaseURL(u string) Option {
	return func(o *options) { o.baseURL = strings.TrimRight(u, "/") }
}

func WithTags(tags ...string) Option {
	return func(o *options) { o.tags = append(o.tags, tags...) }
}

func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

func NewSender(token string, opts ...Option) (*Sender, error) {
	if token == "" {
		return nil, fmt.Errorf("loggly: customer token is required")
	}
	o := options{baseURL: DefaultBaseURL, httpClient: &http.Client{}}
	for _, opt := range opts {
		opt(&o)
	}

	var tags []string
	for _, t := range o.tags {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, url.PathEscape(t))
		}
	}
	if len(tags) == 0 {
		tags = []string{DefaultTag}
	}

	return &Sender{
		endpoint:   fmt.Sprintf("%s/bulk/%s/tag/%s/", o.baseURL, url.PathEscape(token), strings.Join(tags, ",")),
		httpClient: o.httpClient,
	}, nil
}

func (s *Sender) Endpoint() string {
	return s.endpoint
}

// Send posts the batch as newline-delimited events. Batches bigger than the
// bulk limit go out as several posts; a failure after the first post makes
// the pipeline resend the whole batch, so events may arrive twice.
func (s *Sender) Send(ctx context.Context, batch logging.Batch) error {
	if batch.Len() == 0 {
		return nil
	}

	bodies, err := bulkBodies(batch.Lines(), MaxBatchBytes)
	if err != nil {
		return logging.Rejected(fmt.Sprintf("batch %d: %v", batch.Sequence, err))
	}
	for _, body := range bodies {
		if err := s.post(ctx, body); err != nil {
			return err
		}
	}
	return nil
}

// bulkBodies joins lines into request bodies of at most limit bytes,
// newline separators included.
func bulkBodies(lines []string, limit int) ([]string, error) {
	var (
		bodies []string
		sb     strings.Builder
	)
	for _, line := range lines {
		if len(line) > limit {
			return nil, fmt.Errorf("event of %d bytes is over the %d byte bulk limit", len(line), limit)
		}
		if sb.Len() > 0 && sb.Len()+1+len(line) > limit {
			bodies = append(bodies, sb.String())
			sb.Reset()
		}
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(line)
	}
	if sb.Len() > 0 {
		bodies = append(bodies, sb.String())
	}
	return bodies, nil
}

func (s *Sender) post(ctx context.Context, body string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, strings.NewReader(body))
	if err != nil {
		return logging.Rejected(fmt.Sprintf("create request: %v", err))
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return logging.ClassifyError(fmt.Errorf("post to loggly: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return logging.ClassifyHTTPStatus(resp.StatusCode, string(msg))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
