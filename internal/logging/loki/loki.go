package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"github.com/Chichichkin/logshipper/internal/logging"
)

const pushPath = "/loki/api/v1/push"

type Sender struct {
	baseURL    string
	httpClient *http.Client
	labels     map[string]string
	tenant     string
	compress   bool
	instanceID string
}

type Stream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

type Payload struct {
	Streams []Stream `json:"streams"`
}

type Option func(*Sender)

// WithLabels adds static stream labels. They override the defaults.
func WithLabels(labels map[string]string) Option {
	return func(ls *Sender) {
		for k, v := range labels {
			ls.labels[k] = v
		}
	}
}

// WithTenant sets the X-Scope-OrgID header for multi-tenant Loki.
func WithTenant(tenant string) Option {
	return func(ls *Sender) { ls.tenant = tenant }
}

func WithGzip(enabled bool) Option {
	return func(ls *Sender) { ls.compress = enabled }
}

func WithHTTPClient(c *http.Client) Option {
	return func(ls *Sender) { ls.httpClient = c }
}

func WithInstanceID(id string) Option {
	return func(ls *Sender) { ls.instanceID = id }
}

// NewLokiSender builds a transport pushing every batch as a single stream.
// Timeouts come from the context passed to Send.
func NewLokiSender(baseURL string, opts ...Option) *Sender {
	ls := &Sender{
		baseURL:    baseURL,
		httpClient: &http.Client{},
		labels: map[string]string{
			"job": "node-logger",
		},
		instanceID: uuid.NewString(),
	}
	if node := os.Getenv("NODE_NAME"); node != "" {
		ls.labels["node"] = node
	}
	for _, opt := range opts {
		opt(ls)
	}
	ls.labels["instance"] = ls.instanceID
	return ls
}

func (ls *Sender) InstanceID() string {
	return ls.instanceID
}

func (ls *Sender) Send(ctx context.Context, batch logging.Batch) error {
	if batch.Len() == 0 {
		return nil
	}

	body, err := json.Marshal(ls.createPayload(batch))
	if err != nil {
		return logging.Rejected(fmt.Sprintf("marshal payload: %v", err))
	}
	if ls.compress {
		if body, err = gzipBody(body); err != nil {
			return logging.Rejected(fmt.Sprintf("compress payload: %v", err))
		}
	}
	return ls.sendRequest(ctx, body)
}

func (ls *Sender) createPayload(batch logging.Batch) Payload {
	stream := Stream{
		Stream: ls.labels,
		Values: make([][2]string, 0, batch.Len()),
	}
	for _, entry := range batch.Entries {
		ts := entry.Time
		if ts.IsZero() {
			ts = batch.CreatedAt
		}
		stream.Values = append(stream.Values, [2]string{strconv.FormatInt(ts.UnixNano(), 10), entry.Line})
	}
	return Payload{Streams: []Stream{stream}}
}

func gzipBody(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (ls *Sender) sendRequest(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ls.baseURL+pushPath, bytes.NewReader(body))
	if err != nil {
		return logging.Rejected(fmt.Sprintf("create request: %v", err))
	}

	req.Header.Set("Content-Type", "application/json")
	if ls.compress {
		req.Header.Set("Content-Encoding", "gzip")
	}
	if ls.tenant != "" {
		req.Header.Set("X-Scope-OrgID", ls.tenant)
	}

	resp, err := ls.httpClient.Do(req)
	if err != nil {
		return logging.ClassifyError(fmt.Errorf("push to loki: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		responseBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return logging.ClassifyHTTPStatus(resp.StatusCode, string(responseBody))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
