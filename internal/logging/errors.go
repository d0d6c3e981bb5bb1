package logging

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrClosed is returned by Enqueue once the pipeline has been closed.
var ErrClosed = errors.New("logging pipeline closed")

type ErrorKind int

const (
	KindNetworkUnavailable ErrorKind = iota
	KindRejected
	KindTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case KindNetworkUnavailable:
		return "network unavailable"
	case KindRejected:
		return "rejected"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// TransportError is the failure type reported by transports.
type TransportError struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

func (e *TransportError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Kind.String())
	if e.Reason != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Reason)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func NetworkUnavailable(err error) *TransportError {
	return &TransportError{Kind: KindNetworkUnavailable, Err: err}
}

func Rejected(reason string) *TransportError {
	return &TransportError{Kind: KindRejected, Reason: reason}
}

func TimeoutError(err error) *TransportError {
	return &TransportError{Kind: KindTimeout, Err: err}
}

// AsTransportError returns err as a *TransportError, classifying it with
// ClassifyError when it is not one already.
func AsTransportError(err error) *TransportError {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te
	}
	return ClassifyError(err)
}

// ClassifyError maps a client-side failure to a TransportError. Deadline
// errors become Timeout, everything else NetworkUnavailable.
func ClassifyError(err error) *TransportError {
	if errors.Is(err, context.DeadlineExceeded) {
		return TimeoutError(err)
	}
	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) && timeout.Timeout() {
		return TimeoutError(err)
	}
	return NetworkUnavailable(err)
}

// ClassifyHTTPStatus maps a non-2xx response to a TransportError. Client
// errors are rejections, except 408 and 429 which signal a busy server.
func ClassifyHTTPStatus(code int, body string) *TransportError {
	reason := fmt.Sprintf("status %d", code)
	if body = strings.TrimSpace(body); body != "" {
		reason = fmt.Sprintf("%s: %s", reason, body)
	}
	switch {
	case code == 408:
		return &TransportError{Kind: KindTimeout, Reason: reason}
	case code == 429 || code >= 500:
		return &TransportError{Kind: KindNetworkUnavailable, Reason: reason}
	default:
		return Rejected(reason)
	}
}
