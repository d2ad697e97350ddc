package failure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Kind classifies a pipeline failure
type Kind int

const (
	UnsupportedFormat Kind = iota + 1
	ModelUnavailable
	Authentication
	RateLimit
	TransientNetwork
	Provider
	Canceled
)

// Sentinels for errors.Is; any *Error of the same Kind matches.
var (
	ErrUnsupportedFormat = errors.New("unsupported audio format")
	ErrModelUnavailable  = errors.New("vad model unavailable")
	ErrAuthentication    = errors.New("authentication failed")
	ErrRateLimit         = errors.New("rate limited")
	ErrTransientNetwork  = errors.New("transient network error")
	ErrProvider          = errors.New("provider error")
	ErrCanceled          = errors.New("canceled")
)

func (k Kind) String() string {
	switch k {
	case UnsupportedFormat:
		return "unsupported_format"
	case ModelUnavailable:
		return "model_unavailable"
	case Authentication:
		return "authentication"
	case RateLimit:
		return "rate_limit"
	case TransientNetwork:
		return "transient_network"
	case Provider:
		return "provider"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Retryable reports whether a job may be retried after a failure of this kind
func (k Kind) Retryable() bool {
	return k == RateLimit || k == TransientNetwork
}

func (k Kind) sentinel() error {
	switch k {
	case UnsupportedFormat:
		return ErrUnsupportedFormat
	case ModelUnavailable:
		return ErrModelUnavailable
	case Authentication:
		return ErrAuthentication
	case RateLimit:
		return ErrRateLimit
	case TransientNetwork:
		return ErrTransientNetwork
	case Provider:
		return ErrProvider
	case Canceled:
		return ErrCanceled
	}
	return nil
}

// Error is the classified error carried between pipeline stages
type Error struct {
	Kind       Kind
	Op         string        // operation or stage that failed
	Provider   string        // remote backend, empty for local stages
	StatusCode int           // HTTP status when the backend answered
	RetryAfter time.Duration // backend hint on throttling
	Detail     string        // provider-specific message, preserved verbatim
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Op != "" {
		b.WriteString(" in ")
		b.WriteString(e.Op)
	}
	if e.Provider != "" {
		fmt.Fprintf(&b, " [%s]", e.Provider)
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.StatusCode)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for e.Kind
func (e *Error) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

// New creates a classified error
func New(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Detail: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the Kind from err, if it was classified
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return 0, false
}

// As returns the classified error in err's chain
func As(err error) (*Error, bool) {
	var fe *Error
	ok := errors.As(err, &fe)
	return fe, ok
}

// FromStatus classifies a non-2xx HTTP response from a provider
func FromStatus(provider string, status int, header http.Header, body []byte) *Error {
	e := &Error{
		Op:         "dispatch",
		Provider:   provider,
		StatusCode: status,
		Detail:     providerMessage(body),
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Kind = Authentication
	case status == http.StatusTooManyRequests:
		e.Kind = RateLimit
		e.RetryAfter = parseRetryAfter(header.Get("Retry-After"))
	case status == http.StatusRequestTimeout,
		status == http.StatusBadGateway,
		status == http.StatusServiceUnavailable,
		status == http.StatusGatewayTimeout:
		e.Kind = TransientNetwork
	default:
		e.Kind = Provider
	}
	return e
}

// FromTransport classifies an error returned before any HTTP status was seen
func FromTransport(provider string, err error) *Error {
	e := &Error{Op: "dispatch", Provider: provider, Err: err}

	switch {
	case errors.Is(err, context.Canceled):
		e.Kind = Canceled
	case errors.Is(err, context.DeadlineExceeded):
		e.Kind = TransientNetwork
		e.Detail = "request timed out"
	default:
		// connection refused/reset, DNS, TLS and truncated bodies
		e.Kind = TransientNetwork
	}
	return e
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// providerMessage extracts the human-readable message from the common
// {"error": {"message": ...}} and {"message": ...} envelopes, falling back to
// the raw body.
func providerMessage(body []byte) string {
	var envelope struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
		Detail  string          `json:"detail"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		if len(envelope.Error) > 0 {
			var nested struct {
				Message string `json:"message"`
			}
			if json.Unmarshal(envelope.Error, &nested) == nil && nested.Message != "" {
				return nested.Message
			}
			var flat string
			if json.Unmarshal(envelope.Error, &flat) == nil && flat != "" {
				return flat
			}
		}
		if envelope.Message != "" {
			return envelope.Message
		}
		if envelope.Detail != "" {
			return envelope.Detail
		}
	}

	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return msg
}
